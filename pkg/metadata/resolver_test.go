package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conversocial/shardmonster/pkg/models"
)

var testRealm = models.Realm{
	Name:        "dummy",
	ShardField:  "x",
	Collection:  "dummy",
	DefaultDest: "cluster-1/db",
	ShardType:   models.ShardTypeSingleValue,
}

func record(key int64, status models.ShardStatus, location, newLocation string) (models.ShardKey, models.ShardRecord) {
	return models.IntKey(key), models.ShardRecord{
		Realm:       "dummy",
		ShardKey:    key,
		Location:    location,
		NewLocation: newLocation,
		Status:      status,
	}
}

func TestBuildRealmLocations_Empty(t *testing.T) {
	locations := buildRealmLocations(testRealm, nil)

	assert.Len(t, locations, 1)
	meta := locations["cluster-1/db"]
	if assert.NotNil(t, meta, "default destination must always be present") {
		assert.Empty(t, meta.Contains)
		assert.Empty(t, meta.Excludes)
	}
}

func TestBuildRealmLocations_AtRest(t *testing.T) {
	shards := map[models.ShardKey]models.ShardRecord{}
	k1, r1 := record(1, models.AtRest, "cluster-1/db", "")
	k2, r2 := record(2, models.AtRest, "cluster-2/db", "")
	shards[k1] = r1
	shards[k2] = r2

	locations := buildRealmLocations(testRealm, shards)

	assert.Len(t, locations, 2)
	assert.ElementsMatch(t, []models.ShardKey{k1}, locations["cluster-1/db"].Contains)
	assert.ElementsMatch(t, []models.ShardKey{k2}, locations["cluster-2/db"].Contains)
	assert.Empty(t, locations["cluster-2/db"].Excludes)
}

func TestBuildRealmLocations_MigrationPhase(t *testing.T) {
	// During copy/sync the source is authoritative; the target may hold a
	// partial copy and must exclude the key.
	for _, status := range []models.ShardStatus{
		models.MigratingCopy, models.MigratingSync, models.PostMigrationPausedAtSource,
	} {
		shards := map[models.ShardKey]models.ShardRecord{}
		key, rec := record(2, status, "cluster-2/db", "cluster-1/db")
		shards[key] = rec

		locations := buildRealmLocations(testRealm, shards)

		source := locations["cluster-2/db"]
		target := locations["cluster-1/db"]
		assert.ElementsMatch(t, []models.ShardKey{key}, source.Contains, "status %s", status)
		assert.Empty(t, source.Excludes, "status %s", status)
		assert.ElementsMatch(t, []models.ShardKey{key}, target.Excludes, "status %s", status)
		assert.Empty(t, target.Contains, "status %s", status)
	}
}

func TestBuildRealmLocations_PostMigrationPhase(t *testing.T) {
	// After the pause flips, the target is authoritative and the source is
	// being drained.
	for _, status := range []models.ShardStatus{
		models.PostMigrationPausedAtDestination, models.PostMigrationDelete,
	} {
		shards := map[models.ShardKey]models.ShardRecord{}
		key, rec := record(2, status, "cluster-2/db", "cluster-1/db")
		shards[key] = rec

		locations := buildRealmLocations(testRealm, shards)

		source := locations["cluster-2/db"]
		target := locations["cluster-1/db"]
		assert.ElementsMatch(t, []models.ShardKey{key}, source.Excludes, "status %s", status)
		assert.ElementsMatch(t, []models.ShardKey{key}, target.Contains, "status %s", status)
	}
}

func TestBuildRealmLocations_MigrationToDefaultDest(t *testing.T) {
	// A shard migrating into the default destination must not clobber the
	// default entry's role for unplaced keys.
	shards := map[models.ShardKey]models.ShardRecord{}
	key, rec := record(7, models.MigratingSync, "cluster-2/db", "cluster-1/db")
	shards[key] = rec

	locations := buildRealmLocations(testRealm, shards)

	assert.Len(t, locations, 2)
	assert.ElementsMatch(t, []models.ShardKey{key}, locations["cluster-1/db"].Excludes)
	assert.ElementsMatch(t, []models.ShardKey{key}, locations["cluster-2/db"].Contains)
}

func TestLocationMetadata_String(t *testing.T) {
	meta := &LocationMetadata{Location: "c/d"}
	for i := int64(0); i < 8; i++ {
		meta.Contains = append(meta.Contains, models.IntKey(i))
	}
	s := meta.String()
	assert.Contains(t, s, "c/d")
	assert.Contains(t, s, "...")
}
