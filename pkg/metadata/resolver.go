package metadata

import (
	"context"
	"fmt"

	"github.com/conversocial/shardmonster/pkg/models"
)

// LocationMetadata describes one physical location's role in answering a
// query. Contains lists shard keys whose authoritative copy is here;
// Excludes lists keys that must be filtered out of any query against this
// location because another location is authoritative for them.
type LocationMetadata struct {
	Location string
	Contains []models.ShardKey
	Excludes []models.ShardKey
}

func (l *LocationMetadata) String() string {
	contains := l.Contains
	suffix := ""
	if len(contains) > 5 {
		contains = contains[:5]
		suffix = "..."
	}
	return fmt.Sprintf("LocationMetadata(%s, contains: %v%s, excludes: %v)",
		l.Location, contains, suffix, l.Excludes)
}

// LocationForShard resolves the single authoritative location for a shard
// key
func (s *Store) LocationForShard(ctx context.Context, realm models.Realm, key models.ShardKey) (*LocationMetadata, error) {
	record, err := s.ShardStore(realm.Name).GetSingleShardMetadata(ctx, key)
	if err != nil {
		return nil, err
	}
	return &LocationMetadata{
		Location: record.AuthoritativeLocation(),
		Contains: []models.ShardKey{key},
	}, nil
}

// AllLocationsForRealm resolves every physical location holding data for
// the realm, with the contains/excludes metadata needed to query each
// location without duplicating in-transit shards. The realm's default
// destination is always included.
func (s *Store) AllLocationsForRealm(ctx context.Context, realm models.Realm) (map[string]*LocationMetadata, error) {
	shards, err := s.ShardStore(realm.Name).GetAllShardMetadata(ctx)
	if err != nil {
		return nil, err
	}
	return buildRealmLocations(realm, shards), nil
}

// buildRealmLocations aggregates per-location metadata from the realm's
// shard records:
//
//   - migration phases: the source still owns the data, the target may hold
//     a partial copy, so the key is excluded there
//   - post-migration phases: the target owns the data, the source is being
//     drained, so the key is excluded there
//   - at rest: the explicit location owns the data
func buildRealmLocations(realm models.Realm, shards map[models.ShardKey]models.ShardRecord) map[string]*LocationMetadata {
	locations := make(map[string]*LocationMetadata)
	at := func(location string) *LocationMetadata {
		meta, ok := locations[location]
		if !ok {
			meta = &LocationMetadata{Location: location}
			locations[location] = meta
		}
		return meta
	}

	for key, record := range shards {
		at(record.Location)
		if record.NewLocation != "" {
			at(record.NewLocation)
		}

		switch {
		case models.MigrationPhases[record.Status]:
			at(record.NewLocation).Excludes = append(at(record.NewLocation).Excludes, key)
			at(record.Location).Contains = append(at(record.Location).Contains, key)
		case models.PostMigrationPhases[record.Status]:
			at(record.Location).Excludes = append(at(record.Location).Excludes, key)
			at(record.NewLocation).Contains = append(at(record.NewLocation).Contains, key)
		default:
			at(record.Location).Contains = append(at(record.Location).Contains, key)
		}
	}

	at(realm.DefaultDest)
	return locations
}
