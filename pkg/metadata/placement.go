package metadata

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/conversocial/shardmonster/internal/errors"
	"github.com/conversocial/shardmonster/pkg/models"
)

// EnsureIndexes creates the unique and secondary indexes on the controller
// collections. Idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	_, err := s.realms().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "collection", Value: 1}}, Options: unique},
	})
	if err != nil {
		return fmt.Errorf("failed to create realm indexes: %w", err)
	}

	_, err = s.shards().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "realm", Value: 1}, {Key: "shard_key", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create shard indexes: %w", err)
	}

	_, err = s.conn.ControllerDB().Collection(models.ClustersCollection).
		Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "name", Value: 1}}, Options: unique,
	})
	if err != nil {
		return fmt.Errorf("failed to create cluster index: %w", err)
	}
	return nil
}

// EnsureRealmExists ensures that a realm of the given name exists and
// matches the expected settings. Realms are immutable: a second call with
// different settings fails.
func (s *Store) EnsureRealmExists(ctx context.Context, name, shardField, collectionName, defaultDest string) error {
	var existing models.Realm
	err := s.realms().FindOne(ctx, bson.M{"name": name}).Decode(&existing)
	if err == nil {
		if existing.ShardField != shardField ||
			existing.Collection != collectionName ||
			existing.DefaultDest != defaultDest {
			return errors.RealmImmutable(name)
		}
		return nil
	}
	if err != mongo.ErrNoDocuments {
		return fmt.Errorf("failed to look up realm %s: %w", name, err)
	}

	err = s.realms().FindOne(ctx, bson.M{"collection": collectionName}).Decode(&existing)
	if err == nil {
		if existing.ShardField != shardField ||
			existing.Name != name ||
			existing.DefaultDest != defaultDest {
			return errors.Newf(errors.KindRealmImmutable,
				"realm for collection %s already exists", collectionName)
		}
		return nil
	}
	if err != mongo.ErrNoDocuments {
		return fmt.Errorf("failed to look up realm for collection %s: %w", collectionName, err)
	}

	_, err = s.realms().InsertOne(ctx, models.Realm{
		Name:        name,
		ShardField:  shardField,
		Collection:  collectionName,
		DefaultDest: defaultDest,
		ShardType:   models.ShardTypeSingleValue,
	})
	if err != nil {
		return fmt.Errorf("failed to create realm %s: %w", name, err)
	}
	return nil
}

// assertValidLocation checks that a location parses and references a known
// cluster
func (s *Store) assertValidLocation(ctx context.Context, location string) error {
	clusterName, _, err := models.ParseLocation(location)
	if err != nil {
		return err
	}
	_, err = s.conn.GetClusterURI(ctx, clusterName)
	return err
}

// SetShardAtRest marks a shard as being at rest in the given location. This
// is used for initiating shards in preparation for migration. Unless force
// is set this fails if the shard has already been placed.
func (s *Store) SetShardAtRest(ctx context.Context, realmName string, key models.ShardKey, location string, force bool) error {
	if err := s.assertValidLocation(ctx, location); err != nil {
		return err
	}

	query := bson.M{"realm": realmName, "shard_key": key.Value()}
	if !force {
		count, err := s.shards().CountDocuments(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to check shard placement: %w", err)
		}
		if count > 0 {
			return errors.ShardAlreadyPlaced(realmName, key.Value())
		}
	}

	_, err := s.shards().UpdateOne(ctx, query, bson.M{
		"$set": bson.M{
			"location": location,
			"status":   models.AtRest,
		},
		"$unset": bson.M{
			"new_location": 1,
		},
	}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to place shard %v: %w", key, err)
	}

	s.RealmChanged(realmName)
	return nil
}

// SetShardToMigrationStatus marks a shard as being at a specific migration
// status
func (s *Store) SetShardToMigrationStatus(ctx context.Context, realmName string, key models.ShardKey, status models.ShardStatus) error {
	_, err := s.shards().UpdateOne(ctx,
		bson.M{"realm": realmName, "shard_key": key.Value()},
		bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return fmt.Errorf("failed to set shard %v to %s: %w", key, status, err)
	}
	return nil
}

// StartMigration marks a shard as being in the process of being migrated
func (s *Store) StartMigration(ctx context.Context, realmName string, key models.ShardKey, newLocation string) error {
	realm, err := s.RealmByName(ctx, realmName)
	if err != nil {
		return err
	}
	existing, err := s.LocationForShard(ctx, realm, key)
	if err != nil {
		return err
	}
	if existing.Location == newLocation {
		return errors.AlreadyThere(newLocation)
	}

	_, err = s.shards().UpdateOne(ctx,
		bson.M{"realm": realmName, "shard_key": key.Value()},
		bson.M{"$set": bson.M{
			"status":       models.MigratingCopy,
			"new_location": newLocation,
		}})
	if err != nil {
		return fmt.Errorf("failed to start migration for shard %v: %w", key, err)
	}
	return nil
}

// GetShardRecord reads a shard record straight from the controller,
// bypassing the caches. The migration worker uses this to see its own
// status transitions immediately.
func (s *Store) GetShardRecord(ctx context.Context, realmName string, key models.ShardKey) (models.ShardRecord, error) {
	var record models.ShardRecord
	err := s.shards().FindOne(ctx,
		bson.M{"realm": realmName, "shard_key": key.Value()}).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return models.ShardRecord{}, fmt.Errorf("no shard record for %v in realm %s", key, realmName)
	}
	if err != nil {
		return models.ShardRecord{}, fmt.Errorf("failed to read shard %v in realm %s: %w", key, realmName, err)
	}
	return record, nil
}

// AreMigrationsHappening reports whether any shard in any realm is in an
// active migration phase
func (s *Store) AreMigrationsHappening(ctx context.Context) (bool, error) {
	count, err := s.shards().CountDocuments(ctx,
		bson.M{"status": bson.M{"$in": models.ActiveStatuses()}})
	if err != nil {
		return false, fmt.Errorf("failed to check for active migrations: %w", err)
	}
	return count > 0, nil
}

// AnyShardPausedAtDestination reports whether any shard of the realm is in
// the paused-at-destination state. Served by the status index.
func (s *Store) AnyShardPausedAtDestination(ctx context.Context, realmName string) (bool, error) {
	count, err := s.shards().CountDocuments(ctx, bson.M{
		"realm":  realmName,
		"status": models.PostMigrationPausedAtDestination,
	})
	if err != nil {
		return false, fmt.Errorf("failed to check for paused shards: %w", err)
	}
	return count > 0, nil
}

// WipeMetadata removes all records from all three controller collections
// and drops every cache. Test use only; there is no undo.
func (s *Store) WipeMetadata(ctx context.Context) error {
	for _, name := range []string{
		models.RealmsCollection,
		models.ShardsCollection,
		models.ClustersCollection,
	} {
		if _, err := s.conn.ControllerDB().Collection(name).DeleteMany(ctx, bson.M{}); err != nil {
			return fmt.Errorf("failed to wipe %s: %w", name, err)
		}
	}
	s.ClearCaches()
	return nil
}
