package migration

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/conversocial/shardmonster/pkg/connection"
	"github.com/conversocial/shardmonster/pkg/metadata"
	"github.com/conversocial/shardmonster/pkg/models"
)

// FixFailedPreDelete recovers a migration that died before the delete
// phase. The source is still authoritative, so any documents already copied
// to the target are removed and the shard is put back at rest at its
// original location.
func FixFailedPreDelete(ctx context.Context, meta *metadata.Store, conn *connection.Manager, logger *zap.Logger, collectionName string, shardKey models.ShardKey) error {
	realm, err := meta.RealmForCollection(ctx, collectionName)
	if err != nil {
		return err
	}
	record, err := meta.GetShardRecord(ctx, realm.Name, shardKey)
	if err != nil {
		return err
	}
	if !models.MigrationPhases[record.Status] {
		return fmt.Errorf("shard %v is in status %s, not in a pre-delete migration phase",
			shardKey, record.Status)
	}

	callerID := "recovery-" + uuid.NewString()
	defer conn.CloseCaller(ctx, callerID)

	target, err := conn.CollectionAt(ctx, callerID, record.NewLocation, realm.Collection)
	if err != nil {
		return err
	}
	res, err := target.DeleteMany(ctx, bson.M{realm.ShardField: shardKey.Value()})
	if err != nil {
		return fmt.Errorf("failed to remove copied documents from %s: %w", record.NewLocation, err)
	}
	logger.Info("removed partially copied documents",
		zap.String("location", record.NewLocation),
		zap.Int64("documents", res.DeletedCount))

	return meta.SetShardAtRest(ctx, realm.Name, shardKey, record.Location, true)
}

// FixFailedDuringDelete recovers a migration that died while draining the
// source. The target is authoritative, so the remaining source documents
// are deleted and the shard is put at rest at the new location.
func FixFailedDuringDelete(ctx context.Context, meta *metadata.Store, conn *connection.Manager, logger *zap.Logger, collectionName string, shardKey models.ShardKey) error {
	realm, err := meta.RealmForCollection(ctx, collectionName)
	if err != nil {
		return err
	}
	record, err := meta.GetShardRecord(ctx, realm.Name, shardKey)
	if err != nil {
		return err
	}
	if record.Status != models.PostMigrationDelete {
		return fmt.Errorf("shard %v is in status %s, not in the delete phase",
			shardKey, record.Status)
	}

	callerID := "recovery-" + uuid.NewString()
	defer conn.CloseCaller(ctx, callerID)

	source, err := conn.CollectionAt(ctx, callerID, record.Location, realm.Collection)
	if err != nil {
		return err
	}
	res, err := source.DeleteMany(ctx, bson.M{realm.ShardField: shardKey.Value()})
	if err != nil {
		return fmt.Errorf("failed to finish deleting source documents from %s: %w", record.Location, err)
	}
	logger.Info("finished deleting source documents",
		zap.String("location", record.Location),
		zap.Int64("documents", res.DeletedCount))

	return meta.SetShardAtRest(ctx, realm.Name, shardKey, record.NewLocation, true)
}
