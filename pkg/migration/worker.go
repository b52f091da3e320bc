package migration

import (
	"context"
	stderrors "errors"
	"fmt"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/conversocial/shardmonster/pkg/models"
)

// pauseSettleTime is how long writes are given to land after the shard
// flips to paused-at-destination. Writes taking longer than this are a sign
// the deployment should rethink its sharding.
const pauseSettleTime = 100 * time.Millisecond

// cacheDrainPoll is the interval between oplog sync passes while waiting
// out the metadata cache
const cacheDrainPoll = 50 * time.Millisecond

// oplogEntry is one record of the source cluster's replication log
type oplogEntry struct {
	TS primitive.Timestamp `bson:"ts"`
	Op string              `bson:"op"`
	NS string              `bson:"ns"`
	O  bson.M              `bson:"o"`
	O2 bson.M              `bson:"o2"`
}

// run executes the full migration protocol. It owns the documents at the
// target for the whole run; the router will not write there until the
// post-migration flip.
func (m *Manager) run(ctx context.Context, realm models.Realm) error {
	defer m.conn.CloseCaller(ctx, m.callerID)

	// Phase 1: mark the shard as copying and record where the data is going
	m.setPhase(PhaseCopy)
	if err := m.meta.StartMigration(ctx, realm.Name, m.shardKey, m.newLocation); err != nil {
		return err
	}
	record, err := m.meta.GetShardRecord(ctx, realm.Name, m.shardKey)
	if err != nil {
		return err
	}

	// Phase 2: checkpoint the replication log before copying so every write
	// that lands mid-copy is replayed afterwards
	oplogPos, err := m.latestOplogTimestamp(ctx, record.Location)
	if err != nil {
		return err
	}

	// Phase 3: bulk copy
	if err := m.copySourceData(ctx, realm, record); err != nil {
		return err
	}

	// Phase 4: replay the log until the target has caught up
	m.setPhase(PhaseSync)
	syncStart := time.Now()
	if err := m.meta.SetShardToMigrationStatus(ctx, realm.Name, m.shardKey, models.MigratingSync); err != nil {
		return err
	}
	oplogPos, err = m.syncFromOplog(ctx, realm, record, oplogPos)
	if err != nil {
		return err
	}

	// Phase 5: keep tailing until every router has re-read this shard's
	// metadata. Only then is it safe to pause: a router holding a stale
	// at-rest record would miss the pause entirely.
	for time.Since(syncStart) < m.meta.CachingDuration() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cacheDrainPoll):
		}
		oplogPos, err = m.syncFromOplog(ctx, realm, record, oplogPos)
		if err != nil {
			return err
		}
	}

	// Phase 6: pause writes, let in-flight ones land, replay them
	if err := m.meta.SetShardToMigrationStatus(ctx, realm.Name, m.shardKey,
		models.PostMigrationPausedAtDestination); err != nil {
		return err
	}
	time.Sleep(pauseSettleTime)
	if _, err = m.syncFromOplog(ctx, realm, record, oplogPos); err != nil {
		return err
	}

	// Phase 7: the target is now authoritative; drain the source
	m.setPhase(PhaseDelete)
	if err := m.meta.SetShardToMigrationStatus(ctx, realm.Name, m.shardKey,
		models.PostMigrationDelete); err != nil {
		return err
	}
	if err := m.deleteSourceData(ctx, realm, record); err != nil {
		return err
	}

	// Phase 8: back to rest at the new location
	if err := m.meta.SetShardAtRest(ctx, realm.Name, m.shardKey, m.newLocation, true); err != nil {
		return err
	}
	m.setPhase(PhaseComplete)
	return nil
}

func (m *Manager) collectionAt(ctx context.Context, location string, realm models.Realm) (*mongo.Collection, error) {
	return m.conn.CollectionAt(ctx, m.callerID, location, realm.Collection)
}

// latestOplogTimestamp reads the most recent replication log position of
// the cluster owning location
func (m *Manager) latestOplogTimestamp(ctx context.Context, location string) (primitive.Timestamp, error) {
	clusterName, _, err := models.ParseLocation(location)
	if err != nil {
		return primitive.Timestamp{}, err
	}
	client, err := m.conn.GetConnection(ctx, m.callerID, clusterName)
	if err != nil {
		return primitive.Timestamp{}, err
	}

	var entry oplogEntry
	err = client.Database("local").Collection("oplog.rs").
		FindOne(ctx, bson.M{}, options.FindOne().SetSort(bson.D{{Key: "$natural", Value: -1}})).
		Decode(&entry)
	if err != nil {
		return primitive.Timestamp{}, fmt.Errorf("failed to read oplog position: %w", err)
	}
	return entry.TS, nil
}

// copySourceData bulk-copies every source document for the shard to the
// target in ordered batches of upserts
func (m *Manager) copySourceData(ctx context.Context, realm models.Realm, record models.ShardRecord) error {
	if record.Status != models.MigratingCopy {
		return fmt.Errorf("shard not in copy state (phase 1)")
	}

	source, err := m.collectionAt(ctx, record.Location, realm)
	if err != nil {
		return err
	}
	target, err := m.collectionAt(ctx, record.NewLocation, realm)
	if err != nil {
		return err
	}

	// When the target cluster is itself sharded, upserts must match on its
	// declared shard key or mongos will reject them
	keyFields, err := m.targetShardKeyFields(ctx, record.NewLocation, realm)
	if err != nil {
		return err
	}

	cursor, err := source.Find(ctx,
		bson.M{realm.ShardField: m.shardKey.Value()},
		options.Find().SetNoCursorTimeout(true))
	if err != nil {
		return fmt.Errorf("failed to scan source documents: %w", err)
	}
	defer cursor.Close(ctx)

	batch := make([]mongo.WriteModel, 0, m.insertBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := target.BulkWrite(ctx, batch, options.BulkWrite().SetOrdered(true))
		if err != nil {
			m.logBulkError(err)
			return fmt.Errorf("bulk upsert to target failed: %w", err)
		}
		m.inserted.Add(int64(len(batch)))
		m.metrics.AddDocsCopied(len(batch))
		batch = batch[:0]
		m.throttle(&m.insertThrottle)
		return nil
	}

	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("failed to decode source document: %w", err)
		}
		// Duplicates here are updates seen during the read; the oplog pass
		// corrects them later
		batch = append(batch, upsertModel(doc, keyFields))
		if len(batch) >= m.insertBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("source scan failed: %w", err)
	}
	return flush()
}

// upsertModel builds the ordered-bulk upsert for one copied document. The
// match key is the target's declared shard key when there is one, otherwise
// _id; every field except _id is set.
func upsertModel(doc bson.M, keyFields []string) mongo.WriteModel {
	var filter bson.M
	if len(keyFields) > 0 {
		filter = bson.M{}
		for _, f := range keyFields {
			filter[f] = doc[f]
		}
	} else {
		filter = bson.M{"_id": doc["_id"]}
	}

	set := bson.M{}
	for field, value := range doc {
		if field != "_id" {
			set[field] = value
		}
	}

	return mongo.NewUpdateOneModel().
		SetFilter(filter).
		SetUpdate(bson.M{"$set": set}).
		SetUpsert(true)
}

// targetShardKeyFields introspects the target cluster's router config for a
// declared shard key on the collection. Plain replica sets have none.
func (m *Manager) targetShardKeyFields(ctx context.Context, location string, realm models.Realm) ([]string, error) {
	clusterName, databaseName, err := models.ParseLocation(location)
	if err != nil {
		return nil, err
	}
	client, err := m.conn.GetConnection(ctx, m.callerID, clusterName)
	if err != nil {
		return nil, err
	}

	var spec struct {
		Key bson.D `bson:"key"`
	}
	err = client.Database("config").Collection("collections").
		FindOne(ctx, bson.M{"_id": databaseName + "." + realm.Collection}).
		Decode(&spec)
	if err != nil {
		// Not a sharded cluster, or the collection is unsharded there
		return nil, nil
	}

	fields := make([]string, 0, len(spec.Key))
	for _, elem := range spec.Key {
		fields = append(fields, elem.Key)
	}
	return fields, nil
}

// syncFromOplog replays the source's replication log from pos, returning
// the position reached. One call drains whatever entries are currently
// available.
func (m *Manager) syncFromOplog(ctx context.Context, realm models.Realm, record models.ShardRecord, pos primitive.Timestamp) (primitive.Timestamp, error) {
	clusterName, databaseName, err := models.ParseLocation(record.Location)
	if err != nil {
		return pos, err
	}
	client, err := m.conn.GetConnection(ctx, m.callerID, clusterName)
	if err != nil {
		return pos, err
	}
	source, err := m.collectionAt(ctx, record.Location, realm)
	if err != nil {
		return pos, err
	}
	target, err := m.collectionAt(ctx, record.NewLocation, realm)
	if err != nil {
		return pos, err
	}

	namespace := databaseName + "." + realm.Collection
	shardSelector := bson.M{realm.ShardField: m.shardKey.Value()}

	cursor, err := client.Database("local").Collection("oplog.rs").Find(ctx,
		bson.M{"ts": bson.M{"$gte": pos}},
		options.Find().
			SetCursorType(options.Tailable).
			SetOplogReplay(true).
			SetHint(bson.D{{Key: "$natural", Value: 1}}))
	if err != nil {
		return pos, fmt.Errorf("failed to tail oplog: %w", err)
	}
	defer cursor.Close(ctx)

	replayed := 0
	for cursor.TryNext(ctx) {
		var entry oplogEntry
		if err := cursor.Decode(&entry); err != nil {
			return pos, fmt.Errorf("failed to decode oplog entry: %w", err)
		}
		if err := m.replayOplogEntry(ctx, entry, namespace, shardSelector, source, target); err != nil {
			return pos, err
		}
		pos = entry.TS
		replayed++
	}
	if err := cursor.Err(); err != nil {
		return pos, fmt.Errorf("oplog tail failed: %w", err)
	}
	m.metrics.AddOplogReplayed(replayed)
	return pos, nil
}

// replayOplogEntry applies one replication log entry to the target.
// Updates re-copy the current source image rather than applying the logged
// mutation: that stays correct under reordering and covers documents the
// copy scan missed.
func (m *Manager) replayOplogEntry(ctx context.Context, entry oplogEntry, namespace string, shardSelector bson.M, source, target *mongo.Collection) error {
	if entry.NS != namespace {
		return nil
	}

	switch entry.Op {
	case "i":
		query := withID(shardSelector, entry.O["_id"])
		exists, err := documentExists(ctx, source, query)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		if _, err := target.InsertOne(ctx, entry.O); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil
			}
			return fmt.Errorf("oplog insert replay failed: %w", err)
		}

	case "u":
		query := withID(shardSelector, entry.O2["_id"])
		var current bson.M
		err := source.FindOne(ctx, query).Decode(&current)
		if err == mongo.ErrNoDocuments {
			return nil
		}
		if err != nil {
			return fmt.Errorf("oplog update replay failed: %w", err)
		}
		if reflect.DeepEqual(current, entry.O) {
			return nil
		}
		_, err = target.ReplaceOne(ctx,
			bson.M{"_id": current["_id"]}, current,
			options.Replace().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("oplog update replay failed: %w", err)
		}

	case "d":
		id := entry.O["_id"]
		exists, err := documentExists(ctx, target, bson.M{"_id": id})
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		if _, err := target.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
			return fmt.Errorf("oplog delete replay failed: %w", err)
		}
	}
	// Other ops (commands, no-ops) are irrelevant to the shard's documents
	return nil
}

func withID(selector bson.M, id interface{}) bson.M {
	query := bson.M{"_id": id}
	for field, value := range selector {
		query[field] = value
	}
	return query
}

func documentExists(ctx context.Context, coll *mongo.Collection, query bson.M) (bool, error) {
	err := coll.FindOne(ctx, query, options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("existence check failed: %w", err)
	}
	return true, nil
}

// deleteSourceData removes the shard's documents from the source in
// throttled batches. The _id scan reads from the cluster's hidden
// secondary when one is configured, keeping the load off the primary.
func (m *Manager) deleteSourceData(ctx context.Context, realm models.Realm, record models.ShardRecord) error {
	current, err := m.meta.GetShardRecord(ctx, realm.Name, m.shardKey)
	if err != nil {
		return err
	}
	if current.Status != models.PostMigrationDelete {
		return fmt.Errorf("shard not in delete state")
	}

	source, err := m.collectionAt(ctx, record.Location, realm)
	if err != nil {
		return err
	}

	scanColl := source
	clusterName, databaseName, err := models.ParseLocation(record.Location)
	if err != nil {
		return err
	}
	hiddenHost, err := m.conn.HiddenSecondaryHost(ctx, clusterName)
	if err != nil {
		return err
	}
	if hiddenHost != "" {
		hidden, err := m.conn.HiddenSecondaryConnection(ctx, m.callerID, clusterName)
		if err != nil {
			return err
		}
		scanColl = hidden.Database(databaseName).Collection(realm.Collection)
		m.logger.Info("scanning deletes from hidden secondary",
			zap.String("host", hiddenHost))
	}

	cursor, err := scanColl.Find(ctx,
		bson.M{realm.ShardField: m.shardKey.Value()},
		options.Find().
			SetProjection(bson.M{"_id": 1}).
			SetNoCursorTimeout(true))
	if err != nil {
		return fmt.Errorf("failed to scan source for delete: %w", err)
	}
	defer cursor.Close(ctx)

	ids := make([]interface{}, 0, m.deleteBatchSize)
	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		res, err := source.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
		if err != nil {
			return fmt.Errorf("source delete failed: %w", err)
		}
		m.deleted.Add(res.DeletedCount)
		m.metrics.AddDocsDeleted(int(res.DeletedCount))
		ids = ids[:0]
		m.throttle(&m.deleteThrottle)
		return nil
	}

	for cursor.Next(ctx) {
		var doc struct {
			ID interface{} `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("failed to decode id for delete: %w", err)
		}
		ids = append(ids, doc.ID)
		if len(ids) >= m.deleteBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("delete scan failed: %w", err)
	}
	return flush()
}

// logBulkError logs the full detail of a partial bulk-write failure before
// it is surfaced
func (m *Manager) logBulkError(err error) {
	var bulkErr mongo.BulkWriteException
	if !stderrors.As(err, &bulkErr) {
		return
	}
	for _, writeErr := range bulkErr.WriteErrors {
		m.logger.Error("bulk write error",
			zap.Int("index", writeErr.Index),
			zap.Int("code", writeErr.Code),
			zap.String("message", writeErr.Message))
	}
	if bulkErr.WriteConcernError != nil {
		m.logger.Error("bulk write concern error",
			zap.String("message", bulkErr.WriteConcernError.Message))
	}
}
