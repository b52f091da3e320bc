// Package router translates logical operations against a sharded collection
// into targeted operations against the physical clusters that hold its data.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/conversocial/shardmonster/internal/errors"
	"github.com/conversocial/shardmonster/pkg/connection"
	"github.com/conversocial/shardmonster/pkg/metadata"
	"github.com/conversocial/shardmonster/pkg/models"
	"github.com/conversocial/shardmonster/pkg/monitoring"
)

// routerCallerID keys the router's pooled connections. Application reads
// and writes share one caller; migration workers use their own.
const routerCallerID = "router"

// UntargetedQueryCallback is invoked whenever a read fans out across all
// locations, so applications can instrument and fix untargeted queries. The
// return value is ignored.
type UntargetedQueryCallback func(collectionName string, query bson.M)

// Router routes operations for shard-aware collections
type Router struct {
	meta    *metadata.Store
	conn    *connection.Manager
	metrics *monitoring.Metrics
	logger  *zap.Logger

	mu                 sync.RWMutex
	untargetedCallback UntargetedQueryCallback
}

// New creates a router over the given metadata store and connections
func New(meta *metadata.Store, conn *connection.Manager, metrics *monitoring.Metrics, logger *zap.Logger) *Router {
	return &Router{
		meta:    meta,
		conn:    conn,
		metrics: metrics,
		logger:  logger,
	}
}

// SetUntargetedQueryCallback sets the callback invoked on fan-out queries
func (r *Router) SetUntargetedQueryCallback(fn UntargetedQueryCallback) {
	r.mu.Lock()
	r.untargetedCallback = fn
	r.mu.Unlock()
}

// target is one physical collection to operate on, with the query refined
// for that location
type target struct {
	coll     *mongo.Collection
	query    bson.M
	location string
}

// queryTarget extracts the targeted shard key from a query, if the query
// binds the realm's shard field to a usable value
func queryTarget(realm models.Realm, query bson.M) (models.ShardKey, bool) {
	v, ok := query[realm.ShardField]
	if !ok {
		return models.ShardKey{}, false
	}
	return models.ShardKeyFromValue(v)
}

// refineQuery narrows a query for one location so keys in transit are only
// returned from their authoritative side
func refineQuery(query bson.M, shardField string, meta *metadata.LocationMetadata) (bson.M, error) {
	switch len(meta.Excludes) {
	case 0:
		return query, nil
	case 1:
		return bson.M{"$and": []bson.M{
			query,
			{shardField: bson.M{"$ne": meta.Excludes[0].Value()}},
		}}, nil
	default:
		// Cannot happen while only one shard per realm migrates at a time
		return nil, errors.MultipleShardsInTransit()
	}
}

// targetsForQuery figures out which collections to query and how to adjust
// the query to account for any shards that are currently moving. The result
// is ordered by location for deterministic iteration.
func (r *Router) targetsForQuery(ctx context.Context, collectionName string, query bson.M) ([]target, models.Realm, error) {
	realm, err := r.meta.RealmForCollection(ctx, collectionName)
	if err != nil {
		return nil, models.Realm{}, err
	}

	var locations map[string]*metadata.LocationMetadata
	if key, targeted := queryTarget(realm, query); targeted {
		loc, err := r.meta.LocationForShard(ctx, realm, key)
		if err != nil {
			return nil, models.Realm{}, err
		}
		locations = map[string]*metadata.LocationMetadata{loc.Location: loc}
		r.metrics.ObserveQuery(collectionName, true)
	} else {
		locations, err = r.meta.AllLocationsForRealm(ctx, realm)
		if err != nil {
			return nil, models.Realm{}, err
		}
		r.metrics.ObserveQuery(collectionName, false)

		r.mu.RLock()
		callback := r.untargetedCallback
		r.mu.RUnlock()
		if callback != nil {
			callback(collectionName, query)
		}
	}

	names := make([]string, 0, len(locations))
	for name := range locations {
		names = append(names, name)
	}
	sort.Strings(names)

	targets := make([]target, 0, len(names))
	for _, name := range names {
		meta := locations[name]
		refined, err := refineQuery(query, realm.ShardField, meta)
		if err != nil {
			return nil, models.Realm{}, err
		}
		coll, err := r.conn.CollectionAt(ctx, routerCallerID, name, collectionName)
		if err != nil {
			return nil, models.Realm{}, err
		}
		targets = append(targets, target{coll: coll, query: refined, location: name})
	}
	return targets, realm, nil
}

// singleTargetForKey resolves the one collection holding the given shard
// key's data
func (r *Router) singleTargetForKey(ctx context.Context, collectionName string, realm models.Realm, key models.ShardKey) (*mongo.Collection, error) {
	loc, err := r.meta.LocationForShard(ctx, realm, key)
	if err != nil {
		return nil, err
	}
	return r.conn.CollectionAt(ctx, routerCallerID, loc.Location, collectionName)
}

// Find returns a multishard cursor over every location holding matching
// documents. No queries are issued until the cursor is iterated.
func (r *Router) Find(collectionName string, query bson.M) *MultishardCursor {
	return newMultishardCursor(r, collectionName, query)
}

// FindOne decodes the first matching document into result. Returns
// mongo.ErrNoDocuments when nothing matches.
func (r *Router) FindOne(ctx context.Context, collectionName string, query bson.M, result interface{}) error {
	cursor := r.Find(collectionName, query).Limit(1)
	defer cursor.Close(ctx)
	if !cursor.Next(ctx) {
		if err := cursor.Err(); err != nil {
			return err
		}
		return mongo.ErrNoDocuments
	}
	return cursor.Decode(result)
}

// WriteResult aggregates the outcome of a write fanned out across locations
type WriteResult struct {
	// N is the number of documents matched, upserted or removed
	N int64
}

// UpdateOptions control Update routing and semantics
type UpdateOptions struct {
	Upsert bool
	Multi  bool
}

// Insert routes each document to the single location owning its shard key.
// Every document must carry the realm's shard field. A multi-document
// insert is routed per document; there is no cross-cluster batch.
func (r *Router) Insert(ctx context.Context, collectionName string, docs ...bson.M) error {
	realm, err := r.meta.RealmForCollection(ctx, collectionName)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if _, ok := doc[realm.ShardField]; !ok {
			return errors.MissingShardField(realm.ShardField)
		}
	}

	pauseQuery := bson.M{}
	if len(docs) == 1 {
		pauseQuery = docs[0]
	}
	if err := r.WaitForPauseToEnd(ctx, collectionName, pauseQuery); err != nil {
		return err
	}

	for _, doc := range docs {
		key, ok := models.ShardKeyFromValue(doc[realm.ShardField])
		if !ok {
			return errors.MissingShardField(realm.ShardField)
		}
		coll, err := r.singleTargetForKey(ctx, collectionName, realm, key)
		if err != nil {
			return err
		}
		if _, err := coll.InsertOne(ctx, doc); err != nil {
			return fmt.Errorf("insert into %s failed: %w", collectionName, err)
		}
	}
	r.metrics.ObserveWrite(collectionName, "insert")
	return nil
}

// upsertTargetKey pulls the shard key out of an upsert's update document:
// either from its $set sub-document or, for a full replacement, from the
// document itself
func upsertTargetKey(realm models.Realm, update bson.M) (models.ShardKey, bool) {
	if set, ok := update["$set"].(bson.M); ok {
		if key, ok := queryTarget(realm, set); ok {
			return key, true
		}
	}
	return queryTarget(realm, update)
}

// Update applies an update everywhere the query may match. An upsert whose
// update binds the shard field is routed to that key's single location so
// the upsert cannot create documents on several clusters; the query itself
// is still evaluated by the destination.
func (r *Router) Update(ctx context.Context, collectionName string, query, update bson.M, opts UpdateOptions) (*WriteResult, error) {
	if err := r.WaitForPauseToEnd(ctx, collectionName, query); err != nil {
		return nil, err
	}
	realm, err := r.meta.RealmForCollection(ctx, collectionName)
	if err != nil {
		return nil, err
	}

	var targets []target
	if opts.Upsert {
		if key, ok := upsertTargetKey(realm, update); ok {
			coll, err := r.singleTargetForKey(ctx, collectionName, realm, key)
			if err != nil {
				return nil, err
			}
			targets = []target{{coll: coll, query: query}}
		}
	}
	if targets == nil {
		targets, _, err = r.targetsForQuery(ctx, collectionName, query)
		if err != nil {
			return nil, err
		}
	}

	result := &WriteResult{}
	updateOpts := options.Update().SetUpsert(opts.Upsert)
	for _, t := range targets {
		var res *mongo.UpdateResult
		if opts.Multi {
			res, err = t.coll.UpdateMany(ctx, t.query, update, updateOpts)
		} else {
			res, err = t.coll.UpdateOne(ctx, t.query, update, updateOpts)
		}
		if err != nil {
			return nil, fmt.Errorf("update on %s failed: %w", collectionName, err)
		}
		result.N += res.MatchedCount + res.UpsertedCount
	}
	r.metrics.ObserveWrite(collectionName, "update")
	return result, nil
}

// Remove deletes matching documents at every location
func (r *Router) Remove(ctx context.Context, collectionName string, query bson.M) (*WriteResult, error) {
	if err := r.WaitForPauseToEnd(ctx, collectionName, query); err != nil {
		return nil, err
	}
	targets, _, err := r.targetsForQuery(ctx, collectionName, query)
	if err != nil {
		return nil, err
	}

	result := &WriteResult{}
	for _, t := range targets {
		res, err := t.coll.DeleteMany(ctx, t.query)
		if err != nil {
			return nil, fmt.Errorf("remove on %s failed: %w", collectionName, err)
		}
		result.N += res.DeletedCount
	}
	r.metrics.ObserveWrite(collectionName, "remove")
	return result, nil
}

// Save upserts a document by _id at the location owning its shard key. A
// document without an _id is inserted.
func (r *Router) Save(ctx context.Context, collectionName string, doc bson.M) error {
	realm, err := r.meta.RealmForCollection(ctx, collectionName)
	if err != nil {
		return err
	}
	key, ok := models.ShardKeyFromValue(doc[realm.ShardField])
	if !ok {
		return errors.MissingShardField(realm.ShardField)
	}

	if err := r.WaitForPauseToEnd(ctx, collectionName, doc); err != nil {
		return err
	}

	coll, err := r.singleTargetForKey(ctx, collectionName, realm, key)
	if err != nil {
		return err
	}

	id, hasID := doc["_id"]
	if !hasID {
		if _, err := coll.InsertOne(ctx, doc); err != nil {
			return fmt.Errorf("save into %s failed: %w", collectionName, err)
		}
	} else {
		_, err = coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("save into %s failed: %w", collectionName, err)
		}
	}
	r.metrics.ObserveWrite(collectionName, "save")
	return nil
}

// Aggregate runs a pipeline against the single location owning the shard
// key bound in the pipeline's leading $match stage. Aggregations spanning
// clusters would need merging client-side, so they are rejected.
func (r *Router) Aggregate(ctx context.Context, collectionName string, pipeline []bson.M) (*mongo.Cursor, error) {
	realm, err := r.meta.RealmForCollection(ctx, collectionName)
	if err != nil {
		return nil, err
	}
	if len(pipeline) == 0 {
		return nil, errors.MissingShardField(realm.ShardField)
	}
	match, ok := pipeline[0]["$match"].(bson.M)
	if !ok {
		return nil, errors.MissingShardField(realm.ShardField)
	}
	key, ok := queryTarget(realm, match)
	if !ok {
		return nil, errors.MissingShardField(realm.ShardField)
	}

	coll, err := r.singleTargetForKey(ctx, collectionName, realm, key)
	if err != nil {
		return nil, err
	}
	r.metrics.ObserveQuery(collectionName, true)
	return coll.Aggregate(ctx, pipeline)
}

// FindAndModify updates a single document and decodes its pre-update image
// into result. The query must bind the shard field so exactly one shard is
// involved. Returns mongo.ErrNoDocuments when nothing matches.
func (r *Router) FindAndModify(ctx context.Context, collectionName string, query, update bson.M, result interface{}) error {
	if err := r.WaitForPauseToEnd(ctx, collectionName, query); err != nil {
		return err
	}
	realm, err := r.meta.RealmForCollection(ctx, collectionName)
	if err != nil {
		return err
	}
	key, ok := queryTarget(realm, query)
	if !ok {
		return errors.MissingShardField(realm.ShardField)
	}

	coll, err := r.singleTargetForKey(ctx, collectionName, realm, key)
	if err != nil {
		return err
	}
	res := coll.FindOneAndUpdate(ctx, query, update)
	if err := res.Err(); err != nil {
		return err
	}
	r.metrics.ObserveWrite(collectionName, "find_and_modify")
	if result == nil {
		return nil
	}
	return res.Decode(result)
}

// EnsureIndex applies an index to every location holding the collection
func (r *Router) EnsureIndex(ctx context.Context, collectionName string, model mongo.IndexModel) error {
	targets, _, err := r.targetsForQuery(ctx, collectionName, bson.M{})
	if err != nil {
		return err
	}
	for _, t := range targets {
		if _, err := t.coll.Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("ensure index on %s at %s failed: %w",
				collectionName, t.location, err)
		}
	}
	return nil
}
