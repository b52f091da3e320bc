// Package metadata owns the controller records that map shards to physical
// locations, the caching layers over them, and the location resolver used
// by the router.
package metadata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/conversocial/shardmonster/internal/errors"
	"github.com/conversocial/shardmonster/pkg/connection"
	"github.com/conversocial/shardmonster/pkg/models"
)

type realmEntry struct {
	realm  models.Realm
	expiry time.Time
}

// Store is the metadata service: realm lookups, per-realm shard metadata
// stores and all metadata mutation. It is safe for concurrent use.
type Store struct {
	conn   *connection.Manager
	logger *zap.Logger

	mu              sync.Mutex
	cachingDuration time.Duration
	realmByName     map[string]realmEntry
	realmByColl     map[string]realmEntry
	stores          map[string]*ShardMetadataStore
}

// NewStore creates a metadata store. cachingDuration bounds how stale
// routing metadata may be; 0 disables caching entirely.
func NewStore(conn *connection.Manager, cachingDuration time.Duration, logger *zap.Logger) *Store {
	return &Store{
		conn:            conn,
		logger:          logger,
		cachingDuration: cachingDuration,
		realmByName:     make(map[string]realmEntry),
		realmByColl:     make(map[string]realmEntry),
		stores:          make(map[string]*ShardMetadataStore),
	}
}

// CachingDuration returns the current metadata cache TTL
func (s *Store) CachingDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachingDuration
}

// SetCachingDuration changes the metadata cache TTL. Every cache is cleared:
// entries written under a different timeout would break the pause discipline
// during migrations.
func (s *Store) SetCachingDuration(d time.Duration) {
	s.mu.Lock()
	s.cachingDuration = d
	s.realmByName = make(map[string]realmEntry)
	s.realmByColl = make(map[string]realmEntry)
	s.stores = make(map[string]*ShardMetadataStore)
	s.mu.Unlock()
}

// ClearCaches drops every in-memory cache without touching the TTL
func (s *Store) ClearCaches() {
	s.mu.Lock()
	s.realmByName = make(map[string]realmEntry)
	s.realmByColl = make(map[string]realmEntry)
	s.stores = make(map[string]*ShardMetadataStore)
	s.mu.Unlock()
	s.conn.FlushURICache()
}

// RealmChanged invalidates the named realm's shard metadata store. Call it
// after mutating the realm's shard records outside the usual operations.
func (s *Store) RealmChanged(realmName string) {
	s.mu.Lock()
	store, ok := s.stores[realmName]
	delete(s.realmByName, realmName)
	s.mu.Unlock()
	if ok {
		store.MetadataChanged()
	}
}

func (s *Store) realms() *mongo.Collection {
	return s.conn.ControllerDB().Collection(models.RealmsCollection)
}

func (s *Store) shards() *mongo.Collection {
	return s.conn.ControllerDB().Collection(models.ShardsCollection)
}

// RealmByName looks up a realm by name, cached for the caching duration
func (s *Store) RealmByName(ctx context.Context, name string) (models.Realm, error) {
	now := time.Now()
	s.mu.Lock()
	entry, ok := s.realmByName[name]
	ttl := s.cachingDuration
	s.mu.Unlock()
	if ok && now.Before(entry.expiry) {
		return entry.realm, nil
	}

	var realm models.Realm
	err := s.realms().FindOne(ctx, bson.M{"name": name}).Decode(&realm)
	if err == mongo.ErrNoDocuments {
		return models.Realm{}, fmt.Errorf("realm named %s does not exist", name)
	}
	if err != nil {
		return models.Realm{}, fmt.Errorf("failed to look up realm %s: %w", name, err)
	}
	if realm.ShardType == "" {
		realm.ShardType = models.ShardTypeSingleValue
	}

	s.mu.Lock()
	s.realmByName[name] = realmEntry{realm: realm, expiry: now.Add(ttl)}
	s.mu.Unlock()
	return realm, nil
}

// RealmForCollection looks up the realm governing a collection, cached for
// the caching duration
func (s *Store) RealmForCollection(ctx context.Context, collectionName string) (models.Realm, error) {
	now := time.Now()
	s.mu.Lock()
	entry, ok := s.realmByColl[collectionName]
	ttl := s.cachingDuration
	s.mu.Unlock()
	if ok && now.Before(entry.expiry) {
		return entry.realm, nil
	}

	var realm models.Realm
	err := s.realms().FindOne(ctx, bson.M{"collection": collectionName}).Decode(&realm)
	if err == mongo.ErrNoDocuments {
		return models.Realm{}, fmt.Errorf("realm for collection %s does not exist", collectionName)
	}
	if err != nil {
		return models.Realm{}, fmt.Errorf("failed to look up realm for collection %s: %w", collectionName, err)
	}
	if realm.ShardType == "" {
		realm.ShardType = models.ShardTypeSingleValue
	}

	s.mu.Lock()
	s.realmByColl[collectionName] = realmEntry{realm: realm, expiry: now.Add(ttl)}
	s.mu.Unlock()
	return realm, nil
}

// ShardStore returns the per-realm shard metadata store, creating it on
// first use
func (s *Store) ShardStore(realmName string) *ShardMetadataStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[realmName]
	if !ok {
		store = &ShardMetadataStore{
			realmName: realmName,
			parent:    s,
			cache:     make(map[models.ShardKey]shardEntry),
		}
		s.stores[realmName] = store
	}
	return store
}

type shardEntry struct {
	record models.ShardRecord
	expiry time.Time
}

// ShardMetadataStore caches all the shard metadata for a particular realm.
//
// Generic shard information is cached for as long as possible. If a single
// shard is being moved its entry is expired immediately and refreshed on
// every lookup, so routing decisions track the migration.
type ShardMetadataStore struct {
	realmName string
	parent    *Store

	mu           sync.Mutex
	cache        map[models.ShardKey]shardEntry
	globalExpiry time.Time
	inFlux       *models.ShardKey
}

// MetadataChanged flushes the cache. Call when the realm's shard records
// have been mutated.
func (s *ShardMetadataStore) MetadataChanged() {
	s.mu.Lock()
	s.cache = make(map[models.ShardKey]shardEntry)
	s.globalExpiry = time.Time{}
	s.mu.Unlock()
}

// GetSingleShardMetadata returns the record for one shard key, synthesizing
// a virtual at-rest record at the realm's default destination when no record
// exists
func (s *ShardMetadataStore) GetSingleShardMetadata(ctx context.Context, key models.ShardKey) (models.ShardRecord, error) {
	now := time.Now()

	s.mu.Lock()
	entry, ok := s.cache[key]
	valid := ok && now.Before(entry.expiry) && (s.inFlux == nil || *s.inFlux != key)
	s.mu.Unlock()
	if valid {
		return entry.record, nil
	}

	return s.refreshSingle(ctx, key)
}

// GetAllShardMetadata returns every shard record for the realm, refreshing
// the whole cache when the global expiry has elapsed. When a shard is in
// flux only that shard's record is re-read.
func (s *ShardMetadataStore) GetAllShardMetadata(ctx context.Context) (map[models.ShardKey]models.ShardRecord, error) {
	now := time.Now()

	s.mu.Lock()
	expired := !now.Before(s.globalExpiry)
	inFlux := s.inFlux
	s.mu.Unlock()

	if expired {
		if err := s.refreshAll(ctx); err != nil {
			return nil, err
		}
	} else if inFlux != nil {
		if _, err := s.refreshSingle(ctx, *inFlux); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.ShardKey]models.ShardRecord, len(s.cache))
	for key, entry := range s.cache {
		out[key] = entry.record
	}
	return out, nil
}

func (s *ShardMetadataStore) refreshSingle(ctx context.Context, key models.ShardKey) (models.ShardRecord, error) {
	ttl := s.parent.CachingDuration()
	genericExpiry := time.Now().Add(ttl)

	var record models.ShardRecord
	err := s.parent.shards().FindOne(ctx,
		bson.M{"realm": s.realmName, "shard_key": key.Value()}).Decode(&record)
	if err == mongo.ErrNoDocuments {
		realm, rerr := s.parent.RealmByName(ctx, s.realmName)
		if rerr != nil {
			return models.ShardRecord{}, rerr
		}
		record = models.ShardRecord{
			Realm:    s.realmName,
			ShardKey: key.Value(),
			Location: realm.DefaultDest,
			Status:   models.AtRest,
		}
		s.mu.Lock()
		s.cache[key] = shardEntry{record: record, expiry: genericExpiry}
		s.mu.Unlock()
		return record, nil
	}
	if err != nil {
		return models.ShardRecord{}, fmt.Errorf("failed to look up shard %v in realm %s: %w",
			key, s.realmName, err)
	}

	expiry := genericExpiry
	s.mu.Lock()
	if models.ShortCachePhases[record.Status] {
		keyCopy := key
		s.inFlux = &keyCopy
		expiry = time.Time{}
	}
	s.cache[key] = shardEntry{record: record, expiry: expiry}
	s.mu.Unlock()
	return record, nil
}

func (s *ShardMetadataStore) refreshAll(ctx context.Context) error {
	ttl := s.parent.CachingDuration()
	globalExpiry := time.Now().Add(ttl)

	cursor, err := s.parent.shards().Find(ctx, bson.M{"realm": s.realmName})
	if err != nil {
		return fmt.Errorf("failed to scan shards for realm %s: %w", s.realmName, err)
	}
	defer cursor.Close(ctx)

	cache := make(map[models.ShardKey]shardEntry)
	var inFlux *models.ShardKey
	for cursor.Next(ctx) {
		var record models.ShardRecord
		if err := cursor.Decode(&record); err != nil {
			return fmt.Errorf("failed to decode shard record: %w", err)
		}
		key, ok := record.Key()
		if !ok {
			s.parent.logger.Warn("shard record with unusable key skipped",
				zap.String("realm", s.realmName), zap.Any("shard_key", record.ShardKey))
			continue
		}

		expiry := globalExpiry
		if models.ShortCachePhases[record.Status] {
			if inFlux != nil {
				return errors.ConcurrentMigration()
			}
			keyCopy := key
			inFlux = &keyCopy
			expiry = time.Time{}
		}
		cache[key] = shardEntry{record: record, expiry: expiry}
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("failed to scan shards for realm %s: %w", s.realmName, err)
	}

	s.mu.Lock()
	s.cache = cache
	s.globalExpiry = globalExpiry
	s.inFlux = inFlux
	s.mu.Unlock()
	return nil
}
