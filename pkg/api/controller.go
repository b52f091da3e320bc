// Package api is the public surface of shardmonster: a Controller value
// constructed against the controller database, exposing cluster and realm
// management, shard placement, routing and migrations.
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/conversocial/shardmonster/pkg/config"
	"github.com/conversocial/shardmonster/pkg/connection"
	"github.com/conversocial/shardmonster/pkg/metadata"
	"github.com/conversocial/shardmonster/pkg/migration"
	"github.com/conversocial/shardmonster/pkg/models"
	"github.com/conversocial/shardmonster/pkg/monitoring"
	"github.com/conversocial/shardmonster/pkg/router"
)

// Option customizes a Controller at construction
type Option func(*Controller)

// WithPostConnectCallback registers a callback invoked with the controller
// client once the connection is established
func WithPostConnectCallback(fn func(client *mongo.Client)) Option {
	return func(c *Controller) {
		c.postConnect = append(c.postConnect, fn)
	}
}

// Controller is the explicit root of a shardmonster deployment. All state
// (connections, caches, callbacks, the active migration) hangs off it;
// tests construct fresh controllers instead of resetting globals.
type Controller struct {
	cfg     *config.Config
	logger  *zap.Logger
	conn    *connection.Manager
	meta    *metadata.Store
	router  *router.Router
	metrics *monitoring.Metrics

	postConnect []func(client *mongo.Client)

	mu     sync.Mutex
	active *migration.Manager
}

// Dial connects to the controller database and builds a Controller
func Dial(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Controller, error) {
	conn, err := connection.Connect(ctx, cfg.Controller.URI, cfg.Controller.Database, logger)
	if err != nil {
		return nil, err
	}
	return newController(conn, cfg, logger, opts...), nil
}

// NewController builds a Controller around an existing controller client
func NewController(client *mongo.Client, cfg *config.Config, logger *zap.Logger, opts ...Option) *Controller {
	conn := connection.NewManager(client, cfg.Controller.Database, logger)
	return newController(conn, cfg, logger, opts...)
}

func newController(conn *connection.Manager, cfg *config.Config, logger *zap.Logger, opts ...Option) *Controller {
	metrics := monitoring.New()
	meta := metadata.NewStore(conn, cfg.Caching.Duration, logger)

	c := &Controller{
		cfg:     cfg,
		logger:  logger,
		conn:    conn,
		meta:    meta,
		router:  router.New(meta, conn, metrics, logger),
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, fn := range c.postConnect {
		fn(conn.ControllerClient())
	}
	return c
}

// Close shuts down every connection the controller owns
func (c *Controller) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// Metrics returns the controller's Prometheus collector
func (c *Controller) Metrics() *monitoring.Metrics {
	return c.metrics
}

// EnsureIndexes creates the controller database indexes. Run once at
// deployment time.
func (c *Controller) EnsureIndexes(ctx context.Context) error {
	return c.meta.EnsureIndexes(ctx)
}

// EnsureClusterExists idempotently registers a cluster
func (c *Controller) EnsureClusterExists(ctx context.Context, name, uri string) error {
	return c.conn.EnsureClusterExists(ctx, name, uri)
}

// AddCluster registers a cluster, failing on a duplicate name
func (c *Controller) AddCluster(ctx context.Context, name, uri string) error {
	return c.conn.AddCluster(ctx, name, uri)
}

// ConfigureHiddenSecondary records a cluster's out-of-rotation replica host
func (c *Controller) ConfigureHiddenSecondary(ctx context.Context, clusterName, host string) error {
	return c.conn.ConfigureHiddenSecondary(ctx, clusterName, host)
}

// EnsureRealmExists ensures that a realm of the given name exists and
// matches the expected settings
func (c *Controller) EnsureRealmExists(ctx context.Context, name, shardField, collectionName, defaultDest string) error {
	return c.meta.EnsureRealmExists(ctx, name, shardField, collectionName, defaultDest)
}

func shardKey(key interface{}) (models.ShardKey, error) {
	k, ok := models.ShardKeyFromValue(key)
	if !ok {
		return models.ShardKey{}, fmt.Errorf("unsupported shard key type %T", key)
	}
	return k, nil
}

// SetShardAtRest marks a shard as being at rest in the given location, in
// preparation for migration. Fails if the shard is already placed, unless
// force is set.
func (c *Controller) SetShardAtRest(ctx context.Context, realmName string, key interface{}, location string, force bool) error {
	k, err := shardKey(key)
	if err != nil {
		return err
	}
	return c.meta.SetShardAtRest(ctx, realmName, k, location, force)
}

// StartMigration marks a shard as migrating to a new location. This is the
// raw metadata transition; DoMigration drives the whole protocol.
func (c *Controller) StartMigration(ctx context.Context, realmName string, key interface{}, newLocation string) error {
	k, err := shardKey(key)
	if err != nil {
		return err
	}
	return c.meta.StartMigration(ctx, realmName, k, newLocation)
}

// SetShardToMigrationStatus marks a shard as being at a specific migration
// status. The migration engine owns these transitions during a normal
// migration; this is exposed for operational repair and tests.
func (c *Controller) SetShardToMigrationStatus(ctx context.Context, realmName string, key interface{}, status models.ShardStatus) error {
	k, err := shardKey(key)
	if err != nil {
		return err
	}
	return c.meta.SetShardToMigrationStatus(ctx, realmName, k, status)
}

// WhereIs returns the cluster/database location currently authoritative
// for a shard of the collection
func (c *Controller) WhereIs(ctx context.Context, collectionName string, key interface{}) (string, error) {
	k, err := shardKey(key)
	if err != nil {
		return "", err
	}
	realm, err := c.meta.RealmForCollection(ctx, collectionName)
	if err != nil {
		return "", err
	}
	loc, err := c.meta.LocationForShard(ctx, realm, k)
	if err != nil {
		return "", err
	}
	return loc.Location, nil
}

// Collection returns a shard-aware proxy for the named collection
func (c *Controller) Collection(name string) *Collection {
	return &Collection{name: name, router: c.router}
}

// DoMigration migrates the shard with the given key to newLocation,
// returning the running manager. Only one migration may run at a time.
func (c *Controller) DoMigration(ctx context.Context, collectionName string, key interface{}, newLocation string, opts migration.Options) (*migration.Manager, error) {
	k, err := shardKey(key)
	if err != nil {
		return nil, err
	}
	if opts.InsertBatchSize == 0 {
		opts.InsertBatchSize = c.cfg.Migration.InsertBatchSize
	}
	if opts.DeleteBatchSize == 0 {
		opts.DeleteBatchSize = c.cfg.Migration.DeleteBatchSize
	}

	manager := migration.NewManager(
		c.meta, c.conn, c.metrics, c.logger,
		collectionName, k, newLocation, opts)
	if err := manager.Start(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.active = manager
	c.mu.Unlock()
	return manager, nil
}

// ActiveMigrationStatus returns the status of the most recent migration, or
// nil if none has been started
func (c *Controller) ActiveMigrationStatus() *migration.Status {
	c.mu.Lock()
	manager := c.active
	c.mu.Unlock()
	if manager == nil {
		return nil
	}
	status := manager.Status()
	return &status
}

// FixFailedPreDelete recovers a migration that failed before its delete
// phase, resetting the shard to rest at its original location
func (c *Controller) FixFailedPreDelete(ctx context.Context, collectionName string, key interface{}) error {
	k, err := shardKey(key)
	if err != nil {
		return err
	}
	return migration.FixFailedPreDelete(ctx, c.meta, c.conn, c.logger, collectionName, k)
}

// FixFailedDuringDelete recovers a migration that failed while draining the
// source, finishing the drain and resting the shard at its new location
func (c *Controller) FixFailedDuringDelete(ctx context.Context, collectionName string, key interface{}) error {
	k, err := shardKey(key)
	if err != nil {
		return err
	}
	return migration.FixFailedDuringDelete(ctx, c.meta, c.conn, c.logger, collectionName, k)
}

// SetCachingDuration changes how long routing metadata may be cached. All
// caches are cleared. During a migration the sync phase keeps running for at
// least this duration before writes are paused, so that every router has
// re-read the shard's metadata and observes the pause.
func (c *Controller) SetCachingDuration(d time.Duration) {
	c.meta.SetCachingDuration(d)
}

// CachingDuration returns the current metadata cache TTL
func (c *Controller) CachingDuration() time.Duration {
	return c.meta.CachingDuration()
}

// SetUntargetedQueryCallback registers a function invoked whenever a read
// fans out across all locations, so applications can find and fix
// untargeted queries. The return value is ignored.
func (c *Controller) SetUntargetedQueryCallback(fn router.UntargetedQueryCallback) {
	c.router.SetUntargetedQueryCallback(fn)
}

// RealmChanged invalidates cached metadata for a realm
func (c *Controller) RealmChanged(realmName string) {
	c.meta.RealmChanged(realmName)
}

// WipeMetadata removes all metadata records and drops every cache. Testing
// only; there is no undo.
func (c *Controller) WipeMetadata(ctx context.Context) error {
	return c.meta.WipeMetadata(ctx)
}
