// Package connection manages the controller database handle, the cluster
// registry and cached connections to the physical clusters.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/conversocial/shardmonster/internal/errors"
	"github.com/conversocial/shardmonster/pkg/models"
)

// ClusterURICacheTTL is how long cluster URI lookups are cached
const ClusterURICacheTTL = 10 * time.Minute

type poolKey struct {
	caller  string
	cluster string
}

type uriEntry struct {
	uri    string
	expiry time.Time
}

// Manager owns the connection to the controller database and a cache of
// connections to the physical clusters, keyed by (caller, cluster). Callers
// are explicit identities (request-scoped in servers, migration-scoped in
// the worker); each caller closes its own connections on exit.
type Manager struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger

	mu       sync.RWMutex
	uriCache map[string]uriEntry
	pool     map[poolKey]*mongo.Client
	hidden   map[string]*mongo.Client
}

// Connect dials the controller database and returns a manager around it
func Connect(ctx context.Context, uri, dbName string, logger *zap.Logger) (*Manager, error) {
	client, err := dial(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to controller: %w", err)
	}
	return NewManager(client, dbName, logger), nil
}

// NewManager wraps an existing controller client
func NewManager(client *mongo.Client, dbName string, logger *zap.Logger) *Manager {
	return &Manager{
		client:   client,
		db:       client.Database(dbName),
		logger:   logger,
		uriCache: make(map[string]uriEntry),
		pool:     make(map[poolKey]*mongo.Client),
		hidden:   make(map[string]*mongo.Client),
	}
}

func dial(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ControllerDB returns the database holding the sharding metadata
func (m *Manager) ControllerDB() *mongo.Database {
	return m.db
}

// ControllerClient returns the underlying controller client
func (m *Manager) ControllerClient() *mongo.Client {
	return m.client
}

func (m *Manager) clusters() *mongo.Collection {
	return m.db.Collection(models.ClustersCollection)
}

// AddCluster adds a cluster with a specific name to the clusters the system
// is aware of. Fails on a duplicate name.
func (m *Manager) AddCluster(ctx context.Context, name, uri string) error {
	_, err := m.clusters().InsertOne(ctx, models.Cluster{Name: name, URI: uri})
	if err != nil {
		return fmt.Errorf("failed to add cluster %s: %w", name, err)
	}
	return nil
}

// EnsureClusterExists ensures that a cluster with the given name exists. If
// it doesn't, a new cluster definition is created from name and uri. If it
// does, no changes are made; a URI mismatch is logged and the stored URI
// kept.
func (m *Manager) EnsureClusterExists(ctx context.Context, name, uri string) error {
	var existing models.Cluster
	err := m.clusters().FindOne(ctx, bson.M{"name": name}).Decode(&existing)
	if err == mongo.ErrNoDocuments {
		return m.AddCluster(ctx, name, uri)
	}
	if err != nil {
		return fmt.Errorf("failed to look up cluster %s: %w", name, err)
	}
	if existing.URI != uri {
		m.logger.Warn(
			"cluster in database does not match cluster being configured, "+
				"this is normally OK if clusters are being moved about",
			zap.String("cluster", name))
	}
	return nil
}

// GetClusterURI gets the URI of the cluster with the given name. Lookups
// are cached for ClusterURICacheTTL.
func (m *Manager) GetClusterURI(ctx context.Context, name string) (string, error) {
	now := time.Now()

	m.mu.RLock()
	entry, ok := m.uriCache[name]
	m.mu.RUnlock()
	if ok && now.Before(entry.expiry) {
		return entry.uri, nil
	}

	var cluster models.Cluster
	err := m.clusters().FindOne(ctx, bson.M{"name": name}).Decode(&cluster)
	if err == mongo.ErrNoDocuments {
		return "", errors.UnknownCluster(name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up cluster %s: %w", name, err)
	}

	m.mu.Lock()
	m.uriCache[name] = uriEntry{uri: cluster.URI, expiry: now.Add(ClusterURICacheTTL)}
	m.mu.Unlock()
	return cluster.URI, nil
}

// FlushURICache drops all cached cluster URI lookups
func (m *Manager) FlushURICache() {
	m.mu.Lock()
	m.uriCache = make(map[string]uriEntry)
	m.mu.Unlock()
}

// GetConnection returns the caller's cached client for the named cluster,
// dialling it on first access. Connections are never evicted by TTL; they
// live until CloseCaller.
func (m *Manager) GetConnection(ctx context.Context, callerID, clusterName string) (*mongo.Client, error) {
	key := poolKey{caller: callerID, cluster: clusterName}

	m.mu.RLock()
	client, ok := m.pool[key]
	m.mu.RUnlock()
	if ok {
		return client, nil
	}

	uri, err := m.GetClusterURI(ctx, clusterName)
	if err != nil {
		return nil, err
	}
	client, err = dial(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cluster %s: %w", clusterName, err)
	}

	m.mu.Lock()
	if cached, ok := m.pool[key]; ok {
		// Another goroutine won the dial race
		m.mu.Unlock()
		_ = client.Disconnect(ctx)
		return cached, nil
	}
	m.pool[key] = client
	m.mu.Unlock()
	return client, nil
}

// CollectionAt resolves a location string to a collection handle using the
// caller's pooled connection
func (m *Manager) CollectionAt(ctx context.Context, callerID, location, collectionName string) (*mongo.Collection, error) {
	clusterName, databaseName, err := models.ParseLocation(location)
	if err != nil {
		return nil, err
	}
	client, err := m.GetConnection(ctx, callerID, clusterName)
	if err != nil {
		return nil, err
	}
	return client.Database(databaseName).Collection(collectionName), nil
}

// CloseCaller closes and evicts every connection opened by the given caller
func (m *Manager) CloseCaller(ctx context.Context, callerID string) {
	m.mu.Lock()
	var closing []*mongo.Client
	for key, client := range m.pool {
		if key.caller == callerID {
			closing = append(closing, client)
			delete(m.pool, key)
		}
	}
	m.mu.Unlock()

	for _, client := range closing {
		if err := client.Disconnect(ctx); err != nil {
			m.logger.Warn("failed to close cluster connection",
				zap.String("caller", callerID), zap.Error(err))
		}
	}
}

// Close shuts down every pooled connection and the controller client
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	clients := make([]*mongo.Client, 0, len(m.pool)+len(m.hidden))
	for _, client := range m.pool {
		clients = append(clients, client)
	}
	for _, client := range m.hidden {
		clients = append(clients, client)
	}
	m.pool = make(map[poolKey]*mongo.Client)
	m.hidden = make(map[string]*mongo.Client)
	m.mu.Unlock()

	for _, client := range clients {
		if err := client.Disconnect(ctx); err != nil {
			m.logger.Warn("failed to close cluster connection", zap.Error(err))
		}
	}
	return m.client.Disconnect(ctx)
}
