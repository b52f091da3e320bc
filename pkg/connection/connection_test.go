package connection

// Registry and pool tests against a real MongoDB. Set
// SHARDMONSTER_TEST_URI to run them; without it every test here skips.

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/conversocial/shardmonster/internal/errors"
)

func newTestManager(t *testing.T) (context.Context, *Manager) {
	t.Helper()
	uri := os.Getenv("SHARDMONSTER_TEST_URI")
	if uri == "" {
		t.Skip("SHARDMONSTER_TEST_URI not set")
	}

	ctx := context.Background()
	m, err := Connect(ctx, uri, "sm_test_conn_meta", zap.NewNop())
	require.NoError(t, err)

	_, err = m.clusters().DeleteMany(ctx, bson.M{})
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = m.clusters().DeleteMany(ctx, bson.M{})
		_ = m.Close(ctx)
	})
	return ctx, m
}

func TestGetClusterURI_Unknown(t *testing.T) {
	ctx, m := newTestManager(t)

	_, err := m.GetClusterURI(ctx, "never-registered")
	assert.True(t, errors.Is(err, errors.KindUnknownCluster), "got %v", err)
}

func TestGetClusterURI_Cached(t *testing.T) {
	ctx, m := newTestManager(t)
	uri := os.Getenv("SHARDMONSTER_TEST_URI")

	require.NoError(t, m.AddCluster(ctx, "cluster-1", uri))

	got, err := m.GetClusterURI(ctx, "cluster-1")
	require.NoError(t, err)
	assert.Equal(t, uri, got)

	// Change the stored URI behind the cache's back; the cached value must
	// keep being served for the TTL
	_, err = m.clusters().UpdateOne(ctx,
		bson.M{"name": "cluster-1"},
		bson.M{"$set": bson.M{"uri": "mongodb://elsewhere:27017"}})
	require.NoError(t, err)

	got, err = m.GetClusterURI(ctx, "cluster-1")
	require.NoError(t, err)
	assert.Equal(t, uri, got, "expected a cache hit")

	m.FlushURICache()
	got, err = m.GetClusterURI(ctx, "cluster-1")
	require.NoError(t, err)
	assert.Equal(t, "mongodb://elsewhere:27017", got)
}

func TestAddCluster_DuplicateName(t *testing.T) {
	ctx, m := newTestManager(t)
	uri := os.Getenv("SHARDMONSTER_TEST_URI")

	// The unique index is what rejects duplicates
	_, err := m.clusters().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	require.NoError(t, err)

	require.NoError(t, m.AddCluster(ctx, "cluster-1", uri))
	assert.Error(t, m.AddCluster(ctx, "cluster-1", uri))
}

func TestGetConnection_PerCallerPool(t *testing.T) {
	ctx, m := newTestManager(t)
	uri := os.Getenv("SHARDMONSTER_TEST_URI")
	require.NoError(t, m.AddCluster(ctx, "cluster-1", uri))

	a1, err := m.GetConnection(ctx, "caller-a", "cluster-1")
	require.NoError(t, err)
	a2, err := m.GetConnection(ctx, "caller-a", "cluster-1")
	require.NoError(t, err)
	b, err := m.GetConnection(ctx, "caller-b", "cluster-1")
	require.NoError(t, err)

	assert.Same(t, a1, a2, "same caller must reuse its connection")
	assert.NotSame(t, a1, b, "different callers get their own connections")

	// Closing one caller must not touch the other's connection
	m.CloseCaller(ctx, "caller-a")
	require.NoError(t, b.Ping(ctx, nil))

	a3, err := m.GetConnection(ctx, "caller-a", "cluster-1")
	require.NoError(t, err)
	assert.NotSame(t, a1, a3, "a closed caller redials on next access")
}

func TestHiddenSecondaryHost_Unconfigured(t *testing.T) {
	ctx, m := newTestManager(t)
	uri := os.Getenv("SHARDMONSTER_TEST_URI")
	require.NoError(t, m.AddCluster(ctx, "cluster-1", uri))

	host, err := m.HiddenSecondaryHost(ctx, "cluster-1")
	require.NoError(t, err)
	assert.Empty(t, host)

	require.NoError(t, m.ConfigureHiddenSecondary(ctx, "cluster-1", "db-hidden:27017"))
	host, err = m.HiddenSecondaryHost(ctx, "cluster-1")
	require.NoError(t, err)
	assert.Equal(t, "db-hidden:27017", host)

	// A host absent from the replica set config must be rejected
	_, err = m.HiddenSecondaryConnection(ctx, "caller-a", "cluster-1")
	assert.True(t, errors.Is(err, errors.KindHiddenSecondary), "got %v", err)
}
