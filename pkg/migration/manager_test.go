package migration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/conversocial/shardmonster/pkg/models"
)

func newTestManager(opts Options) *Manager {
	return NewManager(nil, nil, nil, zap.NewNop(),
		"dummy", models.IntKey(1), "cluster-2/db", opts)
}

func TestNewManager_Defaults(t *testing.T) {
	m := newTestManager(Options{})

	assert.Equal(t, 1000, m.insertBatchSize)
	assert.Equal(t, 1000, m.deleteBatchSize)
	assert.Equal(t, PhasePending, m.Status().Phase)
	assert.NotEmpty(t, m.callerID)
}

func TestManager_Status(t *testing.T) {
	m := newTestManager(Options{InsertBatchSize: 10, DeleteBatchSize: 20})
	m.inserted.Add(7)
	m.deleted.Add(3)
	m.phase.Store(PhaseDelete)

	s := m.Status()
	assert.Equal(t, "dummy", s.Collection)
	assert.Equal(t, "1", s.ShardKey)
	assert.Equal(t, "cluster-2/db", s.NewLocation)
	assert.Equal(t, PhaseDelete, s.Phase)
	assert.Equal(t, int64(7), s.Inserted)
	assert.Equal(t, int64(3), s.Deleted)
}

func TestManager_ThrottlesAreLiveTunable(t *testing.T) {
	m := newTestManager(Options{InsertThrottle: time.Second})

	assert.Equal(t, int64(time.Second), m.insertThrottle.Load())
	m.SetInsertThrottle(5 * time.Millisecond)
	assert.Equal(t, int64(5*time.Millisecond), m.insertThrottle.Load())

	m.SetDeleteThrottle(3 * time.Millisecond)
	assert.Equal(t, int64(3*time.Millisecond), m.deleteThrottle.Load())
}

func TestManager_IsFinished_NotStarted(t *testing.T) {
	m := newTestManager(Options{})

	finished, err := m.IsFinished()
	assert.False(t, finished)
	assert.NoError(t, err)
}

func TestManager_IsFinished_ReraisesWorkerError(t *testing.T) {
	m := newTestManager(Options{})
	m.runErr = assert.AnError
	close(m.done)

	finished, err := m.IsFinished()
	assert.True(t, finished)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)

	// The error must surface every time it is asked for
	_, err = m.IsFinished()
	assert.Error(t, err)
}

func TestUpsertModel_ByID(t *testing.T) {
	doc := bson.M{"_id": "doc-1", "account": int64(5), "v": "x"}

	model := upsertModel(doc, nil)
	update, ok := model.(*mongo.UpdateOneModel)
	require.True(t, ok)

	filter := update.Filter.(bson.M)
	assert.Equal(t, bson.M{"_id": "doc-1"}, filter)

	set := update.Update.(bson.M)["$set"].(bson.M)
	assert.NotContains(t, set, "_id")
	assert.Equal(t, int64(5), set["account"])
	assert.Equal(t, "x", set["v"])
	require.NotNil(t, update.Upsert)
	assert.True(t, *update.Upsert)
}

func TestUpsertModel_ByDeclaredShardKey(t *testing.T) {
	doc := bson.M{"_id": "doc-1", "account": int64(5), "region": "eu", "v": "x"}

	model := upsertModel(doc, []string{"account", "region"})
	update := model.(*mongo.UpdateOneModel)

	filter := update.Filter.(bson.M)
	assert.Equal(t, bson.M{"account": int64(5), "region": "eu"}, filter)
	assert.NotContains(t, update.Update.(bson.M)["$set"], "_id")
}

func TestWithID(t *testing.T) {
	query := withID(bson.M{"sh": int64(1)}, int32(99))
	assert.Equal(t, bson.M{"sh": int64(1), "_id": int32(99)}, query)

	// The selector must not be mutated
	selector := bson.M{"sh": int64(1)}
	_ = withID(selector, 1)
	assert.Len(t, selector, 1)
}
