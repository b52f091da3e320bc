// Package migration moves a shard's documents between clusters while the
// application keeps reading and writing. The protocol is copy, oplog sync,
// a brief write pause, final sync, then delete of the source copy.
package migration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conversocial/shardmonster/internal/errors"
	"github.com/conversocial/shardmonster/pkg/connection"
	"github.com/conversocial/shardmonster/pkg/metadata"
	"github.com/conversocial/shardmonster/pkg/models"
	"github.com/conversocial/shardmonster/pkg/monitoring"
)

// Phase is the coarse progress stage reported to operators
type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseCopy     Phase = "copy"
	PhaseSync     Phase = "sync"
	PhaseDelete   Phase = "delete"
	PhaseComplete Phase = "complete"
)

// Options tune a migration. Throttles are the sleep applied after each bulk
// batch and may be changed while the migration runs.
type Options struct {
	InsertThrottle  time.Duration
	DeleteThrottle  time.Duration
	InsertBatchSize int
	DeleteBatchSize int
}

// Status is a point-in-time snapshot of a migration's progress
type Status struct {
	Collection  string `json:"collection"`
	ShardKey    string `json:"shard_key"`
	NewLocation string `json:"new_location"`
	Phase       Phase  `json:"phase"`
	Inserted    int64  `json:"inserted"`
	Deleted     int64  `json:"deleted"`
}

// Manager drives one shard migration in a background goroutine and exposes
// its progress, throttles and any failure.
type Manager struct {
	meta    *metadata.Store
	conn    *connection.Manager
	metrics *monitoring.Metrics
	logger  *zap.Logger

	collectionName string
	shardKey       models.ShardKey
	newLocation    string

	insertBatchSize int
	deleteBatchSize int
	insertThrottle  atomic.Int64
	deleteThrottle  atomic.Int64

	inserted atomic.Int64
	deleted  atomic.Int64
	phase    atomic.Value

	// callerID scopes the worker's pooled connections so they can be closed
	// on exit without touching the router's
	callerID string

	mu      sync.Mutex
	started bool
	runErr  error
	done    chan struct{}
}

// NewManager prepares a migration of the documents with the given shard key
// to newLocation. Nothing runs until Start.
func NewManager(
	meta *metadata.Store,
	conn *connection.Manager,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
	collectionName string,
	shardKey models.ShardKey,
	newLocation string,
	opts Options,
) *Manager {
	if opts.InsertBatchSize <= 0 {
		opts.InsertBatchSize = 1000
	}
	if opts.DeleteBatchSize <= 0 {
		opts.DeleteBatchSize = 1000
	}

	m := &Manager{
		meta:            meta,
		conn:            conn,
		metrics:         metrics,
		logger:          logger,
		collectionName:  collectionName,
		shardKey:        shardKey,
		newLocation:     newLocation,
		insertBatchSize: opts.InsertBatchSize,
		deleteBatchSize: opts.DeleteBatchSize,
		callerID:        "migration-" + uuid.NewString(),
		done:            make(chan struct{}),
	}
	m.insertThrottle.Store(int64(opts.InsertThrottle))
	m.deleteThrottle.Store(int64(opts.DeleteThrottle))
	m.phase.Store(PhasePending)
	return m
}

// Start runs pre-flight checks and launches the migration worker. Only one
// shard may migrate at a time across all realms.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("migration already started")
	}
	m.started = true
	m.mu.Unlock()

	happening, err := m.meta.AreMigrationsHappening(ctx)
	if err != nil {
		return err
	}
	if happening {
		return errors.ConcurrentMigration()
	}

	realm, err := m.meta.RealmForCollection(ctx, m.collectionName)
	if err != nil {
		return err
	}
	existing, err := m.meta.LocationForShard(ctx, realm, m.shardKey)
	if err != nil {
		return err
	}
	if existing.Location == m.newLocation {
		return errors.AlreadyThere(m.newLocation)
	}

	go func() {
		err := m.run(ctx, realm)
		if err != nil {
			m.logger.Error("migration failed",
				zap.String("collection", m.collectionName),
				zap.String("shard_key", m.shardKey.String()),
				zap.Error(err))
		}
		m.mu.Lock()
		m.runErr = err
		m.mu.Unlock()
		close(m.done)
	}()
	return nil
}

// IsFinished reports whether the worker has exited. A worker failure is
// returned here, every time it is asked for.
func (m *Manager) IsFinished() (bool, error) {
	select {
	case <-m.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.runErr != nil {
			return true, fmt.Errorf("migration failed: %w", m.runErr)
		}
		return true, nil
	default:
		return false, nil
	}
}

// BlockUntilFinished waits for the worker to exit, logging progress every
// statusInterval
func (m *Manager) BlockUntilFinished(ctx context.Context, statusInterval time.Duration) error {
	if statusInterval <= 0 {
		statusInterval = 60 * time.Second
	}
	status := time.NewTicker(statusInterval)
	defer status.Stop()

	for {
		select {
		case <-m.done:
			_, err := m.IsFinished()
			return err
		case <-status.C:
			m.PrintStatus()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetInsertThrottle changes the pause applied after each copy batch. Takes
// effect on the next batch boundary.
func (m *Manager) SetInsertThrottle(d time.Duration) {
	m.logger.Info("changing insert throttle",
		zap.Duration("from", time.Duration(m.insertThrottle.Load())),
		zap.Duration("to", d))
	m.insertThrottle.Store(int64(d))
}

// SetDeleteThrottle changes the pause applied after each delete batch
func (m *Manager) SetDeleteThrottle(d time.Duration) {
	m.logger.Info("changing delete throttle",
		zap.Duration("from", time.Duration(m.deleteThrottle.Load())),
		zap.Duration("to", d))
	m.deleteThrottle.Store(int64(d))
}

// Status returns a snapshot of the migration's progress
func (m *Manager) Status() Status {
	return Status{
		Collection:  m.collectionName,
		ShardKey:    m.shardKey.String(),
		NewLocation: m.newLocation,
		Phase:       m.phase.Load().(Phase),
		Inserted:    m.inserted.Load(),
		Deleted:     m.deleted.Load(),
	}
}

// PrintStatus logs a human-oriented progress line
func (m *Manager) PrintStatus() {
	s := m.Status()
	switch s.Phase {
	case PhasePending:
		m.logger.Info("migration not started")
	case PhaseCopy:
		m.logger.Info("copying source data", zap.Int64("documents_copied", s.Inserted))
	case PhaseSync:
		m.logger.Info("syncing oplog")
	case PhaseDelete:
		m.logger.Info("deleting source data", zap.Int64("documents_deleted", s.Deleted))
	case PhaseComplete:
		m.logger.Info("migration complete")
	}
}

func (m *Manager) setPhase(p Phase) {
	m.phase.Store(p)
	m.metrics.SetMigrationPhase(m.collectionName, string(p))
}

// throttle sleeps for the given throttle's current value, if any
func (m *Manager) throttle(t *atomic.Int64) {
	if d := time.Duration(t.Load()); d > 0 {
		time.Sleep(d)
	}
}
