package router

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/conversocial/shardmonster/pkg/models"
)

// pauseRetryInterval is how often a paused write re-checks shard status.
// The pause itself lasts on the order of 100ms, so a short busy-wait is
// cheaper than any notification machinery.
const pauseRetryInterval = 50 * time.Millisecond

// ShouldPauseWrite reports whether a write described by query must wait:
// either the targeted shard key is paused at its destination, or the query
// is untargeted and any shard of the realm is.
func (r *Router) ShouldPauseWrite(ctx context.Context, collectionName string, query bson.M) (bool, error) {
	realm, err := r.meta.RealmForCollection(ctx, collectionName)
	if err != nil {
		return false, err
	}

	if key, targeted := queryTarget(realm, query); targeted {
		record, err := r.meta.ShardStore(realm.Name).GetSingleShardMetadata(ctx, key)
		if err != nil {
			return false, err
		}
		return record.Status == models.PostMigrationPausedAtDestination, nil
	}

	return r.meta.AnyShardPausedAtDestination(ctx, realm.Name)
}

// WaitForPauseToEnd blocks until no pause applies to the write. Respects
// context cancellation.
func (r *Router) WaitForPauseToEnd(ctx context.Context, collectionName string, query bson.M) error {
	waited := false
	for {
		pause, err := r.ShouldPauseWrite(ctx, collectionName, query)
		if err != nil {
			return err
		}
		if !pause {
			return nil
		}
		if !waited {
			waited = true
			r.metrics.ObservePauseWait()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pauseRetryInterval):
		}
	}
}
