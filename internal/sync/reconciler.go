package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/cache"
	"github.com/matheus3301/convsync/internal/store"
)

// Reconciler restores stored state after a restart.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// ReplayResult counts what Replay restored.
type ReplayResult struct {
	Conversations int
	Lists         int
	Expired       int64
}

// Replay primes c with every stored snapshot and closes undo windows that
// elapsed while the daemon was down. Primed data never overwrites a list the
// cache already holds.
func (r *Reconciler) Replay(ctx context.Context, c *cache.Cache, now time.Time) (ReplayResult, error) {
	var res ReplayResult

	convIDs, listKeys, err := r.db.SnapshotKeys(ctx)
	if err != nil {
		return res, fmt.Errorf("snapshot keys: %w", err)
	}
	for _, id := range convIDs {
		msgs, ok, err := r.db.LoadMessages(ctx, id)
		if err != nil {
			return res, fmt.Errorf("load messages %s: %w", id, err)
		}
		if ok {
			c.Prime(id, msgs)
			res.Conversations++
		}
	}
	for _, raw := range listKeys {
		key, err := cache.ParseListKey(raw)
		if err != nil {
			r.logger.Warn("skipping stored list", zap.String("key", raw), zap.Error(err))
			continue
		}
		convs, ok, err := r.db.LoadConversations(ctx, raw)
		if err != nil {
			return res, fmt.Errorf("load conversations %s: %w", raw, err)
		}
		if ok {
			c.PrimeList(key, convs)
			res.Lists++
		}
	}

	if res.Expired, err = r.db.ExpireStaleOperations(ctx, now); err != nil {
		return res, fmt.Errorf("expire operations: %w", err)
	}
	if err := r.UpdateCheckpoint(ctx, CheckpointLastReplay, now.UTC().Format(time.RFC3339Nano)); err != nil {
		return res, err
	}
	r.logger.Info("snapshot replayed",
		zap.Int("conversations", res.Conversations),
		zap.Int("lists", res.Lists),
		zap.Int64("expired_operations", res.Expired))
	return res, nil
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(ctx context.Context, key, value string) error {
	return r.db.SetState(ctx, key, value)
}

// GetCheckpoint retrieves a sync checkpoint value; "" when unset.
func (r *Reconciler) GetCheckpoint(ctx context.Context, key string) (string, error) {
	v, _, err := r.db.State(ctx, key)
	return v, err
}
