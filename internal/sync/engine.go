// Package sync mirrors the in-memory cache into the local store and replays
// it back on start.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/cache"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
)

// Checkpoint keys kept in sync_state.
const (
	CheckpointLastOnline = "connection.last_online"
	CheckpointLastReplay = "replay.last_at"
)

// Engine persists every list the cache stores. It subscribes to "cache."
// and "connection." events on the bus.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to cache and connection events.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	cacheCh, unsubCache := e.bus.Subscribe("cache.", 256)
	connCh, unsubConn := e.bus.Subscribe("connection.", 16)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubCache()
		defer unsubConn()
		for {
			select {
			case evt := <-cacheCh:
				e.handleEvent(ctx, evt)
			case evt := <-connCh:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the in-flight write.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessagesReplaced:
		p, ok := evt.Payload.(cache.MessagesReplaced)
		if !ok {
			return
		}
		if err := e.PersistMessages(ctx, p); err != nil {
			e.logger.Error("failed to persist messages", zap.Error(err), zap.String("conversation", p.ConversationID))
		}
	case bus.KindConversationsReplaced:
		p, ok := evt.Payload.(cache.ConversationsReplaced)
		if !ok {
			return
		}
		if err := e.PersistConversations(ctx, p); err != nil {
			e.logger.Error("failed to persist conversations", zap.Error(err), zap.Stringer("list", p.Key))
		}
	case bus.KindStateChanged:
		change, ok := evt.Payload.(status.StatusChange)
		if !ok || change.To != status.Online {
			return
		}
		ts := evt.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if err := e.db.SetState(ctx, CheckpointLastOnline, ts.UTC().Format(time.RFC3339Nano)); err != nil {
			e.logger.Warn("failed to record last online", zap.Error(err))
		}
	}
}

// PersistMessages stores a conversation snapshot.
func (e *Engine) PersistMessages(ctx context.Context, p cache.MessagesReplaced) error {
	if err := e.db.ReplaceMessages(ctx, p.ConversationID, p.Messages); err != nil {
		return fmt.Errorf("replace messages: %w", err)
	}
	e.logger.Debug("messages persisted", zap.String("conversation", p.ConversationID), zap.Int("count", len(p.Messages)))
	return nil
}

// PersistConversations stores a conversation list snapshot.
func (e *Engine) PersistConversations(ctx context.Context, p cache.ConversationsReplaced) error {
	if err := e.db.ReplaceConversations(ctx, p.Key.String(), p.Conversations); err != nil {
		return fmt.Errorf("replace conversations: %w", err)
	}
	e.logger.Debug("conversations persisted", zap.Stringer("list", p.Key), zap.Int("count", len(p.Conversations)))
	return nil
}
