// Package bulk coordinates bulk message mutations: input limits, a per-call
// timeout, retries of retriable failures and the undo window of deletes.
package bulk

//go:generate mockgen -destination=mock/api.go -package=mock . API

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/httpapi"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/retry"
)

const (
	MaxItems       = 100
	DefaultTimeout = 30 * time.Second
)

// API is the server side of bulk operations.
type API interface {
	BulkDelete(ctx context.Context, req httpapi.BulkDeleteRequest) (httpapi.BulkDeleteResult, error)
	BulkMarkRead(ctx context.Context, req httpapi.BulkMarkReadRequest) (httpapi.BulkMarkReadResult, error)
	UndoOperation(ctx context.Context, operationID, undoToken string) (int, error)
}

// Ledger persists operation records. Failures are logged, never returned.
type Ledger interface {
	SaveOperation(ctx context.Context, op model.BulkOperation) error
	SetOperationState(ctx context.Context, id string, state model.OperationState) error
}

// Config tunes the coordinator. Zero values take the defaults.
type Config struct {
	Timeout time.Duration
	Retry   *retry.Policy
}

type tracked struct {
	op      model.BulkOperation
	pending bool
	timer   *clock.Timer
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	api    API
	ledger Ledger
	bus    *bus.Bus
	clock  clock.Clock
	log    *zap.Logger
	cfg    Config
	policy retry.Policy

	mu  sync.Mutex
	ops map[string]*tracked
}

// New creates a coordinator. ledger and b may be nil.
func New(cfg Config, api API, ledger Ledger, b *bus.Bus, clk clock.Clock, log *zap.Logger) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	policy := retry.Default()
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}
	if policy.Clock == nil {
		policy.Clock = clk
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			log.Info("bulk call failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}
	}
	return &Coordinator{
		api:    api,
		ledger: ledger,
		bus:    b,
		clock:  clk,
		log:    log,
		cfg:    cfg,
		policy: policy,
		ops:    make(map[string]*tracked),
	}
}

// BulkDelete removes up to MaxItems messages from a thread. The returned
// operation carries the undo token and stays undoable for model.UndoWindow.
func (c *Coordinator) BulkDelete(ctx context.Context, messageIDs []string, threadID, reason string) (model.BulkOperation, error) {
	if err := checkIDs(messageIDs); err != nil {
		return model.BulkOperation{}, err
	}
	if strings.TrimSpace(threadID) == "" {
		return model.BulkOperation{}, newError(KindInvalidThreadID, "thread id is required", "")
	}
	req := httpapi.BulkDeleteRequest{MessageIDs: messageIDs, ThreadID: threadID, Reason: reason}

	res, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) (httpapi.BulkDeleteResult, error) {
		return attempt(ctx, c, func(ctx context.Context) (httpapi.BulkDeleteResult, error) {
			return c.api.BulkDelete(ctx, req)
		})
	})
	if err != nil {
		c.log.Warn("bulk delete failed", zap.Int("messages", len(messageIDs)), zap.Error(err))
		return model.BulkOperation{}, err
	}

	id, token := res.OperationID, res.UndoToken
	if id == "" {
		id, token = uuid.NewString(), ""
	}
	op := model.NewBulkOperation(id, model.OperationDelete, res.DeletedCount, token, c.clock.Now())
	op.Duration = res.Duration
	c.record(ctx, op)
	c.log.Info("bulk delete applied",
		zap.String("operation", op.ID),
		zap.Int("deleted", op.TargetCount),
		zap.Duration("server_duration", op.Duration))
	return op, nil
}

// BulkMarkRead sets the read state of up to MaxItems messages.
func (c *Coordinator) BulkMarkRead(ctx context.Context, messageIDs []string, isRead bool) (model.BulkOperation, error) {
	if err := checkIDs(messageIDs); err != nil {
		return model.BulkOperation{}, err
	}
	req := httpapi.BulkMarkReadRequest{MessageIDs: messageIDs, IsRead: isRead}

	res, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) (httpapi.BulkMarkReadResult, error) {
		return attempt(ctx, c, func(ctx context.Context) (httpapi.BulkMarkReadResult, error) {
			return c.api.BulkMarkRead(ctx, req)
		})
	})
	if err != nil {
		c.log.Warn("bulk mark-read failed", zap.Int("messages", len(messageIDs)), zap.Error(err))
		return model.BulkOperation{}, err
	}

	id := res.OperationID
	if id == "" {
		id = uuid.NewString()
	}
	op := model.NewBulkOperation(id, model.OperationMarkRead, res.UpdatedCount, "", c.clock.Now())
	op.Duration = res.Duration
	c.record(ctx, op)
	return op, nil
}

// UndoOperation redeems a delete's undo token and returns how many messages
// were restored. Tokens the coordinator issued are checked locally first: a
// redeemed or mismatched token fails with INVALID_UNDO_TOKEN and an elapsed
// window with UNDO_EXPIRED, both without a network call.
func (c *Coordinator) UndoOperation(ctx context.Context, operationID, undoToken string) (int, error) {
	if operationID == "" {
		return 0, newError(KindInvalidRequest, "operation id is required", "")
	}
	if undoToken == "" {
		return 0, newError(KindInvalidUndoToken, "undo token is required", "")
	}

	if err := c.claim(operationID, undoToken); err != nil {
		return 0, err
	}

	restored, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) (int, error) {
		return attempt(ctx, c, func(ctx context.Context) (int, error) {
			return c.api.UndoOperation(ctx, operationID, undoToken)
		})
	})
	if err != nil {
		c.release(ctx, operationID, IsKind(err, KindUndoExpired))
		c.log.Warn("undo failed", zap.String("operation", operationID), zap.Error(err))
		return 0, err
	}

	c.finish(ctx, operationID, model.OperationRedeemed)
	c.log.Info("operation undone", zap.String("operation", operationID), zap.Int("restored", restored))
	return restored, nil
}

// Operation returns a tracked operation.
func (c *Coordinator) Operation(id string) (model.BulkOperation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.ops[id]
	if !ok {
		return model.BulkOperation{}, false
	}
	return t.op, true
}

// Operations returns every tracked operation, oldest first.
func (c *Coordinator) Operations() []model.BulkOperation {
	c.mu.Lock()
	out := make([]model.BulkOperation, 0, len(c.ops))
	for _, t := range c.ops {
		out = append(out, t.op)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stop cancels every pending expiry timer.
func (c *Coordinator) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.ops {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
	}
	return nil
}

func checkIDs(ids []string) error {
	if len(ids) > MaxItems {
		return newError(KindTooManyMessages,
			fmt.Sprintf("%d messages requested, the limit is %d", len(ids), MaxItems),
			fmt.Sprintf("Split the selection into batches of %d or fewer.", MaxItems))
	}
	if len(ids) == 0 {
		return newError(KindInvalidMessageIDs, "no message ids given", "")
	}
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return newError(KindInvalidMessageIDs, "message ids must not be empty", "")
		}
	}
	return nil
}

// attempt runs one call raced against the coordinator timeout and classifies
// its error.
func attempt[T any](ctx context.Context, c *Coordinator, call func(context.Context) (T, error)) (T, error) {
	v, err := race(ctx, c.clock, c.cfg.Timeout, call)
	return v, classify(err)
}

type result[T any] struct {
	v   T
	err error
}

// race returns call's result or a retriable TIMEOUT once the timeout elapses,
// whichever comes first. The losing call's context is cancelled and its late
// result discarded.
func race[T any](ctx context.Context, clk clock.Clock, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := clk.Timer(timeout)
	defer timer.Stop()

	done := make(chan result[T], 1)
	go func() {
		v, err := call(cctx)
		done <- result[T]{v, err}
	}()

	var zero T
	select {
	case r := <-done:
		return r.v, r.err
	case <-timer.C:
		return zero, newError(KindTimeout,
			fmt.Sprintf("no response within %s", timeout),
			"The server may still apply the change. Refresh before retrying.")
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Coordinator) record(ctx context.Context, op model.BulkOperation) {
	t := &tracked{op: op}
	if op.Undoable(op.CreatedAt) {
		id := op.ID
		t.timer = c.clock.AfterFunc(op.ExpiresAt.Sub(op.CreatedAt), func() { c.expire(id) })
	}
	c.mu.Lock()
	c.ops[op.ID] = t
	c.mu.Unlock()

	c.save(ctx, op)
	if c.bus != nil {
		c.bus.Emit(bus.KindOperationApplied, op)
	}
}

// claim validates a local token and marks the operation in flight.
func (c *Coordinator) claim(id, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.ops[id]
	if !ok {
		return nil
	}
	switch {
	case t.op.Kind != model.OperationDelete:
		return newError(KindInvalidUndoToken, "operation cannot be undone", "")
	case t.op.State == model.OperationRedeemed || t.pending:
		return newError(KindInvalidUndoToken, "operation already undone", "")
	case t.op.UndoToken != token:
		return newError(KindInvalidUndoToken, "undo token does not match the operation", "")
	case t.op.State == model.OperationExpired || !c.clock.Now().Before(t.op.ExpiresAt):
		return newError(KindUndoExpired,
			fmt.Sprintf("undo window of %s has passed", model.UndoWindow),
			"Deleted messages can only be restored shortly after the delete.")
	}
	t.pending = true
	return nil
}

// release clears the in-flight mark after a failed undo. An expiry that was
// skipped while the undo ran is applied here.
func (c *Coordinator) release(ctx context.Context, id string, expired bool) {
	c.mu.Lock()
	t, ok := c.ops[id]
	if ok {
		t.pending = false
		if t.op.State == model.OperationActive && !c.clock.Now().Before(t.op.ExpiresAt) {
			expired = true
		}
	}
	c.mu.Unlock()
	if ok && expired {
		c.finish(ctx, id, model.OperationExpired)
	}
}

func (c *Coordinator) expire(id string) {
	c.mu.Lock()
	t, ok := c.ops[id]
	if !ok || t.op.State != model.OperationActive || t.pending {
		c.mu.Unlock()
		return
	}
	t.op.State = model.OperationExpired
	t.timer = nil
	op := t.op
	c.mu.Unlock()

	c.log.Debug("undo window closed", zap.String("operation", id))
	c.saveState(context.Background(), id, model.OperationExpired)
	if c.bus != nil {
		c.bus.Emit(bus.KindUndoExpired, op)
	}
}

func (c *Coordinator) finish(ctx context.Context, id string, state model.OperationState) {
	c.mu.Lock()
	t, ok := c.ops[id]
	if !ok {
		c.mu.Unlock()
		c.saveState(ctx, id, state)
		return
	}
	t.pending = false
	if t.op.State == state {
		c.mu.Unlock()
		return
	}
	t.op.State = state
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	op := t.op
	c.mu.Unlock()

	c.saveState(ctx, id, state)
	if state == model.OperationExpired && c.bus != nil {
		c.bus.Emit(bus.KindUndoExpired, op)
	}
}

func (c *Coordinator) save(ctx context.Context, op model.BulkOperation) {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.SaveOperation(context.WithoutCancel(ctx), op); err != nil {
		c.log.Warn("persist operation", zap.String("operation", op.ID), zap.Error(err))
	}
}

func (c *Coordinator) saveState(ctx context.Context, id string, state model.OperationState) {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.SetOperationState(context.WithoutCancel(ctx), id, state); err != nil {
		c.log.Warn("persist operation state", zap.String("operation", id), zap.Error(err))
	}
}
