// Package typing tracks short-lived typing indicators in both directions and
// sends read receipts.
package typing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/transport"
	"github.com/matheus3301/convsync/internal/wire"
)

// DefaultExpiry is how long a typing signal lasts without a refresh.
const DefaultExpiry = 3 * time.Second

const emitTimeout = 5 * time.Second

// Emitter sends push frames.
type Emitter interface {
	Emit(ctx context.Context, event string, data any) error
}

// ReadMarker records a read receipt with the message store.
type ReadMarker interface {
	MarkConversationRead(ctx context.Context, conversationID, userID string) error
}

// Config identifies the local user.
type Config struct {
	UserID   string
	UserName string
	Expiry   time.Duration
}

// Changed is the bus payload for KindTypingChanged.
type Changed struct {
	ConversationID string
	Users          []string
}

type entry struct {
	timer *clock.Timer
	gen   uint64
}

// Broadcaster is safe for concurrent use.
type Broadcaster struct {
	cfg   Config
	emit  Emitter
	reads ReadMarker
	bus   *bus.Bus
	clock clock.Clock
	log   *zap.Logger

	mu     sync.Mutex
	gen    uint64
	local  map[string]*entry
	remote map[string]map[string]*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a broadcaster. Remote signals are tracked once Start runs.
func New(cfg Config, emit Emitter, reads ReadMarker, b *bus.Bus, clk clock.Clock, log *zap.Logger) *Broadcaster {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		cfg:    cfg,
		emit:   emit,
		reads:  reads,
		bus:    b,
		clock:  clk,
		log:    log,
		local:  make(map[string]*entry),
		remote: make(map[string]map[string]*entry),
	}
}

// Start listens for inbound typing signals and unsubscribes.
func (b *Broadcaster) Start(context.Context) error {
	if b.bus == nil {
		return errors.New("typing broadcaster needs a bus")
	}
	signals, unsubSignals := b.bus.Subscribe(bus.KindTypingStatus, 64)
	removed, unsubRemoved := b.bus.Subscribe(bus.KindSubscriptionRemoved, 16)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer unsubSignals()
		defer unsubRemoved()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-signals:
				if sig, ok := evt.Payload.(wire.TypingSignal); ok {
					b.observe(sig)
				}
			case evt := <-removed:
				if s, ok := evt.Payload.(transport.Subscription); ok && s.ConversationID != "" {
					b.Forget(s.ConversationID)
				}
			}
		}
	}()
	return nil
}

// Stop cancels every pending timer.
func (b *Broadcaster) Stop(context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, e := range b.local {
		e.timer.Stop()
		delete(b.local, id)
	}
	for id, users := range b.remote {
		for _, e := range users {
			e.timer.Stop()
		}
		delete(b.remote, id)
	}
	return nil
}

// SendTypingStatus emits a typing signal over the push channel. A true
// signal arms a timer that sends false after the expiry unless refreshed;
// false cancels the timer and is sent at once.
func (b *Broadcaster) SendTypingStatus(ctx context.Context, conversationID string, isTyping bool) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	b.mu.Lock()
	if old := b.local[conversationID]; old != nil {
		old.timer.Stop()
		delete(b.local, conversationID)
	}
	if isTyping {
		b.gen++
		gen := b.gen
		b.local[conversationID] = &entry{
			gen:   gen,
			timer: b.clock.AfterFunc(b.cfg.Expiry, func() { b.expireLocal(conversationID, gen) }),
		}
	}
	b.mu.Unlock()

	return b.send(ctx, conversationID, isTyping)
}

// LocalTyping reports whether the local user is marked typing.
func (b *Broadcaster) LocalTyping(conversationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.local[conversationID]
	return ok
}

// Typing returns the remote users currently typing in a conversation.
func (b *Broadcaster) Typing(conversationID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usersLocked(conversationID)
}

// Forget drops all typing state for a conversation without emitting.
func (b *Broadcaster) Forget(conversationID string) {
	b.mu.Lock()
	if e := b.local[conversationID]; e != nil {
		e.timer.Stop()
		delete(b.local, conversationID)
	}
	users := b.remote[conversationID]
	for _, e := range users {
		e.timer.Stop()
	}
	delete(b.remote, conversationID)
	b.mu.Unlock()

	if len(users) > 0 {
		b.publish(conversationID, nil)
	}
}

// MarkMessagesAsRead records the receipt over HTTP, then mirrors it on the
// push channel when connected. Only the HTTP call has to succeed.
func (b *Broadcaster) MarkMessagesAsRead(ctx context.Context, conversationID, userID string) error {
	if userID == "" {
		userID = b.cfg.UserID
	}
	if err := b.reads.MarkConversationRead(ctx, conversationID, userID); err != nil {
		return err
	}
	rr := wire.ReadReceipt{ConversationID: conversationID, UserID: userID}
	if b.bus != nil {
		b.bus.Emit(bus.KindReadMarked, rr)
	}
	if err := b.emit.Emit(ctx, wire.EventConversationRead, rr); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			b.log.Debug("read receipt not mirrored, offline", zap.String("conversation", conversationID))
		} else {
			b.log.Warn("read receipt mirror failed", zap.String("conversation", conversationID), zap.Error(err))
		}
	}
	return nil
}

func (b *Broadcaster) send(ctx context.Context, conversationID string, isTyping bool) error {
	return b.emit.Emit(ctx, wire.EventTyping, wire.TypingSignal{
		ConversationID: conversationID,
		UserID:         b.cfg.UserID,
		UserName:       b.cfg.UserName,
		IsTyping:       isTyping,
	})
}

func (b *Broadcaster) expireLocal(conversationID string, gen uint64) {
	b.mu.Lock()
	e := b.local[conversationID]
	if e == nil || e.gen != gen {
		b.mu.Unlock()
		return
	}
	delete(b.local, conversationID)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := b.send(ctx, conversationID, false); err != nil {
		b.log.Debug("automatic typing stop not sent", zap.String("conversation", conversationID), zap.Error(err))
	}
}

func (b *Broadcaster) observe(sig wire.TypingSignal) {
	if sig.UserID == b.cfg.UserID {
		return
	}
	b.mu.Lock()
	users := b.remote[sig.ConversationID]
	old := users[sig.UserID]
	if old != nil {
		old.timer.Stop()
		delete(users, sig.UserID)
	}
	changed := (old == nil) == sig.IsTyping
	if sig.IsTyping {
		if users == nil {
			users = make(map[string]*entry)
			b.remote[sig.ConversationID] = users
		}
		b.gen++
		gen := b.gen
		users[sig.UserID] = &entry{
			gen: gen,
			timer: b.clock.AfterFunc(b.cfg.Expiry, func() {
				b.expireRemote(sig.ConversationID, sig.UserID, gen)
			}),
		}
	} else if len(users) == 0 {
		delete(b.remote, sig.ConversationID)
	}
	list := b.usersLocked(sig.ConversationID)
	b.mu.Unlock()

	if changed {
		b.publish(sig.ConversationID, list)
	}
}

func (b *Broadcaster) expireRemote(conversationID, userID string, gen uint64) {
	b.mu.Lock()
	users := b.remote[conversationID]
	e := users[userID]
	if e == nil || e.gen != gen {
		b.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(b.remote, conversationID)
	}
	list := b.usersLocked(conversationID)
	b.mu.Unlock()

	b.publish(conversationID, list)
}

func (b *Broadcaster) usersLocked(conversationID string) []string {
	users := b.remote[conversationID]
	if len(users) == 0 {
		return nil
	}
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *Broadcaster) publish(conversationID string, users []string) {
	if b.bus != nil {
		b.bus.Emit(bus.KindTypingChanged, Changed{ConversationID: conversationID, Users: users})
	}
}
