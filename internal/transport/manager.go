// Package transport keeps every subscription fed from exactly one source:
// announced on the push channel while it is online, polled over HTTP while it
// is not. Everything that arrives goes through the cache.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/cache"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/retry"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/wire"
)

const (
	DefaultPollInterval         = 30 * time.Second
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultFetchTimeout         = 15 * time.Second
)

var (
	// ErrNotConnected is returned by Emit while the push channel is down.
	ErrNotConnected = errors.New("push channel not connected")
	// ErrStopped is returned once the manager has been stopped.
	ErrStopped = errors.New("transport stopped")
	// ErrNotSubscribed is returned when refreshing an untracked target.
	ErrNotSubscribed = errors.New("not subscribed")
)

// Channel is the push connection the manager drives.
type Channel interface {
	Open(ctx context.Context, onEvent func(wire.Envelope), onClose func(error)) error
	Emit(ctx context.Context, event string, data any) error
	Close() error
}

// Config tunes the manager. Zero values take the defaults.
type Config struct {
	PollInterval         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	FetchTimeout         time.Duration
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
}

// Mode is how a subscription is currently fed.
type Mode string

const (
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

// Subscription describes one tracked subscription.
type Subscription struct {
	Key            string
	ConversationID string // empty for list subscriptions
	List           cache.ListKey
	Mode           Mode
}

type target struct {
	conversationID string
	list           cache.ListKey
	isList         bool
}

func (t target) key() string {
	if t.isList {
		return "list:" + t.list.String()
	}
	return "conversation:" + t.conversationID
}

func (t target) frame(subscribe bool) (string, any) {
	if t.isList {
		if subscribe {
			return wire.EventSubscribeConversationList, wire.ListRef{UserID: t.list.UserID, UserType: string(t.list.Role)}
		}
		return wire.EventUnsubscribeConversationList, wire.ListRef{UserID: t.list.UserID, UserType: string(t.list.Role)}
	}
	if subscribe {
		return wire.EventSubscribeConversation, wire.ConversationRef{ConversationID: t.conversationID}
	}
	return wire.EventUnsubscribeConversation, wire.ConversationRef{ConversationID: t.conversationID}
}

type sub struct {
	target   target
	stopPoll context.CancelFunc
}

// Manager owns the connection state machine, the subscription set and the
// poll scheduler for one session.
type Manager struct {
	cfg     Config
	ch      Channel
	cache   *cache.Cache
	bus     *bus.Bus
	machine *status.Machine
	clock   clock.Clock
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// subMu orders subscribe and unsubscribe so cache registration and
	// the subscription set change together. Taken before mu.
	subMu sync.Mutex

	mu         sync.Mutex
	subs       map[string]*sub
	started    bool
	stopped    bool
	connecting bool
}

// New creates a manager. Subscriptions may be added before Start; they poll
// until the channel comes online.
func New(cfg Config, ch Channel, c *cache.Cache, b *bus.Bus, clk clock.Clock, log *zap.Logger) *Manager {
	cfg.defaults()
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		ch:      ch,
		cache:   c,
		bus:     b,
		machine: status.NewMachine(b, clk),
		clock:   clk,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*sub),
	}
}

// State returns the current connection state.
func (m *Manager) State() status.State { return m.machine.Current() }

// Since returns when the current state was entered.
func (m *Manager) Since() time.Time { return m.machine.Since() }

// Start begins connecting in the background.
func (m *Manager) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return nil
	}
	m.started = true
	m.connecting = true
	m.wg.Add(1)
	go m.connectLoop(0)
	return nil
}

// Stop cancels every poller, the reconnect loop and the channel. A stopped
// manager cannot be restarted.
func (m *Manager) Stop(context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	for _, s := range m.subs {
		s.stopPolling()
	}
	m.mu.Unlock()

	m.cancel()
	err := m.ch.Close()
	m.wg.Wait()

	m.mu.Lock()
	if m.machine.Current() != status.Offline {
		_ = m.machine.Transition(status.Offline)
	}
	m.mu.Unlock()
	return err
}

// SubscribeConversation starts feeding a conversation's messages to cb.
// Subscribing again only swaps the callback.
func (m *Manager) SubscribeConversation(conversationID string, cb cache.MessagesFunc) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	t := target{conversationID: conversationID}
	return m.subscribe(t, func() { m.cache.Register(conversationID, cb) })
}

// UnsubscribeConversation stops feeding a conversation.
func (m *Manager) UnsubscribeConversation(conversationID string) {
	t := target{conversationID: conversationID}
	m.unsubscribe(t, func() { m.cache.Unregister(conversationID) })
}

// SubscribeUserConversationList starts feeding a user's conversation list.
func (m *Manager) SubscribeUserConversationList(userID string, role model.Role, cb cache.ConversationsFunc) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	key := cache.ListKey{UserID: userID, Role: role}
	return m.subscribe(target{list: key, isList: true}, func() { m.cache.RegisterList(key, cb) })
}

// UnsubscribeUserConversationList stops feeding a conversation list.
func (m *Manager) UnsubscribeUserConversationList(userID string, role model.Role) {
	key := cache.ListKey{UserID: userID, Role: role}
	m.unsubscribe(target{list: key, isList: true}, func() { m.cache.UnregisterList(key) })
}

// Subscriptions returns every tracked subscription, sorted by key.
func (m *Manager) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.subs))
	for k, s := range m.subs {
		mode := ModePush
		if s.stopPoll != nil {
			mode = ModePoll
		}
		out = append(out, Subscription{
			Key:            k,
			ConversationID: s.target.conversationID,
			List:           s.target.list,
			Mode:           mode,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Emit sends a frame over the push channel. There is no polling fallback.
func (m *Manager) Emit(ctx context.Context, event string, data any) error {
	if m.machine.Current() != status.Online {
		return ErrNotConnected
	}
	return m.ch.Emit(ctx, event, data)
}

func (m *Manager) subscribe(t target, register func()) error {
	m.subMu.Lock()
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.subMu.Unlock()
		return ErrStopped
	}
	m.mu.Unlock()

	register()

	m.mu.Lock()
	k := t.key()
	if _, ok := m.subs[k]; ok || m.stopped {
		stopped := m.stopped
		m.mu.Unlock()
		m.subMu.Unlock()
		if stopped {
			return ErrStopped
		}
		return nil
	}
	s := &sub{target: t}
	m.subs[k] = s
	online := m.machine.Current() == status.Online
	if !online {
		m.startPolling(s)
	}
	m.mu.Unlock()
	m.subMu.Unlock()

	m.log.Debug("subscribed", zap.String("key", k), zap.Bool("online", online))
	if online {
		m.announce(t, true)
	}
	m.spawnRefresh(t)
	m.publish(bus.KindSubscriptionAdded, m.describe(t, online))
	return nil
}

func (m *Manager) unsubscribe(t target, unregister func()) {
	m.subMu.Lock()
	m.mu.Lock()
	k := t.key()
	s, ok := m.subs[k]
	if !ok {
		m.mu.Unlock()
		m.subMu.Unlock()
		return
	}
	delete(m.subs, k)
	s.stopPolling()
	online := m.machine.Current() == status.Online
	m.mu.Unlock()
	unregister()
	m.subMu.Unlock()

	if online {
		m.announce(t, false)
	}
	m.log.Debug("unsubscribed", zap.String("key", k))
	m.publish(bus.KindSubscriptionRemoved, m.describe(t, online))
}

func (m *Manager) describe(t target, online bool) Subscription {
	mode := ModePoll
	if online {
		mode = ModePush
	}
	return Subscription{Key: t.key(), ConversationID: t.conversationID, List: t.list, Mode: mode}
}

// startPolling requires m.mu.
func (m *Manager) startPolling(s *sub) {
	if s.stopPoll != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	s.stopPoll = cancel
	ticker := m.clock.Ticker(m.cfg.PollInterval)
	t := s.target

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refresh(ctx, t)
			}
		}
	}()
}

func (s *sub) stopPolling() {
	if s.stopPoll != nil {
		s.stopPoll()
		s.stopPoll = nil
	}
}

// RefreshConversation re-fetches a subscribed conversation and delivers it
// like any poll or push update.
func (m *Manager) RefreshConversation(ctx context.Context, conversationID string) error {
	return m.refreshTracked(ctx, target{conversationID: conversationID})
}

// RefreshConversationList is RefreshConversation for a conversation list.
func (m *Manager) RefreshConversationList(ctx context.Context, userID string, role model.Role) error {
	return m.refreshTracked(ctx, target{list: cache.ListKey{UserID: userID, Role: role}, isList: true})
}

func (m *Manager) refreshTracked(ctx context.Context, t target) error {
	m.mu.Lock()
	_, ok := m.subs[t.key()]
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !ok {
		return fmt.Errorf("%s: %w", t.key(), ErrNotSubscribed)
	}
	return m.fetch(ctx, t)
}

func (m *Manager) fetch(ctx context.Context, t target) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()
	if t.isList {
		return m.cache.RefreshConversations(ctx, t.list)
	}
	return m.cache.RefreshMessages(ctx, t.conversationID)
}

func (m *Manager) refresh(ctx context.Context, t target) {
	if err := m.fetch(ctx, t); err != nil && m.ctx.Err() == nil {
		m.log.Warn("fetch failed, keeping cached state", zap.String("key", t.key()), zap.Error(err))
	}
}

func (m *Manager) spawnRefresh(t target) {
	m.spawn(func() { m.refresh(m.ctx, t) })
}

func (m *Manager) spawn(fn func()) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *Manager) announce(t target, subscribe bool) {
	event, data := t.frame(subscribe)
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.FetchTimeout)
	defer cancel()
	if err := m.ch.Emit(ctx, event, data); err != nil {
		m.log.Warn("announce failed", zap.String("event", event), zap.String("key", t.key()), zap.Error(err))
	}
}

// connectLoop waits delay, then tries to open the channel until it succeeds
// or the attempts run out.
func (m *Manager) connectLoop(delay time.Duration) {
	defer m.wg.Done()

	if delay > 0 {
		select {
		case <-m.clock.After(delay):
		case <-m.ctx.Done():
			return
		}
	}

	policy := retry.Fixed(m.cfg.ReconnectDelay, m.cfg.MaxReconnectAttempts)
	policy.Clock = m.clock
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		m.log.Warn("push handshake failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
	}
	err := policy.Do(m.ctx, m.connectOnce)
	if err == nil {
		return
	}

	m.mu.Lock()
	m.connecting = false
	m.mu.Unlock()
	if m.ctx.Err() == nil {
		m.log.Warn("push channel unavailable, polling only",
			zap.Int("attempts", m.cfg.MaxReconnectAttempts),
			zap.Error(err),
		)
	}
}

func (m *Manager) connectOnce(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if err := m.machine.Transition(status.Connecting); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if err := m.ch.Open(ctx, m.handleEvent, m.handleClose); err != nil {
		m.mu.Lock()
		if m.machine.Current() == status.Connecting {
			_ = m.machine.Transition(status.Offline)
		}
		m.mu.Unlock()
		return retry.Transient(err)
	}
	if err := m.goOnline(); err != nil {
		// The channel dropped before we could switch over.
		return retry.Transient(err)
	}
	return nil
}

func (m *Manager) goOnline() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = m.ch.Close()
		return nil
	}
	if err := m.machine.Transition(status.Online); err != nil {
		m.mu.Unlock()
		return err
	}
	m.connecting = false
	targets := make([]target, 0, len(m.subs))
	for _, s := range m.subs {
		s.stopPolling()
		targets = append(targets, s.target)
	}
	m.mu.Unlock()

	m.log.Info("push channel online", zap.Int("subscriptions", len(targets)))
	for _, t := range targets {
		m.announce(t, true)
	}
	for _, t := range targets {
		m.spawnRefresh(t)
	}
	return nil
}

func (m *Manager) handleClose(err error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if m.machine.Current() != status.Offline {
		_ = m.machine.Transition(status.Offline)
	}
	for _, s := range m.subs {
		m.startPolling(s)
	}
	restart := !m.connecting
	if restart {
		m.connecting = true
		m.wg.Add(1)
	}
	n := len(m.subs)
	m.mu.Unlock()

	m.log.Warn("push channel lost, polling", zap.Int("subscriptions", n), zap.Error(err))
	if restart {
		go m.connectLoop(m.cfg.ReconnectDelay)
	}
}

func (m *Manager) handleEvent(env wire.Envelope) {
	switch env.Event {
	case wire.EventNewMessage:
		ref, err := wire.ParseConversationRef(env.Data)
		if err != nil {
			m.log.Debug("bad new_message frame", zap.Error(err))
			return
		}
		m.publish(bus.KindNewMessage, ref)
		m.spawn(func() {
			ctx, cancel := context.WithTimeout(m.ctx, m.cfg.FetchTimeout)
			defer cancel()
			if err := m.cache.HandleNewMessage(ctx, ref.ConversationID); err != nil && m.ctx.Err() == nil {
				m.log.Warn("refetch after new message failed", zap.String("conversation", ref.ConversationID), zap.Error(err))
			}
		})

	case wire.EventConversationUpdated:
		m.mu.Lock()
		var lists []target
		for _, s := range m.subs {
			if s.target.isList {
				lists = append(lists, s.target)
			}
		}
		m.mu.Unlock()
		for _, t := range lists {
			m.spawnRefresh(t)
		}

	case wire.EventMessageRead:
		rr, err := wire.ParseReadReceipt(env.Data)
		if err != nil {
			m.log.Debug("bad message:read frame", zap.Error(err))
			return
		}
		m.cache.ApplyReadReceipt(rr.ConversationID, rr.UserID)
		m.publish(bus.KindMessageRead, rr)

	case wire.EventTypingStatus:
		sig, err := wire.ParseTypingSignal(env.Data)
		if err != nil {
			m.log.Debug("bad typing frame", zap.Error(err))
			return
		}
		m.publish(bus.KindTypingStatus, sig)

	default:
		m.log.Debug("ignoring push event", zap.String("event", env.Event))
	}
}

func (m *Manager) publish(kind string, payload any) {
	if m.bus != nil {
		m.bus.Emit(kind, payload)
	}
}
