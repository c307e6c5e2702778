package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/cache"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/wire"
)

// fakeChannel is a scripted push channel.
type fakeChannel struct {
	mu      sync.Mutex
	fail    bool
	opens   int
	onEvent func(wire.Envelope)
	onClose func(error)
	sent    []wire.Envelope
	open    bool
}

func (f *fakeChannel) Open(_ context.Context, onEvent func(wire.Envelope), onClose func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.fail {
		return errors.New("handshake refused")
	}
	f.onEvent, f.onClose, f.open = onEvent, onClose, true
	return nil
}

func (f *fakeChannel) Emit(_ context.Context, event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return errors.New("closed")
	}
	raw, _ := json.Marshal(data)
	f.sent = append(f.sent, wire.Envelope{Event: event, Data: raw})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeChannel) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakeChannel) drop() {
	f.mu.Lock()
	f.open = false
	cb := f.onClose
	f.mu.Unlock()
	cb(errors.New("connection reset"))
}

func (f *fakeChannel) deliver(event, data string) {
	f.mu.Lock()
	cb := f.onEvent
	f.mu.Unlock()
	cb(wire.Envelope{Event: event, Data: json.RawMessage(data)})
}

func (f *fakeChannel) events(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.sent {
		if e.Event == name {
			n++
		}
	}
	return n
}

func (f *fakeChannel) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// countingFetcher counts fetches per conversation / list.
type countingFetcher struct {
	mu    sync.Mutex
	msgs  map[string]int
	lists int
}

func newCountingFetcher() *countingFetcher {
	return &countingFetcher{msgs: make(map[string]int)}
}

func (f *countingFetcher) ListMessages(_ context.Context, id string) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[id]++
	return []model.Message{{ID: "m1", ConversationID: id, SenderID: "writer", Body: "hi"}}, nil
}

func (f *countingFetcher) ListConversations(context.Context, string, model.Role) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return []model.Conversation{{ID: "c1"}}, nil
}

func (f *countingFetcher) messageFetches(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[id]
}

func (f *countingFetcher) listFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

type harness struct {
	m     *Manager
	ch    *fakeChannel
	fetch *countingFetcher
	cache *cache.Cache
	bus   *bus.Bus
	clock *clock.Mock
}

func newHarness(t *testing.T, ch *fakeChannel) *harness {
	return newHarnessWith(t, ch, Config{MaxReconnectAttempts: 3})
}

func newHarnessWith(t *testing.T, ch *fakeChannel, cfg Config) *harness {
	t.Helper()
	b := bus.New()
	f := newCountingFetcher()
	c := cache.New(f, b, nil)
	mock := clock.NewMock()
	m := New(cfg, ch, c, b, mock, nil)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return &harness{m: m, ch: ch, fetch: f, cache: c, bus: b, clock: mock}
}

func (h *harness) startOnline(t *testing.T) {
	t.Helper()
	require.NoError(t, h.m.Start(context.Background()))
	h.waitState(t, status.Online)
}

func (h *harness) waitState(t *testing.T, want status.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == want }, 2*time.Second, time.Millisecond,
		"state stuck at %s, want %s", h.m.State(), want)
}

// advance moves the mock clock in small steps until cond holds.
func (h *harness) advance(t *testing.T, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		h.clock.Add(step)
		return cond()
	}, 3*time.Second, 5*time.Millisecond)
}

// assertExactlyOneSource checks every subscription is fed by push xor poll,
// matching the connection state.
func assertExactlyOneSource(t *testing.T, m *Manager) {
	t.Helper()
	want := ModePoll
	if m.State() == status.Online {
		want = ModePush
	}
	for _, s := range m.Subscriptions() {
		assert.Equal(t, want, s.Mode, "subscription %s in state %s", s.Key, m.State())
	}
}

func TestSubscribeWhileOnlineAnnounces(t *testing.T) {
	h := newHarness(t, &fakeChannel{})
	h.startOnline(t)

	var got []model.Message
	var mu sync.Mutex
	require.NoError(t, h.m.SubscribeConversation("c1", func(_ string, msgs []model.Message) {
		mu.Lock()
		got = msgs
		mu.Unlock()
	}))

	assert.Equal(t, 1, h.ch.events(wire.EventSubscribeConversation))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond, "initial fetch should reach the callback")
	assertExactlyOneSource(t, h.m)
}

func TestResubscribeIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeChannel{})
	h.startOnline(t)

	require.NoError(t, h.m.SubscribeConversation("c1", nil))
	require.NoError(t, h.m.SubscribeConversation("c1", nil))

	assert.Len(t, h.m.Subscriptions(), 1)
	assert.Equal(t, 1, h.ch.events(wire.EventSubscribeConversation))
}

func TestSubscribeWhileOfflinePolls(t *testing.T) {
	h := newHarness(t, &fakeChannel{})

	require.NoError(t, h.m.SubscribeConversation("c1", nil))
	require.Eventually(t, func() bool { return h.fetch.messageFetches("c1") == 1 }, time.Second, time.Millisecond)
	assertExactlyOneSource(t, h.m)

	h.clock.Add(DefaultPollInterval)
	require.Eventually(t, func() bool { return h.fetch.messageFetches("c1") == 2 }, time.Second, time.Millisecond)
	assert.Zero(t, h.ch.events(wire.EventSubscribeConversation))
}

func TestDropStartsPollingAndReconnectStopsIt(t *testing.T) {
	ch := &fakeChannel{}
	// Reconnect later than one poll tick so both phases are observable.
	h := newHarnessWith(t, ch, Config{ReconnectDelay: 45 * time.Second})
	h.startOnline(t)

	require.NoError(t, h.m.SubscribeConversation("c1", nil))
	require.NoError(t, h.m.SubscribeUserConversationList("u1", model.RoleCustomer, nil))
	require.Eventually(t, func() bool {
		return h.fetch.messageFetches("c1") == 1 && h.fetch.listFetches() == 1
	}, time.Second, time.Millisecond)
	assertExactlyOneSource(t, h.m)

	ch.drop()
	assert.Equal(t, status.Offline, h.m.State())
	assertExactlyOneSource(t, h.m)

	// Within one poll interval of the drop, both subscriptions are re-fetched.
	h.advance(t, time.Second, func() bool {
		return h.fetch.messageFetches("c1") == 2 && h.fetch.listFetches() == 2
	})
	assert.Equal(t, status.Offline, h.m.State())

	h.advance(t, time.Second, func() bool { return h.m.State() == status.Online })
	assertExactlyOneSource(t, h.m)

	// Reconnect re-announces every subscription.
	assert.Equal(t, 2, h.ch.events(wire.EventSubscribeConversation))
	assert.Equal(t, 2, h.ch.events(wire.EventSubscribeConversationList))

	// Pollers are gone: only the online refetch happens, no more ticks.
	require.Eventually(t, func() bool { return h.fetch.messageFetches("c1") == 3 }, time.Second, time.Millisecond)
	h.clock.Add(3 * DefaultPollInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, h.fetch.messageFetches("c1"))
}

func TestHandshakeExhaustionLeavesOfflinePolling(t *testing.T) {
	ch := &fakeChannel{fail: true}
	h := newHarness(t, ch)
	require.NoError(t, h.m.SubscribeConversation("c1", nil))
	require.NoError(t, h.m.Start(context.Background()))

	h.advance(t, DefaultReconnectDelay, func() bool { return ch.openCount() == 3 })
	h.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 3, ch.openCount(), "attempts are bounded")
	assert.Equal(t, status.Offline, h.m.State())
	assertExactlyOneSource(t, h.m)

	before := h.fetch.messageFetches("c1")
	h.clock.Add(DefaultPollInterval)
	require.Eventually(t, func() bool { return h.fetch.messageFetches("c1") > before }, time.Second, time.Millisecond,
		"polling continues after giving up")
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t, &fakeChannel{})
	events, unsub := h.bus.Subscribe("subscription.", 8)
	defer unsub()
	h.startOnline(t)

	require.NoError(t, h.m.SubscribeConversation("c1", nil))
	h.m.UnsubscribeConversation("c1")
	h.m.UnsubscribeConversation("c1")

	assert.Empty(t, h.m.Subscriptions())
	assert.Equal(t, 1, h.ch.events(wire.EventUnsubscribeConversation))
	assert.False(t, h.cache.Subscribed("c1"))

	var kinds []string
	for len(kinds) < 2 {
		select {
		case e := <-events:
			kinds = append(kinds, e.Kind)
		case <-time.After(time.Second):
			t.Fatal("missing subscription events")
		}
	}
	assert.Equal(t, []string{bus.KindSubscriptionAdded, bus.KindSubscriptionRemoved}, kinds)
}

func TestConcurrentSubscribeKeepsCacheRegistered(t *testing.T) {
	h := newHarness(t, &fakeChannel{})

	for round := 0; round < 50; round++ {
		require.NoError(t, h.m.SubscribeConversation("c1", nil))
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.m.UnsubscribeConversation("c1")
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, h.m.SubscribeConversation("c1", nil))
		}()
		wg.Wait()

		tracked := len(h.m.Subscriptions()) == 1
		require.Equal(t, tracked, h.cache.Subscribed("c1"), "round %d: subscription and cache disagree", round)
	}
}

func TestRefreshGoesThroughSubscriptions(t *testing.T) {
	h := newHarness(t, &fakeChannel{})
	ctx := context.Background()

	assert.ErrorIs(t, h.m.RefreshConversation(ctx, "c1"), ErrNotSubscribed)
	assert.Zero(t, h.fetch.messageFetches("c1"))

	require.NoError(t, h.m.SubscribeConversation("c1", nil))
	require.Eventually(t, func() bool { return h.fetch.messageFetches("c1") == 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.m.RefreshConversation(ctx, "c1"))
	assert.Equal(t, 2, h.fetch.messageFetches("c1"))
	msgs, ok := h.cache.Messages("c1")
	require.True(t, ok)
	assert.Len(t, msgs, 1)

	assert.ErrorIs(t, h.m.RefreshConversationList(ctx, "u1", model.RoleCustomer), ErrNotSubscribed)
	require.NoError(t, h.m.SubscribeUserConversationList("u1", model.RoleCustomer, nil))
	require.Eventually(t, func() bool { return h.fetch.listFetches() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.m.RefreshConversationList(ctx, "u1", model.RoleCustomer))
	assert.Equal(t, 2, h.fetch.listFetches())
}

func TestUnsubscribeCancelsPoller(t *testing.T) {
	h := newHarness(t, &fakeChannel{})
	require.NoError(t, h.m.SubscribeConversation("c1", nil))
	require.Eventually(t, func() bool { return h.fetch.messageFetches("c1") == 1 }, time.Second, time.Millisecond)

	h.m.UnsubscribeConversation("c1")
	h.clock.Add(2 * DefaultPollInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.fetch.messageFetches("c1"))
}

func TestInboundRouting(t *testing.T) {
	ch := &fakeChannel{}
	h := newHarness(t, ch)
	pushed, unsub := h.bus.Subscribe("push.", 8)
	defer unsub()
	h.startOnline(t)

	require.NoError(t, h.m.SubscribeConversation("c1", nil))
	require.NoError(t, h.m.SubscribeUserConversationList("u1", model.RoleSupplier, nil))
	require.Eventually(t, func() bool { return h.fetch.messageFetches("c1") == 1 }, time.Second, time.Millisecond)

	t.Run("new_message refetches", func(t *testing.T) {
		ch.deliver(wire.EventNewMessage, `{"conversationId":"c1","messageId":"m2"}`)
		require.Eventually(t, func() bool { return h.fetch.messageFetches("c1") == 2 }, time.Second, time.Millisecond)
		e := <-pushed
		assert.Equal(t, bus.KindNewMessage, e.Kind)
	})

	t.Run("conversation:updated refetches lists", func(t *testing.T) {
		before := h.fetch.listFetches()
		ch.deliver(wire.EventConversationUpdated, `{"conversationId":"c1"}`)
		require.Eventually(t, func() bool { return h.fetch.listFetches() == before+1 }, time.Second, time.Millisecond)
	})

	t.Run("message:read flips cached messages", func(t *testing.T) {
		ch.deliver(wire.EventMessageRead, `{"conversationId":"c1","userId":"reader"}`)
		msgs, ok := h.cache.Messages("c1")
		require.True(t, ok)
		assert.True(t, msgs[0].Read)
		e := <-pushed
		assert.Equal(t, bus.KindMessageRead, e.Kind)
	})

	t.Run("typing:status goes to the bus", func(t *testing.T) {
		ch.deliver(wire.EventTypingStatus, `{"conversationId":"c1","userId":"u2","isTyping":true}`)
		e := <-pushed
		assert.Equal(t, bus.KindTypingStatus, e.Kind)
		assert.Equal(t, wire.TypingSignal{ConversationID: "c1", UserID: "u2", IsTyping: true}, e.Payload)
	})
}

func TestEmitRequiresOnline(t *testing.T) {
	h := newHarness(t, &fakeChannel{})
	assert.ErrorIs(t, h.m.Emit(context.Background(), wire.EventTyping, nil), ErrNotConnected)

	h.startOnline(t)
	assert.NoError(t, h.m.Emit(context.Background(), wire.EventTyping, wire.TypingSignal{ConversationID: "c1"}))
}

func TestStopCancelsEverything(t *testing.T) {
	ch := &fakeChannel{}
	h := newHarness(t, ch)
	h.startOnline(t)
	require.NoError(t, h.m.SubscribeConversation("c1", nil))
	ch.setFail(true)
	ch.drop()

	require.NoError(t, h.m.Stop(context.Background()))
	assert.Equal(t, status.Offline, h.m.State())

	before := h.fetch.messageFetches("c1")
	h.clock.Add(5 * DefaultPollInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, h.fetch.messageFetches("c1"), "no polls after Stop")
	assert.ErrorIs(t, h.m.SubscribeConversation("c2", nil), ErrStopped)
	assert.ErrorIs(t, h.m.Start(context.Background()), ErrStopped)
}

func TestSubscribeValidation(t *testing.T) {
	h := newHarness(t, &fakeChannel{})
	assert.Error(t, h.m.SubscribeConversation("", nil))
	assert.Error(t, h.m.SubscribeUserConversationList("", model.RoleCustomer, nil))
	assert.Error(t, h.m.SubscribeUserConversationList("u1", "admin", nil))
}
