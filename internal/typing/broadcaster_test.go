package typing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/transport"
	"github.com/matheus3301/convsync/internal/wire"
)

type sent struct {
	event string
	data  any
}

type fakeEmitter struct {
	mu   sync.Mutex
	err  error
	sent []sent
}

func (f *fakeEmitter) Emit(_ context.Context, event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{event, data})
	return nil
}

// typingFlags returns the isTyping value of every typing frame sent.
func (f *fakeEmitter) typingFlags() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bool
	for _, s := range f.sent {
		if s.event == wire.EventTyping {
			out = append(out, s.data.(wire.TypingSignal).IsTyping)
		}
	}
	return out
}

func (f *fakeEmitter) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.event == event {
			n++
		}
	}
	return n
}

type fakeReads struct {
	err   error
	calls []string
}

func (f *fakeReads) MarkConversationRead(_ context.Context, conversationID, userID string) error {
	f.calls = append(f.calls, conversationID+"/"+userID)
	return f.err
}

func newTestBroadcaster(t *testing.T) (*Broadcaster, *fakeEmitter, *fakeReads, *bus.Bus, *clock.Mock) {
	t.Helper()
	em := &fakeEmitter{}
	reads := &fakeReads{}
	b := bus.New()
	mock := clock.NewMock()
	br := New(Config{UserID: "me", UserName: "Me"}, em, reads, b, mock, nil)
	require.NoError(t, br.Start(context.Background()))
	t.Cleanup(func() { _ = br.Stop(context.Background()) })
	return br, em, reads, b, mock
}

func TestTypingAutoStopsAfterExpiry(t *testing.T) {
	br, em, _, _, mock := newTestBroadcaster(t)

	require.NoError(t, br.SendTypingStatus(context.Background(), "c1", true))
	assert.True(t, br.LocalTyping("c1"))
	assert.Equal(t, []bool{true}, em.typingFlags())

	mock.Add(DefaultExpiry)
	require.Eventually(t, func() bool {
		flags := em.typingFlags()
		return len(flags) == 2 && !flags[1]
	}, time.Second, time.Millisecond)
	assert.False(t, br.LocalTyping("c1"))
}

func TestTypingRefreshExtendsWindow(t *testing.T) {
	br, em, _, _, mock := newTestBroadcaster(t)
	ctx := context.Background()

	require.NoError(t, br.SendTypingStatus(ctx, "c1", true))
	mock.Add(2 * time.Second)
	require.NoError(t, br.SendTypingStatus(ctx, "c1", true))
	mock.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, []bool{true, true}, em.typingFlags(), "first timer must not fire after refresh")
	assert.True(t, br.LocalTyping("c1"))

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return len(em.typingFlags()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []bool{true, true, false}, em.typingFlags())
}

func TestExplicitStopCancelsTimer(t *testing.T) {
	br, em, _, _, mock := newTestBroadcaster(t)
	ctx := context.Background()

	require.NoError(t, br.SendTypingStatus(ctx, "c1", true))
	require.NoError(t, br.SendTypingStatus(ctx, "c1", false))
	mock.Add(2 * DefaultExpiry)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, []bool{true, false}, em.typingFlags())
	assert.False(t, br.LocalTyping("c1"))
}

func TestTypingOfflineReturnsError(t *testing.T) {
	br, em, _, _, _ := newTestBroadcaster(t)
	em.err = transport.ErrNotConnected

	err := br.SendTypingStatus(context.Background(), "c1", true)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Error(t, br.SendTypingStatus(context.Background(), "", true))
}

func TestRemoteTypingExpires(t *testing.T) {
	br, _, _, b, mock := newTestBroadcaster(t)
	changes, unsub := b.Subscribe("typing.", 8)
	defer unsub()

	b.Emit(bus.KindTypingStatus, wire.TypingSignal{ConversationID: "c1", UserID: "u2", IsTyping: true})
	require.Eventually(t, func() bool { return len(br.Typing("c1")) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"u2"}, br.Typing("c1"))

	mock.Add(DefaultExpiry)
	require.Eventually(t, func() bool { return len(br.Typing("c1")) == 0 }, time.Second, time.Millisecond)

	var got []Changed
	for len(got) < 2 {
		select {
		case e := <-changes:
			got = append(got, e.Payload.(Changed))
		case <-time.After(time.Second):
			t.Fatal("missing typing.changed events")
		}
	}
	assert.Equal(t, []string{"u2"}, got[0].Users)
	assert.Empty(t, got[1].Users)
}

func TestRemoteStopSignalClearsImmediately(t *testing.T) {
	br, _, _, b, _ := newTestBroadcaster(t)

	b.Emit(bus.KindTypingStatus, wire.TypingSignal{ConversationID: "c1", UserID: "u2", IsTyping: true})
	require.Eventually(t, func() bool { return len(br.Typing("c1")) == 1 }, time.Second, time.Millisecond)

	b.Emit(bus.KindTypingStatus, wire.TypingSignal{ConversationID: "c1", UserID: "u2", IsTyping: false})
	require.Eventually(t, func() bool { return len(br.Typing("c1")) == 0 }, time.Second, time.Millisecond)
}

func TestOwnEchoIsIgnored(t *testing.T) {
	br, _, _, b, _ := newTestBroadcaster(t)

	b.Emit(bus.KindTypingStatus, wire.TypingSignal{ConversationID: "c1", UserID: "me", IsTyping: true})
	b.Emit(bus.KindTypingStatus, wire.TypingSignal{ConversationID: "c1", UserID: "u3", IsTyping: true})
	require.Eventually(t, func() bool { return len(br.Typing("c1")) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"u3"}, br.Typing("c1"))
}

func TestUnsubscribeForgetsConversation(t *testing.T) {
	br, em, _, b, mock := newTestBroadcaster(t)

	require.NoError(t, br.SendTypingStatus(context.Background(), "c1", true))
	b.Emit(bus.KindTypingStatus, wire.TypingSignal{ConversationID: "c1", UserID: "u2", IsTyping: true})
	require.Eventually(t, func() bool { return len(br.Typing("c1")) == 1 }, time.Second, time.Millisecond)

	b.Emit(bus.KindSubscriptionRemoved, transport.Subscription{ConversationID: "c1"})
	require.Eventually(t, func() bool { return !br.LocalTyping("c1") && len(br.Typing("c1")) == 0 }, time.Second, time.Millisecond)

	mock.Add(DefaultExpiry)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []bool{true}, em.typingFlags(), "cancelled timer never emits")
}

func TestMarkMessagesAsRead(t *testing.T) {
	br, em, reads, b, _ := newTestBroadcaster(t)
	marked, unsub := b.Subscribe("read.", 1)
	defer unsub()

	require.NoError(t, br.MarkMessagesAsRead(context.Background(), "c1", ""))
	assert.Equal(t, []string{"c1/me"}, reads.calls)
	assert.Equal(t, 1, em.count(wire.EventConversationRead))
	assert.Equal(t, bus.KindReadMarked, (<-marked).Kind)
}

func TestMarkMessagesAsReadHTTPFailure(t *testing.T) {
	br, em, reads, _, _ := newTestBroadcaster(t)
	reads.err = errors.New("503")

	assert.Error(t, br.MarkMessagesAsRead(context.Background(), "c1", "u1"))
	assert.Zero(t, em.count(wire.EventConversationRead), "nothing mirrored when HTTP fails")
}

func TestMarkMessagesAsReadOffline(t *testing.T) {
	br, em, _, _, _ := newTestBroadcaster(t)
	em.err = transport.ErrNotConnected

	assert.NoError(t, br.MarkMessagesAsRead(context.Background(), "c1", "u1"))
}
