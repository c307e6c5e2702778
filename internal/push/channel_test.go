package push

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/convsync/internal/wire"
)

// wsServer is a scripted push server. It greets with greeting, forwards
// frames pushed on out, and records every frame the client writes.
type wsServer struct {
	url      string
	out      chan string
	received chan wire.Envelope
	kill     chan struct{}
}

func newWSServer(t *testing.T, greeting string) *wsServer {
	t.Helper()
	s := &wsServer{
		out:      make(chan string, 8),
		received: make(chan wire.Envelope, 8),
		kill:     make(chan struct{}),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		if err := conn.Write(ctx, websocket.MessageText, []byte(greeting)); err != nil {
			return
		}
		go func() {
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					return
				}
				if env, err := wire.Decode(data); err == nil {
					s.received <- env
				}
			}
		}()
		for {
			select {
			case frame := <-s.out:
				if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
					return
				}
			case <-s.kill:
				conn.Close(websocket.StatusGoingAway, "server restart")
				return
			case <-ctx.Done():
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	s.url = srv.URL
	return s
}

func TestOpenWaitsForGreeting(t *testing.T) {
	srv := newWSServer(t, `{"event":"connected","data":{"sid":"abc"}}`)
	ch := New(Config{URL: srv.url}, nil)

	events := make(chan wire.Envelope, 4)
	require.NoError(t, ch.Open(context.Background(), func(e wire.Envelope) { events <- e }, nil))
	defer ch.Close()
	assert.True(t, ch.Connected())

	srv.out <- `{"event":"new_message","data":{"conversationId":"c1"}}`
	select {
	case e := <-events:
		assert.Equal(t, wire.EventNewMessage, e.Event)
		ref, err := wire.ParseConversationRef(e.Data)
		require.NoError(t, err)
		assert.Equal(t, "c1", ref.ConversationID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestOpenFailsOnUnexpectedGreeting(t *testing.T) {
	srv := newWSServer(t, `{"event":"error","data":{"message":"unauthorized"}}`)
	ch := New(Config{URL: srv.url}, nil)

	err := ch.Open(context.Background(), nil, nil)
	require.Error(t, err)
	assert.False(t, ch.Connected())
}

func TestOpenFailsWhenServerIsDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ch := New(Config{URL: url, HandshakeTimeout: time.Second}, nil)
	assert.Error(t, ch.Open(context.Background(), nil, nil))
}

func TestEmitReachesServer(t *testing.T) {
	srv := newWSServer(t, `{"event":"connected"}`)
	ch := New(Config{URL: srv.url}, nil)
	require.NoError(t, ch.Open(context.Background(), nil, nil))
	defer ch.Close()

	require.NoError(t, ch.Emit(context.Background(), wire.EventSubscribeConversation, wire.ConversationRef{ConversationID: "c1"}))

	select {
	case e := <-srv.received:
		assert.Equal(t, wire.EventSubscribeConversation, e.Event)
		assert.JSONEq(t, `{"conversationId":"c1"}`, string(e.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("server never got the frame")
	}
}

func TestEmitWhenClosed(t *testing.T) {
	ch := New(Config{URL: "ws://unused"}, nil)
	assert.ErrorIs(t, ch.Emit(context.Background(), wire.EventTyping, nil), ErrNotOpen)
}

func TestServerDropCallsOnClose(t *testing.T) {
	srv := newWSServer(t, `{"event":"connected"}`)
	ch := New(Config{URL: srv.url}, nil)

	closed := make(chan error, 1)
	require.NoError(t, ch.Open(context.Background(), nil, func(err error) { closed <- err }))

	close(srv.kill)
	select {
	case err := <-closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("onClose not called after server drop")
	}
	assert.False(t, ch.Connected())
	assert.ErrorIs(t, ch.Emit(context.Background(), wire.EventTyping, nil), ErrNotOpen)
}

func TestCloseDoesNotCallOnClose(t *testing.T) {
	srv := newWSServer(t, `{"event":"connected"}`)
	ch := New(Config{URL: srv.url}, nil)

	var calls int
	var mu sync.Mutex
	require.NoError(t, ch.Open(context.Background(), nil, func(error) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	require.NoError(t, ch.Close())
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
	assert.NoError(t, ch.Close(), "second Close is a no-op")
}

// fakeConn greets, then blocks reads until closed. Ping always fails.
type fakeConn struct {
	greeted bool
	done    chan struct{}
	once    sync.Once
	pings   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{}), pings: make(chan struct{}, 4)}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	if !f.greeted {
		f.greeted = true
		return websocket.MessageText, []byte(`{"event":"connected"}`), nil
	}
	select {
	case <-f.done:
		return 0, nil, errors.New("connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(context.Context, websocket.MessageType, []byte) error { return nil }

func (f *fakeConn) Close(websocket.StatusCode, string) error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) Ping(context.Context) error {
	f.pings <- struct{}{}
	return errors.New("pong timeout")
}

func TestHeartbeatFailureDropsConnection(t *testing.T) {
	mock := clock.NewMock()
	conn := newFakeConn()
	ch := New(Config{
		URL:   "ws://fake",
		Clock: mock,
		Dial: func(context.Context, string, http.Header) (Conn, error) {
			return conn, nil
		},
	}, nil)

	closed := make(chan error, 1)
	require.NoError(t, ch.Open(context.Background(), nil, func(err error) { closed <- err }))

	require.Eventually(t, func() bool {
		mock.Add(DefaultHeartbeatInterval)
		return len(conn.pings) > 0
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat failure did not drop the connection")
	}
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "wss://api.example.com/ws", websocketURL("https://api.example.com/ws"))
	assert.Equal(t, "ws://localhost:8080/ws", websocketURL("http://localhost:8080/ws"))
	assert.Equal(t, "ws://already", websocketURL("ws://already"))
}
