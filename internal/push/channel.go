// Package push is the websocket side of the transport: dial, wait for the
// server greeting, then pump frames to the caller until the socket dies.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/wire"
)

const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second

	readLimit = 1 << 20
)

// ErrNotOpen is returned by Emit when there is no live connection.
var ErrNotOpen = errors.New("push channel not open")

// Conn is the subset of *websocket.Conn the channel needs.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	Ping(ctx context.Context) error
}

// DialFunc opens a websocket connection.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// Config configures a Channel.
type Config struct {
	URL               string
	Header            http.Header
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	Clock             clock.Clock
	Dial              DialFunc
}

// Channel is a reusable push connection. Open may be called again after the
// previous connection ended.
type Channel struct {
	cfg Config
	log *zap.Logger

	mu   sync.Mutex
	live *session
}

type session struct {
	conn   Conn
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// New creates a channel. Nothing is dialed until Open.
func New(cfg Config, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Dial == nil {
		cfg.Dial = Dial
	}
	return &Channel{cfg: cfg, log: log}
}

// Dial is the default DialFunc.
func Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // closed by websocket.Dial
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// Open dials the server and blocks until the `connected` greeting arrives.
// After that, onEvent receives every inbound frame from a single goroutine
// and onClose is called once when the connection drops. onClose is not called
// after Close.
func (c *Channel) Open(ctx context.Context, onEvent func(wire.Envelope), onClose func(error)) error {
	c.mu.Lock()
	if c.live != nil {
		c.mu.Unlock()
		return errors.New("push channel already open")
	}
	c.mu.Unlock()

	url := websocketURL(c.cfg.URL)
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := c.cfg.Dial(hctx, url, c.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	if err := handshake(hctx, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return err
	}

	sctx, scancel := context.WithCancel(context.Background())
	s := &session{conn: conn, cancel: scancel}

	c.mu.Lock()
	if c.live != nil {
		c.mu.Unlock()
		scancel()
		conn.Close(websocket.StatusNormalClosure, "duplicate")
		return errors.New("push channel already open")
	}
	c.live = s
	c.mu.Unlock()

	c.log.Info("push channel connected", zap.String("url", url))

	go c.readLoop(sctx, s, onEvent, onClose)
	go c.heartbeatLoop(sctx, s)
	return nil
}

func handshake(ctx context.Context, conn Conn) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	env, err := wire.Decode(data)
	if err != nil {
		return fmt.Errorf("decode greeting: %w", err)
	}
	if env.Event != wire.EventConnected {
		return fmt.Errorf("expected %q greeting, got %q", wire.EventConnected, env.Event)
	}
	return nil
}

// Emit sends one frame. It fails with ErrNotOpen when disconnected.
func (c *Channel) Emit(ctx context.Context, event string, data any) error {
	c.mu.Lock()
	s := c.live
	c.mu.Unlock()
	if s == nil {
		return ErrNotOpen
	}
	frame, err := wire.Encode(event, data)
	if err != nil {
		return err
	}
	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Connected reports whether a connection is live.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live != nil
}

// Close ends the live connection, if any, without calling onClose.
func (c *Channel) Close() error {
	c.mu.Lock()
	s := c.live
	c.live = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "client closing")
}

func (c *Channel) readLoop(ctx context.Context, s *session, onEvent func(wire.Envelope), onClose func(error)) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			c.drop(s, err, onClose)
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			c.log.Debug("skipping undecodable frame", zap.Error(err))
			continue
		}
		if env.Event == wire.EventError {
			c.log.Warn("push channel error frame", zap.ByteString("data", env.Data))
			continue
		}
		if onEvent != nil {
			onEvent(env)
		}
	}
}

func (c *Channel) drop(s *session, err error, onClose func(error)) {
	s.mu.Lock()
	intentional := s.closed
	s.closed = true
	s.mu.Unlock()
	if intentional {
		return
	}

	c.mu.Lock()
	if c.live == s {
		c.live = nil
	}
	c.mu.Unlock()
	s.cancel()
	s.conn.Close(websocket.StatusGoingAway, "read failed")

	c.log.Warn("push channel dropped", zap.Error(err))
	if onClose != nil {
		onClose(err)
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context, s *session) {
	ticker := c.cfg.Clock.Ticker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.log.Warn("heartbeat failed", zap.Error(err))
				s.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func websocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
