// Package unread keeps a single unread count taken from the server.
package unread

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/status"
)

const (
	DefaultPollInterval = 30 * time.Second
	fetchTimeout        = 10 * time.Second
)

// Fetcher loads the unread count.
type Fetcher interface {
	UnreadCount(ctx context.Context, userID string, role model.Role) (int, error)
}

// Counter polls the unread count and re-fetches on reconnect and on inbound
// message activity. Failures read as zero.
type Counter struct {
	fetch    Fetcher
	bus      *bus.Bus
	clock    clock.Clock
	log      *zap.Logger
	interval time.Duration

	mu        sync.Mutex
	listening bool
	value     int
	reported  bool
	warned    bool
	cb        func(int)
	userID    string
	role      model.Role

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a counter. interval 0 means DefaultPollInterval.
func New(fetch Fetcher, b *bus.Bus, clk clock.Clock, interval time.Duration, log *zap.Logger) *Counter {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Counter{fetch: fetch, bus: b, clock: clk, log: log, interval: interval}
}

// Listen fetches the count now and keeps it fresh until Stop. cb runs on the
// first result and afterwards only when the value changes.
func (c *Counter) Listen(ctx context.Context, userID string, role model.Role, cb func(int)) error {
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return errors.New("unread counter already listening")
	}
	c.listening = true
	c.cb = cb
	c.userID = userID
	c.role = role
	lctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	ticker := c.clock.Ticker(c.interval)
	c.mu.Unlock()

	kick := make(chan struct{}, 1)
	if c.bus != nil {
		for _, ns := range watchedNamespaces {
			events, unsub := c.bus.Subscribe(ns, 16)
			c.wg.Add(1)
			go c.watch(lctx, events, unsub, kick)
		}
	}

	c.Refresh(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-lctx.Done():
				return
			case <-ticker.C:
				c.Refresh(lctx)
			case <-kick:
				c.Refresh(lctx)
			}
		}
	}()
	return nil
}

var watchedNamespaces = []string{"connection.", "push.", "read."}

// watch drains one bus subscription and folds every relevant event into a
// single pending refresh. It never waits on a fetch.
func (c *Counter) watch(ctx context.Context, events <-chan bus.Event, unsub func(), kick chan<- struct{}) {
	defer c.wg.Done()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			if !refreshOn(evt) {
				continue
			}
			select {
			case kick <- struct{}{}:
			default:
			}
		}
	}
}

func refreshOn(evt bus.Event) bool {
	switch evt.Kind {
	case bus.KindStateChanged:
		change, ok := evt.Payload.(status.StatusChange)
		return ok && change.To == status.Online
	case bus.KindNewMessage, bus.KindMessageRead, bus.KindReadMarked:
		return true
	}
	return false
}

// Refresh fetches the count once.
func (c *Counter) Refresh(ctx context.Context) {
	c.mu.Lock()
	userID, role := c.userID, c.role
	c.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	n, err := c.fetch.UnreadCount(fctx, userID, role)
	if err != nil {
		n = 0
		c.mu.Lock()
		first := !c.warned
		c.warned = true
		c.mu.Unlock()
		if first {
			c.log.Warn("unread count unavailable, showing 0", zap.Error(err))
		}
	}
	c.set(max(n, 0))
}

// Count returns the last reported value.
func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Stop ends polling.
func (c *Counter) Stop(context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return nil
}

func (c *Counter) set(n int) {
	c.mu.Lock()
	if c.reported && c.value == n {
		c.mu.Unlock()
		return
	}
	c.value = n
	c.reported = true
	cb := c.cb
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Emit(bus.KindUnreadChanged, n)
	}
	if cb != nil {
		cb(n)
	}
}
