// Package cache holds the last-known message and conversation lists and is
// the only path from the transport to subscriber callbacks. A full list
// always replaces the cached one; the most recent arrival wins.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
)

// MessagesFunc receives a conversation's full message list.
type MessagesFunc func(conversationID string, msgs []model.Message)

// ConversationsFunc receives a user's full conversation list.
type ConversationsFunc func(key ListKey, convs []model.Conversation)

// ListKey identifies a conversation list subscription.
type ListKey struct {
	UserID string
	Role   model.Role
}

func (k ListKey) String() string { return string(k.Role) + ":" + k.UserID }

// ParseListKey is the inverse of ListKey.String.
func ParseListKey(s string) (ListKey, error) {
	role, user, ok := strings.Cut(s, ":")
	k := ListKey{UserID: user, Role: model.Role(role)}
	if !ok || user == "" || !k.Role.Valid() {
		return ListKey{}, fmt.Errorf("invalid list key %q", s)
	}
	return k, nil
}

// Fetcher loads authoritative lists from the message store.
type Fetcher interface {
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	ListConversations(ctx context.Context, userID string, role model.Role) ([]model.Conversation, error)
}

// MessagesReplaced is the bus payload for KindMessagesReplaced.
type MessagesReplaced struct {
	ConversationID string
	Messages       []model.Message
}

// ConversationsReplaced is the bus payload for KindConversationsReplaced.
type ConversationsReplaced struct {
	Key           ListKey
	Conversations []model.Conversation
}

type convEntry struct {
	cb         MessagesFunc
	registered bool
	msgs       []model.Message
	loaded     bool
}

type listEntry struct {
	cb         ConversationsFunc
	registered bool
	convs      []model.Conversation
	loaded     bool
}

// Cache is safe for concurrent use. Callbacks run one at a time, in the
// order their lists were stored, and must not call Replace* or Refresh*.
type Cache struct {
	fetch Fetcher
	bus   *bus.Bus
	log   *zap.Logger

	deliverMu sync.Mutex

	mu    sync.Mutex
	convs map[string]*convEntry
	lists map[ListKey]*listEntry
}

// New creates an empty cache.
func New(fetch Fetcher, b *bus.Bus, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		fetch: fetch,
		bus:   b,
		log:   log,
		convs: make(map[string]*convEntry),
		lists: make(map[ListKey]*listEntry),
	}
}

// Register sets the callback for a conversation. Re-registering swaps the
// callback. If a snapshot is already held it is delivered right away.
func (c *Cache) Register(conversationID string, cb MessagesFunc) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	e := c.convs[conversationID]
	if e == nil {
		e = &convEntry{}
		c.convs[conversationID] = e
	}
	e.cb = cb
	e.registered = true
	replay := e.loaded
	msgs := model.CloneMessages(e.msgs)
	c.mu.Unlock()

	if replay && cb != nil {
		cb(conversationID, msgs)
	}
}

// Unregister drops the callback and the cached list. Late deliveries for the
// conversation are ignored.
func (c *Cache) Unregister(conversationID string) {
	c.mu.Lock()
	delete(c.convs, conversationID)
	c.mu.Unlock()
}

// RegisterList is Register for a conversation list.
func (c *Cache) RegisterList(key ListKey, cb ConversationsFunc) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	e := c.lists[key]
	if e == nil {
		e = &listEntry{}
		c.lists[key] = e
	}
	e.cb = cb
	e.registered = true
	replay := e.loaded
	convs := model.CloneConversations(e.convs)
	c.mu.Unlock()

	if replay && cb != nil {
		cb(key, convs)
	}
}

// UnregisterList is Unregister for a conversation list.
func (c *Cache) UnregisterList(key ListKey) {
	c.mu.Lock()
	delete(c.lists, key)
	c.mu.Unlock()
}

// Prime seeds a conversation with a stored snapshot without notifying
// anyone. A later Register replays it; a real fetch replaces it.
func (c *Cache) Prime(conversationID string, msgs []model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.convs[conversationID]
	if e == nil {
		e = &convEntry{}
		c.convs[conversationID] = e
	}
	if !e.loaded {
		e.msgs = model.CloneMessages(msgs)
		e.loaded = true
	}
}

// PrimeList is Prime for a conversation list.
func (c *Cache) PrimeList(key ListKey, convs []model.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lists[key]
	if e == nil {
		e = &listEntry{}
		c.lists[key] = e
	}
	if !e.loaded {
		e.convs = model.CloneConversations(convs)
		e.loaded = true
	}
}

// ReplaceMessages stores msgs as the conversation's list and notifies its
// subscriber. It reports false if nobody is subscribed.
func (c *Cache) ReplaceMessages(conversationID string, msgs []model.Message) bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	return c.replaceMessages(conversationID, msgs)
}

// replaceMessages requires deliverMu.
func (c *Cache) replaceMessages(conversationID string, msgs []model.Message) bool {
	c.mu.Lock()
	e := c.convs[conversationID]
	if e == nil || !e.registered {
		c.mu.Unlock()
		c.log.Debug("dropping messages for unsubscribed conversation", zap.String("conversation", conversationID))
		return false
	}
	e.msgs = model.CloneMessages(msgs)
	e.loaded = true
	cb := e.cb
	c.mu.Unlock()

	c.publish(bus.KindMessagesReplaced, MessagesReplaced{ConversationID: conversationID, Messages: model.CloneMessages(msgs)})
	if cb != nil {
		cb(conversationID, model.CloneMessages(msgs))
	}
	return true
}

// ReplaceConversations is ReplaceMessages for a conversation list.
func (c *Cache) ReplaceConversations(key ListKey, convs []model.Conversation) bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	e := c.lists[key]
	if e == nil || !e.registered {
		c.mu.Unlock()
		c.log.Debug("dropping conversations for unsubscribed list", zap.Stringer("list", key))
		return false
	}
	e.convs = model.CloneConversations(convs)
	e.loaded = true
	cb := e.cb
	c.mu.Unlock()

	c.publish(bus.KindConversationsReplaced, ConversationsReplaced{Key: key, Conversations: model.CloneConversations(convs)})
	if cb != nil {
		cb(key, model.CloneConversations(convs))
	}
	return true
}

// RefreshMessages fetches the authoritative list and replaces the cached one.
func (c *Cache) RefreshMessages(ctx context.Context, conversationID string) error {
	msgs, err := c.fetch.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("refresh messages %s: %w", conversationID, err)
	}
	c.ReplaceMessages(conversationID, msgs)
	return nil
}

// RefreshConversations fetches the authoritative conversation list.
func (c *Cache) RefreshConversations(ctx context.Context, key ListKey) error {
	convs, err := c.fetch.ListConversations(ctx, key.UserID, key.Role)
	if err != nil {
		return fmt.Errorf("refresh conversations %s: %w", key, err)
	}
	c.ReplaceConversations(key, convs)
	return nil
}

// HandleNewMessage reacts to a single pushed message by re-fetching the whole
// conversation. Nothing is appended locally.
func (c *Cache) HandleNewMessage(ctx context.Context, conversationID string) error {
	if !c.Subscribed(conversationID) {
		return nil
	}
	return c.RefreshMessages(ctx, conversationID)
}

// ApplyReadReceipt marks every message not sent by readerID as read and
// notifies the subscriber if anything changed.
func (c *Cache) ApplyReadReceipt(conversationID, readerID string) bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	e := c.convs[conversationID]
	if e == nil || !e.registered || !e.loaded {
		c.mu.Unlock()
		return false
	}
	msgs := model.CloneMessages(e.msgs)
	c.mu.Unlock()

	changed := false
	for i := range msgs {
		if !msgs[i].Read && (readerID == "" || msgs[i].SenderID != readerID) {
			msgs[i].Read = true
			changed = true
		}
	}
	if !changed {
		return false
	}
	return c.replaceMessages(conversationID, msgs)
}

// Messages returns a copy of the cached list for a conversation.
func (c *Cache) Messages(conversationID string) ([]model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.convs[conversationID]
	if e == nil || !e.loaded {
		return nil, false
	}
	return model.CloneMessages(e.msgs), true
}

// Conversations returns a copy of the cached conversation list.
func (c *Cache) Conversations(key ListKey) ([]model.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lists[key]
	if e == nil || !e.loaded {
		return nil, false
	}
	return model.CloneConversations(e.convs), true
}

// Subscribed reports whether a conversation has a registered callback.
func (c *Cache) Subscribed(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.convs[conversationID]
	return e != nil && e.registered
}

func (c *Cache) publish(kind string, payload any) {
	if c.bus != nil {
		c.bus.Emit(kind, payload)
	}
}
