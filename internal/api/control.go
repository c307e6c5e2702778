package api

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/cache"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/transport"
)

// Transport is the subscription side of transport.Manager.
type Transport interface {
	State() status.State
	Since() time.Time
	Subscriptions() []transport.Subscription
	SubscribeConversation(conversationID string, cb cache.MessagesFunc) error
	UnsubscribeConversation(conversationID string)
	SubscribeUserConversationList(userID string, role model.Role, cb cache.ConversationsFunc) error
	UnsubscribeUserConversationList(userID string, role model.Role)
	RefreshConversation(ctx context.Context, conversationID string) error
	RefreshConversationList(ctx context.Context, userID string, role model.Role) error
}

// Cache is the read side of cache.Cache. Writes go through Transport.
type Cache interface {
	Messages(conversationID string) ([]model.Message, bool)
	Conversations(key cache.ListKey) ([]model.Conversation, bool)
}

// Signals sends typing indicators and read receipts.
type Signals interface {
	SendTypingStatus(ctx context.Context, conversationID string, isTyping bool) error
	MarkMessagesAsRead(ctx context.Context, conversationID, userID string) error
	Typing(conversationID string) []string
}

// Unread reports the last known unread count.
type Unread interface {
	Count() int
}

// Operations runs bulk mutations.
type Operations interface {
	BulkDelete(ctx context.Context, messageIDs []string, threadID, reason string) (model.BulkOperation, error)
	BulkMarkRead(ctx context.Context, messageIDs []string, isRead bool) (model.BulkOperation, error)
	UndoOperation(ctx context.Context, operationID, undoToken string) (int, error)
	Operations() []model.BulkOperation
}

// Outbox queues outgoing messages.
type Outbox interface {
	Queue(ctx context.Context, conversationID, body string, attachments []string) (string, error)
}

// Identity is the local user the daemon acts for.
type Identity struct {
	UserID string
	Role   model.Role
}

// Deps are the components behind the ControlService. Bus, Clock and Logger
// are optional.
type Deps struct {
	Profile   string
	Identity  Identity
	Transport Transport
	Cache     Cache
	Signals   Signals
	Unread    Unread
	Bulk      Operations
	Outbox    Outbox
	Bus       *bus.Bus
	Clock     clock.Clock
	Logger    *zap.Logger
}

// ControlService implements ControlServer.
type ControlService struct {
	d Deps
}

var _ ControlServer = (*ControlService)(nil)

// NewControlService creates the control service.
func NewControlService(d Deps) *ControlService {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &ControlService{d: d}
}

func (s *ControlService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	subs := s.d.Transport.Subscriptions()
	subList := make([]any, 0, len(subs))
	for _, sub := range subs {
		subList = append(subList, subscriptionMap(sub))
	}

	now := s.d.Clock.Now()
	ops := s.d.Bulk.Operations()
	opList := make([]any, 0, len(ops))
	for _, op := range ops {
		opList = append(opList, operationMap(op, now))
	}

	return toStruct(map[string]any{
		"profile":       s.d.Profile,
		"user_id":       s.d.Identity.UserID,
		"role":          string(s.d.Identity.Role),
		"state":         string(s.d.Transport.State()),
		"since":         formatTime(s.d.Transport.Since()),
		"unread":        s.d.Unread.Count(),
		"subscriptions": subList,
		"operations":    opList,
	})
}

// ListConversations subscribes to the list if needed and returns the cached
// snapshot, fetching it first when nothing is held yet.
func (s *ControlService) ListConversations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := s.listKey(req)
	if err != nil {
		return nil, err
	}
	if !s.listTracked(key) {
		if err := s.d.Transport.SubscribeUserConversationList(key.UserID, key.Role, nil); err != nil {
			return nil, toStatus(err)
		}
	}

	convs, ok := s.d.Cache.Conversations(key)
	if !ok {
		if err := s.d.Transport.RefreshConversationList(ctx, key.UserID, key.Role); err != nil {
			return nil, toStatus(err)
		}
		convs, _ = s.d.Cache.Conversations(key)
	}

	list := make([]any, 0, len(convs))
	for _, c := range convs {
		list = append(list, conversationMap(c))
	}
	return toStruct(map[string]any{
		"list":          key.String(),
		"conversations": list,
	})
}

// ListMessages is ListConversations for one conversation.
func (s *ControlService) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	if !s.conversationTracked(id) {
		if err := s.d.Transport.SubscribeConversation(id, nil); err != nil {
			return nil, toStatus(err)
		}
	}

	msgs, ok := s.d.Cache.Messages(id)
	if !ok {
		if err := s.d.Transport.RefreshConversation(ctx, id); err != nil {
			return nil, toStatus(err)
		}
		msgs, _ = s.d.Cache.Messages(id)
	}

	list := make([]any, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, messageMap(m))
	}
	return toStruct(map[string]any{
		"conversation_id": id,
		"messages":        list,
		"typing":          stringsToAny(s.d.Signals.Typing(id)),
	})
}

// Unsubscribe drops a conversation (conversation_id) or a list (user_id and
// role, defaulting to the local identity).
func (s *ControlService) Unsubscribe(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if id := stringField(req, "conversation_id"); id != "" {
		s.d.Transport.UnsubscribeConversation(id)
		return toStruct(map[string]any{"key": "conversation:" + id})
	}
	key, err := s.listKey(req)
	if err != nil {
		return nil, err
	}
	s.d.Transport.UnsubscribeUserConversationList(key.UserID, key.Role)
	return toStruct(map[string]any{"key": "list:" + key.String()})
}

func (s *ControlService) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	body := req.GetFields()["body"].GetStringValue()
	clientID, err := s.d.Outbox.Queue(ctx, id, body, stringList(req, "attachments"))
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	s.d.Logger.Debug("message queued", zap.String("conversation", id), zap.String("client_msg_id", clientID))
	return toStruct(map[string]any{
		"client_message_id": clientID,
		"accepted":          true,
	})
}

func (s *ControlService) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	if err := s.d.Signals.MarkMessagesAsRead(ctx, id, s.d.Identity.UserID); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"conversation_id": id})
}

// SetTyping sends a typing signal; "typing" defaults to true.
func (s *ControlService) SetTyping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	if err := s.d.Signals.SendTypingStatus(ctx, id, boolField(req, "typing", true)); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{
		"conversation_id": id,
		"typing":          stringsToAny(s.d.Signals.Typing(id)),
	})
}

func (s *ControlService) BulkDelete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	op, err := s.d.Bulk.BulkDelete(ctx, stringList(req, "message_ids"), stringField(req, "thread_id"), stringField(req, "reason"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(operationMap(op, s.d.Clock.Now()))
}

// BulkMarkRead marks messages read, or unread with "is_read": false.
func (s *ControlService) BulkMarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	op, err := s.d.Bulk.BulkMarkRead(ctx, stringList(req, "message_ids"), boolField(req, "is_read", true))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(operationMap(op, s.d.Clock.Now()))
}

func (s *ControlService) UndoOperation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.d.Bulk.UndoOperation(ctx, stringField(req, "operation_id"), stringField(req, "undo_token"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"restored_count": n})
}

// WatchEvents streams bus events under "namespace" (everything when empty)
// until the client goes away.
func (s *ControlService) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	if s.d.Bus == nil {
		return grpcstatus.Error(codes.Unavailable, "event bus not available")
	}
	ch, unsub := s.d.Bus.Subscribe(stringField(req, "namespace"), 256)
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case evt := <-ch:
			out, err := structpb.NewStruct(map[string]any{
				"kind":    evt.Kind,
				"at":      formatTime(evt.Timestamp),
				"payload": payloadValue(evt.Payload),
			})
			if err != nil {
				s.d.Logger.Warn("failed to encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *ControlService) listKey(req *structpb.Struct) (cache.ListKey, error) {
	key := cache.ListKey{UserID: s.d.Identity.UserID, Role: s.d.Identity.Role}
	if v := stringField(req, "user_id"); v != "" {
		key.UserID = v
	}
	if v := stringField(req, "role"); v != "" {
		key.Role = model.Role(v)
	}
	if key.UserID == "" {
		return key, grpcstatus.Error(codes.InvalidArgument, "user_id is required")
	}
	if !key.Role.Valid() {
		return key, grpcstatus.Errorf(codes.InvalidArgument, "invalid role %q", key.Role)
	}
	return key, nil
}

// Resubscribing swaps the callback, so existing subscriptions are left alone.
func (s *ControlService) listTracked(key cache.ListKey) bool {
	for _, sub := range s.d.Transport.Subscriptions() {
		if sub.ConversationID == "" && sub.List == key {
			return true
		}
	}
	return false
}

func (s *ControlService) conversationTracked(id string) bool {
	for _, sub := range s.d.Transport.Subscriptions() {
		if sub.ConversationID == id {
			return true
		}
	}
	return false
}

func stringsToAny(in []string) []any {
	out := make([]any, 0, len(in))
	for _, v := range in {
		out = append(out, v)
	}
	return out
}
