// Package outbox queues outgoing messages locally and posts them to the
// message store in order.
package outbox

import (
	"context"
	"errors"
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
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/transport"
	"github.com/matheus3301/convsync/internal/wire"
)

// DrainInterval is how often the outbox is checked for queued messages.
const DrainInterval = 500 * time.Millisecond

// Poster posts a message to the message store.
type Poster interface {
	SendMessage(ctx context.Context, conversationID string, req httpapi.SendMessageRequest) (string, error)
}

// Refresher re-fetches a subscribed conversation after a send. Untracked
// conversations report transport.ErrNotSubscribed.
type Refresher interface {
	RefreshConversation(ctx context.Context, conversationID string) error
}

// Emitter mirrors a sent message on the push channel.
type Emitter interface {
	Emit(ctx context.Context, event string, data any) error
}

// Config identifies the sender of outgoing messages.
type Config struct {
	SenderID   string
	SenderRole model.Role
	SenderName string
	Interval   time.Duration
	Retry      *retry.Policy
}

// Result is the bus payload of message.send_ack and message.send_failed.
type Result struct {
	ClientMsgID    string
	ConversationID string
	ServerMsgID    string
	Error          string
}

// Sender drains the outbox and posts messages over HTTP.
type Sender struct {
	cfg     Config
	db      *store.DB
	poster  Poster
	refresh Refresher
	emit    Emitter
	bus     *bus.Bus
	clock   clock.Clock
	logger  *zap.Logger
	policy  retry.Policy

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a new outbox sender. refresh and emit may be nil.
func NewSender(cfg Config, db *store.DB, poster Poster, refresh Refresher, emit Emitter, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Sender {
	if cfg.Interval <= 0 {
		cfg.Interval = DrainInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := retry.Default()
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}
	return &Sender{
		cfg:     cfg,
		db:      db,
		poster:  poster,
		refresh: refresh,
		emit:    emit,
		bus:     b,
		clock:   clk,
		logger:  logger,
		policy:  policy,
	}
}

// Queue stores a message for sending and returns its client id.
func (s *Sender) Queue(ctx context.Context, conversationID, body string, attachments []string) (string, error) {
	if conversationID == "" {
		return "", errors.New("conversation id is required")
	}
	if strings.TrimSpace(body) == "" && len(attachments) == 0 {
		return "", errors.New("message needs a body or an attachment")
	}
	id := uuid.NewString()
	if err := s.db.QueueOutbox(ctx, id, conversationID, body, attachments); err != nil {
		return "", err
	}
	return id, nil
}

// Start requeues entries interrupted by a crash and begins draining.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RequeueSending(ctx); err != nil {
		s.logger.Error("failed to requeue interrupted sends", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}

	ctx, s.cancel = context.WithCancel(ctx)
	ticker := s.clock.Ticker(s.cfg.Interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.processPending(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox(ctx)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.send(ctx, entry)
	}
}

func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(ctx, entry.ClientMsgID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		return
	}

	req := httpapi.SendMessageRequest{
		SenderID:        s.cfg.SenderID,
		SenderType:      s.cfg.SenderRole,
		SenderName:      s.cfg.SenderName,
		Message:         entry.Body,
		Attachments:     entry.Attachments,
		ClientMessageID: entry.ClientMsgID,
	}
	serverMsgID, err := retry.DoValue(ctx, s.policy, func(ctx context.Context) (string, error) {
		return s.poster.SendMessage(ctx, entry.ConversationID, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			// shutting down; Start requeues it next time
			return
		}
		s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		if err := s.db.MarkOutboxFailed(context.WithoutCancel(ctx), entry.ClientMsgID, err.Error()); err != nil {
			s.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		s.publish(bus.KindSendFailed, Result{
			ClientMsgID:    entry.ClientMsgID,
			ConversationID: entry.ConversationID,
			Error:          err.Error(),
		})
		return
	}

	if err := s.db.MarkOutboxSent(context.WithoutCancel(ctx), entry.ClientMsgID, serverMsgID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID), zap.String("server_msg_id", serverMsgID))

	if s.refresh != nil {
		err := s.refresh.RefreshConversation(ctx, entry.ConversationID)
		if err != nil && !errors.Is(err, transport.ErrNotSubscribed) {
			s.logger.Warn("refresh after send failed", zap.Error(err), zap.String("conversation", entry.ConversationID))
		}
	}
	if s.emit != nil {
		err := s.emit.Emit(ctx, wire.EventMessageSend, wire.SentMessage{
			ConversationID:  entry.ConversationID,
			MessageID:       serverMsgID,
			ClientMessageID: entry.ClientMsgID,
			SenderID:        s.cfg.SenderID,
			SenderType:      string(s.cfg.SenderRole),
		})
		if err != nil && !errors.Is(err, transport.ErrNotConnected) {
			s.logger.Warn("send mirror failed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
	}

	s.publish(bus.KindSendAck, Result{
		ClientMsgID:    entry.ClientMsgID,
		ConversationID: entry.ConversationID,
		ServerMsgID:    serverMsgID,
	})
}

func (s *Sender) publish(kind string, r Result) {
	if s.bus != nil {
		s.bus.Emit(kind, r)
	}
}
