package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/convsync/internal/model"
)

const (
	messagesPrefix      = "snapshot.messages."
	conversationsPrefix = "snapshot.conversations."
)

// ReplaceMessages stores msgs as the full snapshot of a conversation,
// dropping whatever was stored before.
func (db *DB) ReplaceMessages(ctx context.Context, conversationID string, msgs []model.Message) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for i, m := range msgs {
		atts, err := json.Marshal(attachmentsOrEmpty(m.Attachments))
		if err != nil {
			return fmt.Errorf("encode attachments: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, id, position, sender_id, sender_role, sender_name, body, attachments, timestamp, is_read)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, id) DO UPDATE SET
				position = excluded.position,
				is_read = excluded.is_read`,
			conversationID, m.ID, i, m.SenderID, string(m.SenderRole), m.SenderName, m.Body, string(atts), millis(m.Timestamp), m.Read); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	if err := setState(ctx, tx, messagesPrefix+conversationID, fmt.Sprint(len(msgs))); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadMessages returns the stored snapshot of a conversation. ok is false
// when no snapshot was ever stored; an empty snapshot is ok.
func (db *DB) LoadMessages(ctx context.Context, conversationID string) (msgs []model.Message, ok bool, err error) {
	if _, ok, err = db.State(ctx, messagesPrefix+conversationID); err != nil || !ok {
		return nil, ok, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, sender_id, sender_role, sender_name, body, attachments, timestamp, is_read
		FROM messages
		WHERE conversation_id = ?
		ORDER BY position ASC`, conversationID)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()

	msgs = []model.Message{}
	for rows.Next() {
		var (
			m    model.Message
			role string
			atts string
			ts   int64
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &role, &m.SenderName, &m.Body, &atts, &ts, &m.Read); err != nil {
			return nil, false, err
		}
		m.ConversationID = conversationID
		m.SenderRole = model.Role(role)
		m.Timestamp = fromMillis(ts)
		if err := json.Unmarshal([]byte(atts), &m.Attachments); err != nil {
			return nil, false, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
		}
		if len(m.Attachments) == 0 {
			m.Attachments = nil
		}
		msgs = append(msgs, m)
	}
	return msgs, true, rows.Err()
}

// ReplaceConversations stores convs as the full conversation list of key.
func (db *DB) ReplaceConversations(ctx context.Context, key string, convs []model.Conversation) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE list_key = ?`, key); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	for i, c := range convs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (list_key, id, position, counterpart_name, last_message_preview, last_message_at, unread_count, attachment_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(list_key, id) DO UPDATE SET position = excluded.position`,
			key, c.ID, i, c.CounterpartName, c.LastMessagePreview, millis(c.LastMessageAt), c.UnreadCount, c.AttachmentCount); err != nil {
			return fmt.Errorf("insert conversation %s: %w", c.ID, err)
		}
	}
	if err := setState(ctx, tx, conversationsPrefix+key, fmt.Sprint(len(convs))); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadConversations returns the stored list for key.
func (db *DB) LoadConversations(ctx context.Context, key string) (convs []model.Conversation, ok bool, err error) {
	if _, ok, err = db.State(ctx, conversationsPrefix+key); err != nil || !ok {
		return nil, ok, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, counterpart_name, last_message_preview, last_message_at, unread_count, attachment_count
		FROM conversations
		WHERE list_key = ?
		ORDER BY position ASC`, key)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()

	convs = []model.Conversation{}
	for rows.Next() {
		var (
			c  model.Conversation
			ts int64
		)
		if err := rows.Scan(&c.ID, &c.CounterpartName, &c.LastMessagePreview, &ts, &c.UnreadCount, &c.AttachmentCount); err != nil {
			return nil, false, err
		}
		c.LastMessageAt = fromMillis(ts)
		convs = append(convs, c)
	}
	return convs, true, rows.Err()
}

// SnapshotKeys lists the conversation ids and list keys that have a stored
// snapshot.
func (db *DB) SnapshotKeys(ctx context.Context) (conversations, lists []string, err error) {
	rows, err := db.QueryContext(ctx, `SELECT key FROM sync_state WHERE key LIKE 'snapshot.%' ORDER BY key`)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, nil, err
		}
		switch {
		case strings.HasPrefix(key, messagesPrefix):
			conversations = append(conversations, strings.TrimPrefix(key, messagesPrefix))
		case strings.HasPrefix(key, conversationsPrefix):
			lists = append(lists, strings.TrimPrefix(key, conversationsPrefix))
		}
	}
	return conversations, lists, rows.Err()
}

// SetState upserts a sync_state value.
func (db *DB) SetState(ctx context.Context, key, value string) error {
	return setState(ctx, db.DB, key, value)
}

// State returns a sync_state value.
func (db *DB) State(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setState(ctx context.Context, ex execer, key, value string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

func attachmentsOrEmpty(a []model.Attachment) []model.Attachment {
	if a == nil {
		return []model.Attachment{}
	}
	return a
}
