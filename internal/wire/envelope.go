package wire

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/tidwall/gjson"
)

// Push channel event names.
const (
	// client → server
	EventSubscribeConversation       = "subscribe_conversation"
	EventUnsubscribeConversation     = "unsubscribe_conversation"
	EventSubscribeConversationList   = "subscribe_conversation_list"
	EventUnsubscribeConversationList = "unsubscribe_conversation_list"
	EventTyping                      = "typing"
	EventConversationRead            = "conversation:read"
	EventMessageSend                 = "message:send"

	// server → client
	EventConnected           = "connected"
	EventNewMessage          = "new_message"
	EventConversationUpdated = "conversation:updated"
	EventTypingStatus        = "typing:status"
	EventMessageRead         = "message:read"
	EventError               = "error"
)

// Envelope is one push channel frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an outbound frame.
func Encode(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Decode parses an inbound frame. Both `{"event":…, "data":…}` objects and
// socket.io style `["event", data]` arrays are accepted.
func Decode(frame []byte) (Envelope, error) {
	if !gjson.ValidBytes(frame) {
		return Envelope{}, fmt.Errorf("invalid frame json")
	}
	r := gjson.ParseBytes(frame)
	var env Envelope
	switch {
	case r.IsArray():
		parts := r.Array()
		if len(parts) == 0 {
			return Envelope{}, fmt.Errorf("empty frame")
		}
		env.Event = parts[0].String()
		if len(parts) > 1 {
			env.Data = json.RawMessage(parts[1].Raw)
		}
	case r.IsObject():
		env.Event = firstOf(r, "event", "type").String()
		if d := firstOf(r, "data", "payload"); d.Exists() {
			env.Data = json.RawMessage(d.Raw)
		}
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("frame has no event name")
	}
	return env, nil
}

// ConversationRef is the payload of subscribe/unsubscribe and new_message frames.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
}

// ListRef is the payload of conversation-list subscribe frames.
type ListRef struct {
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
}

// TypingSignal is a typing indicator in either direction.
type TypingSignal struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	UserName       string `json:"userName,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadReceipt reports that UserID has read a conversation.
type ReadReceipt struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// SentMessage is the payload of a message:send frame, mirroring a message
// already stored over HTTP.
type SentMessage struct {
	ConversationID  string `json:"conversationId"`
	MessageID       string `json:"messageId"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	SenderID        string `json:"senderId"`
	SenderType      string `json:"senderType"`
}

// ParseConversationRef extracts the conversation (and message) id of an
// inbound new_message or conversation:updated frame.
func ParseConversationRef(data []byte) (ConversationRef, error) {
	r := gjson.ParseBytes(data)
	ref := ConversationRef{
		ConversationID: firstOf(r, slices.Concat(conversationIDKeys, []string{"message.conversationId", "message.threadId"})...).String(),
		MessageID:      firstOf(r, "messageId", "message.id", "id").String(),
	}
	if ref.ConversationID == "" {
		return ConversationRef{}, fmt.Errorf("frame has no conversation id")
	}
	return ref, nil
}

// ParseTypingSignal normalizes an inbound typing:status frame.
func ParseTypingSignal(data []byte) (TypingSignal, error) {
	r := gjson.ParseBytes(data)
	sig := TypingSignal{
		ConversationID: firstOf(r, conversationIDKeys...).String(),
		UserID:         firstOf(r, "userId", "user_id", "senderId").String(),
		UserName:       firstOf(r, "userName", "senderName", "name").String(),
		IsTyping:       firstOf(r, "isTyping", "typing").Bool(),
	}
	if sig.ConversationID == "" || sig.UserID == "" {
		return TypingSignal{}, fmt.Errorf("typing frame missing conversation or user")
	}
	return sig, nil
}

// ParseReadReceipt normalizes an inbound message:read frame.
func ParseReadReceipt(data []byte) (ReadReceipt, error) {
	r := gjson.ParseBytes(data)
	rr := ReadReceipt{
		ConversationID: firstOf(r, conversationIDKeys...).String(),
		UserID:         firstOf(r, "userId", "readerId", "readBy").String(),
	}
	if rr.ConversationID == "" {
		return ReadReceipt{}, fmt.Errorf("read frame missing conversation id")
	}
	return rr, nil
}
