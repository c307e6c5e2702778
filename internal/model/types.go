package model

import "time"

// Role identifies which side of a conversation a participant is on.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleSupplier Role = "supplier"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleSupplier
}

// Counterpart returns the opposite role.
func (r Role) Counterpart() Role {
	if r == RoleSupplier {
		return RoleCustomer
	}
	return RoleSupplier
}

// AttachmentKind is the coarse MIME classification of an attachment.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment is a file attached to a message. Never mutated after delivery.
type Attachment struct {
	ID       string
	Filename string
	Size     int64
	Kind     AttachmentKind
	MimeType string
	URL      string
}

// Message is a single message in a conversation. Only Read may change after
// the message reaches the cache.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderRole     Role
	SenderName     string
	Body           string
	Attachments    []Attachment
	Timestamp      time.Time
	Read           bool
}

// Conversation is one entry of a user's conversation list.
type Conversation struct {
	ID                 string
	CounterpartName    string
	LastMessagePreview string
	LastMessageAt      time.Time
	UnreadCount        int
	AttachmentCount    int
}

// CloneMessages returns a deep copy of msgs so callers can't alias cached state.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.Attachments != nil {
			out[i].Attachments = append([]Attachment(nil), m.Attachments...)
		}
	}
	return out
}

// CloneConversations returns a copy of convs.
func CloneConversations(convs []Conversation) []Conversation {
	if convs == nil {
		return nil
	}
	return append([]Conversation(nil), convs...)
}
