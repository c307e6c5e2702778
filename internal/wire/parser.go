package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/convsync/internal/model"
	"github.com/tidwall/gjson"
)

// The message store has shipped several payload shapes over time. Every
// accepted alias is listed here and nowhere else.
var (
	messageIDKeys      = []string{"id", "_id", "messageId"}
	conversationIDKeys = []string{"conversationId", "threadId", "conversation_id", "thread_id"}
	senderIDKeys       = []string{"senderId", "sender_id", "from", "sender.id"}
	senderRoleKeys     = []string{"senderType", "senderRole", "sender_type", "role", "sender.type"}
	senderNameKeys     = []string{"senderName", "sender_name", "sender.name", "fromName"}
	bodyKeys           = []string{"message", "content", "body", "text"}
	timestampKeys      = []string{"timestamp", "createdAt", "created_at", "sentAt"}
	readKeys           = []string{"isRead", "read", "is_read"}

	attachmentIDKeys   = []string{"id", "_id"}
	attachmentNameKeys = []string{"filename", "fileName", "originalName", "name"}
	attachmentSizeKeys = []string{"size", "fileSize", "bytes"}
	attachmentMimeKeys = []string{"mimeType", "mimetype", "contentType"}
	attachmentURLKeys  = []string{"url", "storageUrl", "downloadUrl", "path"}

	conversationKeys     = []string{"id", "threadId", "conversationId", "_id"}
	counterpartKeys      = []string{"counterpartName", "otherPartyName", "participantName", "name", "title"}
	supplierNameKeys     = []string{"supplierName", "businessName", "supplier.name"}
	customerNameKeys     = []string{"customerName", "customer.name"}
	previewKeys          = []string{"lastMessagePreview", "lastMessage.message", "lastMessage.content", "lastMessage", "preview"}
	lastMessageAtKeys    = []string{"lastMessageTime", "lastMessageAt", "lastMessage.timestamp", "lastMessage.createdAt", "updatedAt"}
	unreadKeys           = []string{"unreadCount", "unread", "unread_count"}
	attachmentCountKeys  = []string{"attachmentCount", "attachmentsCount", "attachment_count"}
	messageListKeys      = []string{"messages", "data.messages", "data"}
	conversationListKeys = []string{"conversations", "threads", "data.conversations", "data"}
)

// ParseMessage normalizes one raw message. defaultConversationID fills the
// conversation id when the payload omits it (per-conversation fetches do).
func ParseMessage(raw []byte, defaultConversationID string) (model.Message, error) {
	if !gjson.ValidBytes(raw) {
		return model.Message{}, fmt.Errorf("invalid message json")
	}
	msg, ok := messageFromResult(gjson.ParseBytes(raw), defaultConversationID)
	if !ok {
		return model.Message{}, fmt.Errorf("message missing id or content")
	}
	return msg, nil
}

// ParseMessageList accepts `{messages: [...]}` or a bare array. Malformed
// entries are skipped; only an unreadable document is an error.
func ParseMessageList(raw []byte, conversationID string) ([]model.Message, error) {
	list, err := listResult(raw, messageListKeys)
	if err != nil {
		return nil, err
	}
	msgs := make([]model.Message, 0, len(list))
	for _, item := range list {
		if m, ok := messageFromResult(item, conversationID); ok {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

// ParseConversationList accepts `{conversations: [...]}`, `{threads: [...]}`
// or a bare array. viewer picks which party's name is the counterpart.
func ParseConversationList(raw []byte, viewer model.Role) ([]model.Conversation, error) {
	list, err := listResult(raw, conversationListKeys)
	if err != nil {
		return nil, err
	}
	convs := make([]model.Conversation, 0, len(list))
	for _, item := range list {
		if c, ok := conversationFromResult(item, viewer); ok {
			convs = append(convs, c)
		}
	}
	return convs, nil
}

// ParseUnreadCount reads `{count: n}` (or `unreadCount`, or a bare number),
// clamped at zero.
func ParseUnreadCount(raw []byte) (int, error) {
	if !gjson.ValidBytes(raw) {
		return 0, fmt.Errorf("invalid unread count json")
	}
	r := gjson.ParseBytes(raw)
	v := r
	if r.IsObject() {
		v = firstOf(r, "count", "unreadCount", "total")
	}
	if v.Type != gjson.Number {
		return 0, fmt.Errorf("unread count is not a number")
	}
	return clampCount(v.Int()), nil
}

// ErrNoList reports a well-formed body without a recognised list. Callers
// keep their previous state instead of treating it as an empty list.
var ErrNoList = errors.New("response carries no list")

func listResult(raw []byte, keys []string) ([]gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid list json")
	}
	r := gjson.ParseBytes(raw)
	if r.IsArray() {
		return r.Array(), nil
	}
	for _, k := range keys {
		if v := r.Get(k); v.IsArray() {
			return v.Array(), nil
		}
	}
	return nil, fmt.Errorf("%w: none of %s present", ErrNoList, strings.Join(keys, ", "))
}

func messageFromResult(r gjson.Result, defaultConversationID string) (model.Message, bool) {
	if !r.IsObject() {
		return model.Message{}, false
	}
	msg := model.Message{
		ID:             firstOf(r, messageIDKeys...).String(),
		ConversationID: firstOf(r, conversationIDKeys...).String(),
		SenderID:       firstOf(r, senderIDKeys...).String(),
		SenderRole:     parseRole(firstOf(r, senderRoleKeys...).String()),
		SenderName:     firstOf(r, senderNameKeys...).String(),
		Body:           firstOf(r, bodyKeys...).String(),
		Timestamp:      parseTime(firstOf(r, timestampKeys...)),
		Read:           parseRead(r),
	}
	if msg.ConversationID == "" {
		msg.ConversationID = defaultConversationID
	}
	for i, a := range r.Get("attachments").Array() {
		msg.Attachments = append(msg.Attachments, attachmentFromResult(a, msg.ID, i))
	}
	if msg.ID == "" || (msg.Body == "" && len(msg.Attachments) == 0) {
		return model.Message{}, false
	}
	return msg, true
}

func attachmentFromResult(r gjson.Result, msgID string, idx int) model.Attachment {
	if r.Type == gjson.String {
		// Legacy payloads carry bare URLs.
		return model.Attachment{
			ID:       fmt.Sprintf("%s-att-%d", msgID, idx),
			Filename: fileNameFromURL(r.Str),
			Kind:     kindFromName(r.Str, ""),
			URL:      r.Str,
		}
	}
	a := model.Attachment{
		ID:       firstOf(r, attachmentIDKeys...).String(),
		Filename: firstOf(r, attachmentNameKeys...).String(),
		Size:     firstOf(r, attachmentSizeKeys...).Int(),
		MimeType: firstOf(r, attachmentMimeKeys...).String(),
		URL:      firstOf(r, attachmentURLKeys...).String(),
	}
	if a.ID == "" {
		a.ID = fmt.Sprintf("%s-att-%d", msgID, idx)
	}
	if a.Filename == "" {
		a.Filename = fileNameFromURL(a.URL)
	}
	a.Kind = kindFromName(a.Filename, a.MimeType)
	if t := r.Get("type").String(); t == string(model.AttachmentImage) {
		a.Kind = model.AttachmentImage
	} else if t != "" && a.MimeType == "" && strings.Contains(t, "/") {
		a.MimeType = t
		a.Kind = kindFromName(a.Filename, t)
	}
	return a
}

func conversationFromResult(r gjson.Result, viewer model.Role) (model.Conversation, bool) {
	if !r.IsObject() {
		return model.Conversation{}, false
	}
	c := model.Conversation{
		ID:                 firstOf(r, conversationKeys...).String(),
		LastMessagePreview: firstOf(r, previewKeys...).String(),
		LastMessageAt:      parseTime(firstOf(r, lastMessageAtKeys...)),
		UnreadCount:        clampCount(firstOf(r, unreadKeys...).Int()),
		AttachmentCount:    clampCount(firstOf(r, attachmentCountKeys...).Int()),
	}
	if c.ID == "" {
		return model.Conversation{}, false
	}
	// lastMessage may be an object without a usable text field.
	if strings.HasPrefix(c.LastMessagePreview, "{") {
		c.LastMessagePreview = ""
	}
	switch viewer {
	case model.RoleCustomer:
		c.CounterpartName = firstOf(r, supplierNameKeys...).String()
	case model.RoleSupplier:
		c.CounterpartName = firstOf(r, customerNameKeys...).String()
	}
	if c.CounterpartName == "" {
		c.CounterpartName = firstOf(r, counterpartKeys...).String()
	}
	return c, true
}

// firstOf returns the first path that holds a non-null, non-empty value.
func firstOf(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		v := r.Get(p)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if v.Type == gjson.String && v.Str == "" {
			continue
		}
		return v
	}
	return gjson.Result{}
}

func parseRole(s string) model.Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "supplier", "vendor", "business":
		return model.RoleSupplier
	case "customer", "client", "user":
		return model.RoleCustomer
	}
	return ""
}

func parseRead(r gjson.Result) bool {
	if v := firstOf(r, readKeys...); v.Exists() {
		return v.Bool()
	}
	return firstOf(r, "readAt").Exists()
}

// parseTime accepts RFC 3339 strings, unix seconds or milliseconds (numbers or
// numeric strings) and Firestore-style {seconds|_seconds, nanoseconds} objects.
func parseTime(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		return fromUnix(v.Int())
	case gjson.String:
		if n, err := strconv.ParseInt(v.Str, 10, 64); err == nil {
			return fromUnix(n)
		}
		if t, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
			return t.UTC()
		}
	case gjson.JSON:
		if v.IsObject() {
			secs := firstOf(v, "seconds", "_seconds")
			if secs.Exists() {
				nanos := firstOf(v, "nanoseconds", "_nanoseconds").Int()
				return time.Unix(secs.Int(), nanos).UTC()
			}
		}
	}
	return time.Time{}
}

func fromUnix(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	// Anything past year 33658 in seconds is really milliseconds.
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func kindFromName(name, mime string) model.AttachmentKind {
	if strings.HasPrefix(strings.ToLower(mime), "image/") {
		return model.AttachmentImage
	}
	lower := strings.ToLower(name)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic"} {
		if strings.HasSuffix(lower, ext) {
			return model.AttachmentImage
		}
	}
	return model.AttachmentDocument
}

func fileNameFromURL(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if i := strings.LastIndex(u, "/"); i >= 0 {
		return u[i+1:]
	}
	return u
}

func clampCount(n int64) int {
	if n < 0 {
		return 0
	}
	return int(n)
}
