package api

import (
	"encoding/json"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/transport"
)

func stringField(req *structpb.Struct, name string) string {
	return strings.TrimSpace(req.GetFields()[name].GetStringValue())
}

func requireString(req *structpb.Struct, name string) (string, error) {
	v := stringField(req, name)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return v, nil
}

func boolField(req *structpb.Struct, name string, def bool) bool {
	v, ok := req.GetFields()[name]
	if !ok {
		return def
	}
	return v.GetBoolValue()
}

// stringList keeps blank entries so the bulk validator can reject them.
func stringList(req *structpb.Struct, name string) []string {
	values := req.GetFields()[name].GetListValue().GetValues()
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.GetStringValue())
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func messageMap(m model.Message) map[string]any {
	atts := make([]any, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		atts = append(atts, map[string]any{
			"id":        a.ID,
			"filename":  a.Filename,
			"size":      a.Size,
			"kind":      string(a.Kind),
			"mime_type": a.MimeType,
			"url":       a.URL,
		})
	}
	return map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"sender_role":     string(m.SenderRole),
		"sender_name":     m.SenderName,
		"body":            m.Body,
		"attachments":     atts,
		"timestamp":       formatTime(m.Timestamp),
		"read":            m.Read,
	}
}

func conversationMap(c model.Conversation) map[string]any {
	return map[string]any{
		"id":                   c.ID,
		"counterpart_name":     c.CounterpartName,
		"last_message_preview": c.LastMessagePreview,
		"last_message_at":      formatTime(c.LastMessageAt),
		"unread_count":         c.UnreadCount,
		"attachment_count":     c.AttachmentCount,
	}
}

func operationMap(op model.BulkOperation, now time.Time) map[string]any {
	out := map[string]any{
		"id":           op.ID,
		"kind":         string(op.Kind),
		"target_count": op.TargetCount,
		"created_at":   formatTime(op.CreatedAt),
		"expires_at":   formatTime(op.ExpiresAt),
		"state":        string(op.State),
		"duration_ms":  op.Duration.Milliseconds(),
		"undoable":     op.Undoable(now),
	}
	if op.UndoToken != "" {
		out["undo_token"] = op.UndoToken
	}
	return out
}

func subscriptionMap(s transport.Subscription) map[string]any {
	out := map[string]any{
		"key":  s.Key,
		"mode": string(s.Mode),
	}
	if s.ConversationID != "" {
		out["conversation_id"] = s.ConversationID
	} else {
		out["list"] = s.List.String()
	}
	return out
}

// payloadValue turns an arbitrary bus payload into something structpb accepts.
func payloadValue(p any) any {
	if p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}
