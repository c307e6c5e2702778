// Package httpapi is the REST client for the message store. Every response
// body is normalized through the wire package before it leaves this package.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/wire"
)

// CSRFHeader carries the per-session token on mutating requests.
const CSRFHeader = "X-CSRF-Token"

// Config configures a Client.
type Config struct {
	BaseURL   string
	CSRFToken string
	AuthToken string
	Timeout   time.Duration
	UserAgent string
}

// Client talks to the message store over HTTP.
type Client struct {
	r   *resty.Client
	log *zap.Logger
}

// New creates a client. A nil logger disables request logging.
func New(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	r := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		r.SetTimeout(cfg.Timeout)
	}
	if cfg.AuthToken != "" {
		r.SetAuthToken(cfg.AuthToken)
	}
	if cfg.UserAgent != "" {
		r.SetHeader("User-Agent", cfg.UserAgent)
	}
	csrf := cfg.CSRFToken
	r.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if csrf != "" && req.Method != http.MethodGet && req.Method != http.MethodHead {
			req.SetHeader(CSRFHeader, csrf)
		}
		return nil
	})
	r.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		log.Debug("http request",
			zap.String("method", resp.Request.Method),
			zap.String("url", resp.Request.URL),
			zap.Int("status", resp.StatusCode()),
			zap.Duration("took", resp.Time()),
		)
		return nil
	})
	return &Client{r: r, log: log}
}

// ListConversations fetches the conversation list for a user.
func (c *Client) ListConversations(ctx context.Context, userID string, role model.Role) ([]model.Conversation, error) {
	body, err := c.do(ctx, c.r.R().
		SetQueryParams(map[string]string{"userId": userID, "userType": string(role)}),
		http.MethodGet, "conversations")
	if err != nil {
		return nil, err
	}
	convs, err := wire.ParseConversationList(body, role)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// ListMessages fetches the authoritative message list of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	body, err := c.do(ctx, c.r.R().SetPathParam("id", conversationID), http.MethodGet, "messages/{id}")
	if err != nil {
		return nil, err
	}
	msgs, err := wire.ParseMessageList(body, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages %s: %w", conversationID, err)
	}
	return msgs, nil
}

// SendMessageRequest is the body of a message post.
type SendMessageRequest struct {
	SenderID        string     `json:"senderId"`
	SenderType      model.Role `json:"senderType"`
	SenderName      string     `json:"senderName,omitempty"`
	Message         string     `json:"message"`
	Attachments     []string   `json:"attachments,omitempty"`
	ClientMessageID string     `json:"clientMessageId,omitempty"`
}

// SendMessage posts a message and returns the server-assigned id.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (string, error) {
	body, err := c.do(ctx, c.r.R().SetPathParam("id", conversationID).SetBody(req), http.MethodPost, "messages/{id}")
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(body, "messageId").String()
	if id == "" {
		id = gjson.GetBytes(body, "id").String()
	}
	if id == "" {
		return "", fmt.Errorf("send message: response has no message id")
	}
	return id, nil
}

// MarkConversationRead marks every message in a conversation read for userID.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID, userID string) error {
	_, err := c.do(ctx, c.r.R().
		SetPathParam("id", conversationID).
		SetBody(map[string]string{"userId": userID}),
		http.MethodPost, "messages/{id}/read")
	return err
}

// UnreadCount fetches the authoritative unread count.
func (c *Client) UnreadCount(ctx context.Context, userID string, role model.Role) (int, error) {
	req := c.r.R()
	if userID != "" {
		req.SetQueryParams(map[string]string{"userId": userID, "userType": string(role)})
	}
	body, err := c.do(ctx, req, http.MethodGet, "messages/unread")
	if err != nil {
		return 0, err
	}
	n, err := wire.ParseUnreadCount(body)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

// BulkDeleteRequest is the body of a bulk delete.
type BulkDeleteRequest struct {
	MessageIDs []string `json:"messageIds"`
	ThreadID   string   `json:"threadId"`
	Reason     string   `json:"reason,omitempty"`
}

// BulkDeleteResult is a successful bulk delete.
type BulkDeleteResult struct {
	DeletedCount int
	OperationID  string
	UndoToken    string
	Duration     time.Duration
}

// BulkDelete deletes up to 100 messages in one call.
func (c *Client) BulkDelete(ctx context.Context, req BulkDeleteRequest) (BulkDeleteResult, error) {
	body, err := c.do(ctx, c.r.R().SetBody(req), http.MethodPost, "messages/bulk-delete")
	if err != nil {
		return BulkDeleteResult{}, err
	}
	r := gjson.ParseBytes(body)
	return BulkDeleteResult{
		DeletedCount: int(r.Get("deletedCount").Int()),
		OperationID:  r.Get("operationId").String(),
		UndoToken:    r.Get("undoToken").String(),
		Duration:     time.Duration(r.Get("duration").Int()) * time.Millisecond,
	}, nil
}

// BulkMarkReadRequest is the body of a bulk read-state change.
type BulkMarkReadRequest struct {
	MessageIDs []string `json:"messageIds"`
	IsRead     bool     `json:"isRead"`
}

// BulkMarkReadResult is a successful bulk read-state change.
type BulkMarkReadResult struct {
	UpdatedCount int
	OperationID  string
	Duration     time.Duration
}

// BulkMarkRead flips the read state of up to 100 messages.
func (c *Client) BulkMarkRead(ctx context.Context, req BulkMarkReadRequest) (BulkMarkReadResult, error) {
	body, err := c.do(ctx, c.r.R().SetBody(req), http.MethodPost, "messages/bulk-mark-read")
	if err != nil {
		return BulkMarkReadResult{}, err
	}
	r := gjson.ParseBytes(body)
	return BulkMarkReadResult{
		UpdatedCount: int(r.Get("updatedCount").Int()),
		OperationID:  r.Get("operationId").String(),
		Duration:     time.Duration(r.Get("duration").Int()) * time.Millisecond,
	}, nil
}

// UndoOperation redeems an undo token and returns how many messages came back.
func (c *Client) UndoOperation(ctx context.Context, operationID, undoToken string) (int, error) {
	body, err := c.do(ctx, c.r.R().
		SetPathParam("id", operationID).
		SetBody(map[string]string{"undoToken": undoToken}),
		http.MethodPost, "messages/operations/{id}/undo")
	if err != nil {
		return 0, err
	}
	return int(gjson.GetBytes(body, "restoredCount").Int()), nil
}

// do executes req and returns the body of a 2xx response. Anything else comes
// back as an *Error.
func (c *Client) do(ctx context.Context, req *resty.Request, method, path string) ([]byte, error) {
	resp, err := req.SetContext(ctx).Execute(method, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Code: CodeNetwork, Message: err.Error(), Err: err}
	}
	if resp.IsError() || resp.StatusCode() >= http.StatusMultipleChoices {
		return nil, errorFromResponse(resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}
