package httpapi

import (
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// Error codes the message store returns, plus the client-side ones.
const (
	CodeNetwork  = "NETWORK_ERROR"
	CodeInternal = "INTERNAL_ERROR"
)

// Error is a failed request. Status is 0 for network failures.
type Error struct {
	Status  int
	Code    string
	Message string
	Hint    string
	Err     error

	// server-provided retriable flag, nil when absent
	retriable *bool
}

func (e *Error) Error() string {
	switch {
	case e.Status == 0:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Code != "":
		return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
	default:
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ServerRetriable returns the server's retriable flag and whether it was sent.
func (e *Error) ServerRetriable() (retriable, ok bool) {
	if e.retriable == nil {
		return false, false
	}
	return *e.retriable, true
}

// Retriable reports whether the request may succeed if repeated. The
// server's flag wins when present.
func (e *Error) Retriable() bool {
	if v, ok := e.ServerRetriable(); ok {
		return v
	}
	if e.Status == 0 {
		return true
	}
	return RetriableStatus(e.Status)
}

// RetriableStatus reports whether a status code is worth retrying without
// any other information.
func RetriableStatus(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	}
	return false
}

func errorFromResponse(status int, body []byte) *Error {
	e := &Error{Status: status}
	if gjson.ValidBytes(body) {
		r := gjson.ParseBytes(body)
		e.Code = r.Get("code").String()
		e.Message = firstString(r, "error", "message")
		e.Hint = r.Get("hint").String()
		if f := r.Get("retriable"); f.IsBool() {
			v := f.Bool()
			e.retriable = &v
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	if e.Code == "" && status >= 500 {
		e.Code = CodeInternal
	}
	return e
}

func firstString(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := r.Get(k); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}
