package daemon

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/profile"
)

// messageStore fakes the HTTP side of the message store. The push endpoint
// is missing, so the daemon runs on polling.
func messageStore(t *testing.T, sent *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/conversations":
			_, _ = io.WriteString(w, `{"conversations":[{"id":"c1","supplierName":"Acme","unreadCount":1}]}`)
		case r.URL.Path == "/messages/unread":
			_, _ = io.WriteString(w, `{"count":4}`)
		case r.URL.Path == "/messages/c1" && r.Method == http.MethodGet:
			_, _ = io.WriteString(w, `{"messages":[{"id":"m1","senderId":"u2","senderType":"supplier","message":"hi"}]}`)
		case r.URL.Path == "/messages/c1" && r.Method == http.MethodPost:
			sent.Add(1)
			_, _ = io.WriteString(w, `{"messageId":"srv-1"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"not found"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testProfile(baseURL string) *config.Profile {
	return &config.Profile{
		Server:   config.Server{BaseURL: baseURL, RequestTimeout: 2 * time.Second},
		Identity: config.Identity{UserID: "u1", UserName: "Ana", Role: model.RoleCustomer},
		Sync: config.Sync{
			PollInterval:         50 * time.Millisecond,
			ReconnectDelay:       10 * time.Millisecond,
			MaxReconnectAttempts: 1,
		},
	}
}

// testHome points the profile tree at a short temp dir (Unix socket paths
// are limited to ~104 chars on macOS).
func testHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "convsync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(profile.HomeEnv, dir)
	return dir
}

func eventually(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestDaemonLifecycle(t *testing.T) {
	home := testHome(t)
	var sent atomic.Int32
	store := messageStore(t, &sent)

	socketPath := filepath.Join(home, "d.sock")
	app := fxtest.New(t,
		Module(Params{ProfileName: "test", SocketPath: socketPath, Profile: testProfile(store.URL)}),
		fx.NopLogger,
	)
	app.RequireStart()

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket mode = %o, want 0600", perm)
	}

	c, err := api.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eventually(t, "unread count", func() bool {
		resp, err := c.Call(ctx, api.MethodGetStatus, nil)
		return err == nil && resp["unread"] == float64(4)
	})

	resp, err := c.Call(ctx, api.MethodGetStatus, nil)
	if err != nil {
		t.Fatalf("GetStatus error = %v", err)
	}
	if resp["profile"] != "test" || resp["user_id"] != "u1" {
		t.Errorf("status = %v", resp)
	}
	if subs, _ := resp["subscriptions"].([]any); len(subs) != 1 {
		t.Errorf("subscriptions = %v, want the identity list", resp["subscriptions"])
	}

	resp, err = c.Call(ctx, api.MethodListConversations, nil)
	if err != nil {
		t.Fatalf("ListConversations error = %v", err)
	}
	convs, _ := resp["conversations"].([]any)
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	if name := convs[0].(map[string]any)["counterpart_name"]; name != "Acme" {
		t.Errorf("counterpart = %v, want Acme", name)
	}

	resp, err = c.Call(ctx, api.MethodListMessages, map[string]any{"conversation_id": "c1"})
	if err != nil {
		t.Fatalf("ListMessages error = %v", err)
	}
	if msgs, _ := resp["messages"].([]any); len(msgs) != 1 {
		t.Errorf("messages = %v", resp["messages"])
	}

	resp, err = c.Call(ctx, api.MethodSendMessage, map[string]any{"conversation_id": "c1", "body": "test"})
	if err != nil {
		t.Fatalf("SendMessage error = %v", err)
	}
	if resp["accepted"] != true {
		t.Error("expected accepted = true")
	}
	eventually(t, "outbox post", func() bool { return sent.Load() == 1 })

	_, err = c.Call(ctx, api.MethodBulkDelete, map[string]any{"message_ids": []any{}, "thread_id": "c1"})
	if d, ok := api.ErrorDetail(err); !ok || d.Kind != "INVALID_MESSAGE_IDS" {
		t.Errorf("empty bulk delete: detail = %+v, err = %v", d, err)
	}

	app.RequireStop()

	if _, err := os.Stat(socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket still present after stop: %v", err)
	}
	pid, err := lock.Holder(profile.Dir("test"))
	if err != nil || pid != 0 {
		t.Errorf("lock still held: pid=%d err=%v", pid, err)
	}
}

// TestSecondDaemonRefused verifies one profile cannot be served twice.
func TestSecondDaemonRefused(t *testing.T) {
	home := testHome(t)
	store := messageStore(t, new(atomic.Int32))

	first := fxtest.New(t,
		Module(Params{ProfileName: "dup", SocketPath: filepath.Join(home, "a.sock"), Profile: testProfile(store.URL)}),
		fx.NopLogger,
	)
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(
		Module(Params{ProfileName: "dup", SocketPath: filepath.Join(home, "b.sock"), Profile: testProfile(store.URL)}),
		fx.NopLogger,
	)
	var held *lock.LockHeldError
	if err := second.Err(); !errors.As(err, &held) {
		t.Fatalf("second daemon err = %v, want LockHeldError", err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", held.PID, os.Getpid())
	}
}

// TestInvalidProfileRefused verifies startup fails before anything is opened.
func TestInvalidProfileRefused(t *testing.T) {
	testHome(t)
	app := fx.New(
		Module(Params{ProfileName: "bad", Profile: &config.Profile{}}),
		fx.NopLogger,
	)
	err := app.Err()
	if err == nil {
		t.Fatal("empty profile accepted")
	}
	for _, want := range []string{"base_url", "user_id", "identity.role"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

// TestFxModuleWiring verifies NewServer resolves from Params alone.
// Regression test: NewServer previously took a bare `string` param which fx
// cannot resolve, causing a silent startup crash ("missing type: string").
func TestFxModuleWiring(t *testing.T) {
	home := testHome(t)
	socketPath := filepath.Join(home, "d.sock")

	p := Params{ProfileName: "fxtest", SocketPath: socketPath}
	srv, err := NewServer(p, zap.NewNop(), api.NewControlService(api.Deps{}))
	if err != nil {
		t.Fatalf("NewServer() with Params failed: %v", err)
	}

	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}
	if srv.SocketPath() != socketPath {
		t.Errorf("SocketPath() = %q", srv.SocketPath())
	}

	srv.Stop(context.Background())
}
