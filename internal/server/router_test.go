package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"anichat-rt/internal/auth"
	"anichat-rt/internal/config"
	"anichat-rt/internal/e2ee"
	"anichat-rt/internal/logging"
	"anichat-rt/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		MasterSecret:        "secret",
		TokenExpiry:         time.Hour,
		NotifyBatchInterval: 20 * time.Millisecond,
		DedupTTL:            time.Minute,
		DedupSize:           100,
		BroadcastChunkSize:  10,
		TypingTTL:           time.Second,
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	return newTestAppWithConfig(t, testConfig())
}

func newTestAppWithConfig(t *testing.T, cfg config.Config) *App {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	st, err := store.Open(context.Background(), store.Options{Driver: "sqlite", DSN: dsn, PoolSize: 4, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	app := NewApp(Options{Config: cfg, Store: st, Logger: logging.Discard()})
	app.Start(context.Background())
	t.Cleanup(func() {
		app.Shutdown()
		_ = st.Close()
	})
	return app
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	cfg := testConfig()
	token, err := auth.CreateToken(userID, auth.TokenConfig{Secret: cfg.MasterSecret, Expiry: cfg.TokenExpiry, Issuer: auth.DefaultIssuer})
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return token
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t)

	w := doJSON(t, app.Router, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	w = doJSON(t, app.Router, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "chatrt_notify_sent_total") {
		t.Fatalf("notify counters missing from /metrics")
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	app := newTestApp(t)
	w := doJSON(t, app.Router, http.MethodPost, "/api/typing-indicator", "", map[string]any{
		"senderId": "alice", "receiverId": "bob", "isTyping": true,
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestTypingIndicatorOfflineReceiver(t *testing.T) {
	app := newTestApp(t)
	w := doJSON(t, app.Router, http.MethodPost, "/api/typing-indicator", tokenFor(t, "alice"), map[string]any{
		"senderId": "alice", "receiverId": "bob", "isTyping": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["success"] != true || resp["notifiedClients"] != float64(0) {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestTypingIndicatorSenderMismatch(t *testing.T) {
	app := newTestApp(t)
	w := doJSON(t, app.Router, http.MethodPost, "/api/typing-indicator", tokenFor(t, "alice"), map[string]any{
		"senderId": "mallory", "receiverId": "bob", "isTyping": true,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestMessageFallbackFlow(t *testing.T) {
	app := newTestApp(t)
	alice, bob := tokenFor(t, "alice"), tokenFor(t, "bob")

	w := doJSON(t, app.Router, http.MethodPost, "/api/messages", alice, map[string]any{
		"receiverId": "bob", "content": "ohayo",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	msg := decode(t, w)["message"].(map[string]any)
	if msg["status"] != "sent" {
		t.Fatalf("offline receiver should leave status sent, got %v", msg["status"])
	}
	id := msg["id"].(string)

	w = doJSON(t, app.Router, http.MethodPost, "/api/messages", alice, map[string]any{"receiverId": "bob", "content": ""})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty content, got %d", w.Code)
	}

	w = doJSON(t, app.Router, http.MethodPatch, "/api/messages/"+id+"/status", alice, map[string]any{"status": "read"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("sender must not advance status, got %d", w.Code)
	}

	w = doJSON(t, app.Router, http.MethodPatch, "/api/messages/"+id+"/status", bob, map[string]any{"status": "read"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["changed"] != true {
		t.Fatalf("expected status change")
	}

	w = doJSON(t, app.Router, http.MethodPatch, "/api/messages/"+id+"/status", bob, map[string]any{"status": "delivered"})
	if w.Code != http.StatusOK || decode(t, w)["changed"] != false {
		t.Fatalf("status must not regress: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, app.Router, http.MethodGet, "/api/messages/alice", bob, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	msgs := decode(t, w)["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["status"] != "read" {
		t.Fatalf("unexpected history: %v", msgs)
	}

	w = doJSON(t, app.Router, http.MethodPatch, "/api/messages/missing/status", bob, map[string]any{"status": "read"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func publicKey(t *testing.T) string {
	t.Helper()
	kp, err := e2ee.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	pub, err := kp.ExportPublic()
	if err != nil {
		t.Fatalf("ExportPublic: %v", err)
	}
	return pub
}

func TestEncryptionEndpoints(t *testing.T) {
	app := newTestApp(t)
	alice, bob := tokenFor(t, "alice"), tokenFor(t, "bob")

	w := doJSON(t, app.Router, http.MethodPost, "/api/encryption/public-key", alice, map[string]any{"publicKey": "not a key"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid key, got %d", w.Code)
	}
	aliceKey := publicKey(t)
	w = doJSON(t, app.Router, http.MethodPost, "/api/encryption/public-key", alice, map[string]any{"publicKey": aliceKey})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	keys := map[string]any{"peerId": "bob", "keys": map[string]string{"alice": "wa", "bob": "wb"}}
	w = doJSON(t, app.Router, http.MethodPost, "/api/encryption/conversation-key", alice, keys)
	if w.Code != http.StatusConflict {
		t.Fatalf("recipient without public key should get 409, got %d", w.Code)
	}

	w = doJSON(t, app.Router, http.MethodGet, "/api/encryption/public-key/bob", alice, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	w = doJSON(t, app.Router, http.MethodPost, "/api/encryption/public-key", bob, map[string]any{"publicKey": publicKey(t)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doJSON(t, app.Router, http.MethodPost, "/api/encryption/conversation-key", alice, keys)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(t, app.Router, http.MethodPost, "/api/encryption/conversation-key", bob, map[string]any{
		"peerId": "alice", "keys": map[string]string{"alice": "other-a", "bob": "other-b"},
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("second key for the pair should get 409, got %d", w.Code)
	}

	w = doJSON(t, app.Router, http.MethodGet, "/api/encryption/conversation-key/alice", bob, nil)
	if w.Code != http.StatusOK || decode(t, w)["wrappedKey"] != "wb" {
		t.Fatalf("expected first stored key: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, app.Router, http.MethodGet, "/api/encryption/status/bob", alice, nil)
	if w.Code != http.StatusOK || decode(t, w)["enabled"] != true {
		t.Fatalf("expected encryption enabled: %s", w.Body.String())
	}

	w = doJSON(t, app.Router, http.MethodPost, "/api/encryption/public-key", alice, map[string]any{"publicKey": publicKey(t)})
	if w.Code != http.StatusConflict {
		t.Fatalf("replacing a key bound to conversations should get 409, got %d", w.Code)
	}
	w = doJSON(t, app.Router, http.MethodPost, "/api/encryption/public-key", alice, map[string]any{"publicKey": aliceKey})
	if w.Code != http.StatusOK {
		t.Fatalf("republishing the same key should succeed, got %d", w.Code)
	}
}

func TestPresenceAndNotificationMetrics(t *testing.T) {
	app := newTestApp(t)
	token := tokenFor(t, "alice")

	w := doJSON(t, app.Router, http.MethodGet, "/api/presence/bob", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["online"] != false || resp["connected"] != false {
		t.Fatalf("unexpected presence: %v", resp)
	}

	w = doJSON(t, app.Router, http.MethodGet, "/api/notifications/metrics", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, ok := decode(t, w)["duplicates"]; !ok {
		t.Fatalf("metrics snapshot missing duplicates: %s", w.Body.String())
	}
}

func socketAttempt(h http.Handler, remoteAddr, forwarded string) int {
	req := httptest.NewRequest(http.MethodGet, "/socket.io/?EIO=4&transport=websocket", nil)
	req.RemoteAddr = remoteAddr
	if forwarded != "" {
		req.Header.Set("X-Forwarded-For", forwarded)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestSocketAdmissionIgnoresSpoofedForwardedFor(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectMinInterval = time.Hour
	app := newTestAppWithConfig(t, cfg)

	if code := socketAttempt(app.Router, "198.51.100.7:4000", "203.0.113.1"); code == http.StatusTooManyRequests {
		t.Fatalf("first attempt must be admitted")
	}
	for i := 2; i <= 5; i++ {
		forwarded := fmt.Sprintf("203.0.113.%d", i)
		if code := socketAttempt(app.Router, "198.51.100.7:4001", forwarded); code != http.StatusTooManyRequests {
			t.Fatalf("attempt %d with X-Forwarded-For %s: expected 429, got %d", i, forwarded, code)
		}
	}
	if code := socketAttempt(app.Router, "198.51.100.8:4000", ""); code == http.StatusTooManyRequests {
		t.Fatalf("a different address must be admitted")
	}
}

func TestSocketAdmissionHonoursTrustedProxy(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectMinInterval = time.Hour
	cfg.TrustedProxies = []string{"10.0.0.0/8"}
	app := newTestAppWithConfig(t, cfg)

	if code := socketAttempt(app.Router, "10.1.2.3:4000", "203.0.113.1"); code == http.StatusTooManyRequests {
		t.Fatalf("first client behind the proxy must be admitted")
	}
	if code := socketAttempt(app.Router, "10.1.2.3:4001", "203.0.113.2"); code == http.StatusTooManyRequests {
		t.Fatalf("second client behind the proxy must be admitted")
	}
	if code := socketAttempt(app.Router, "10.1.2.3:4002", "203.0.113.1"); code != http.StatusTooManyRequests {
		t.Fatalf("repeat client behind the proxy: expected 429, got %d", code)
	}
}
