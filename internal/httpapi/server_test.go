package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ragdesk/chatrelay/internal/blobstore"
	"github.com/ragdesk/chatrelay/internal/config"
	"github.com/ragdesk/chatrelay/internal/convlog"
	"github.com/ragdesk/chatrelay/internal/relay"
)

type testEnv struct {
	server   *Server
	exchange *relay.Exchange
	log      convlog.Log
	blobs    blobstore.Store
}

func newTestEnv(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	exchange := relay.NewExchange()
	t.Cleanup(exchange.Close)
	log := convlog.NewMemoryLog()
	t.Cleanup(func() { _ = log.Close() })
	blobs := blobstore.NewMemoryStore()
	t.Cleanup(func() { _ = blobs.Close() })
	return &testEnv{
		server:   NewServerWithConfig(exchange, log, blobs, cfg),
		exchange: exchange,
		log:      log,
		blobs:    blobs,
	}
}

type request struct {
	method  string
	path    string
	body    string
	headers map[string]string
}

func doRequest(t *testing.T, server *Server, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if req.body != "" {
		body = bytes.NewReader([]byte(req.body))
	} else {
		body = bytes.NewReader(nil)
	}
	httpReq := httptest.NewRequest(req.method, req.path, body)
	for name, value := range req.headers {
		httpReq.Header.Set(name, value)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httpReq)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
	return payload
}

func waitForWaiters(t *testing.T, exchange *relay.Exchange, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if exchange.Stats().Waiters == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %d registered waiters, have %d", want, exchange.Stats().Waiters)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["ok"] != true {
		t.Fatalf("unexpected health payload %v", payload)
	}
}

func TestStatusReportsRelayCounters(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	callback := `{"data":{"content":"hi","conversationId":"c1","clientRequestId":"r1"}}`
	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/chat/response", body: callback})
	if rec.Code != http.StatusOK {
		t.Fatalf("callback failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, env.server, request{method: http.MethodGet, path: "/status"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	stats, ok := payload["relay"].(map[string]any)
	if !ok {
		t.Fatalf("missing relay stats in %v", payload)
	}
	if stats["bufferedResults"] != float64(1) {
		t.Fatalf("expected one buffered result, got %v", stats)
	}
}

func TestCallbackBeforePollDeliversBufferedResult(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	callback := `{"success":true,"data":{"content":"answer","citations":[{"title":"doc"}],"conversationId":"c1","clientRequestId":"r1"}}`
	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/chat/response", body: callback})
	if rec.Code != http.StatusOK {
		t.Fatalf("callback failed: %d %s", rec.Code, rec.Body.String())
	}
	if payload := decodeBody(t, rec); payload["success"] != true {
		t.Fatalf("unexpected callback ack %v", payload)
	}

	poll := `{"clientRequestId":"r1","conversationId":"c1","timeoutMs":5000}`
	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/chat/response/poll", body: poll})
	if rec.Code != http.StatusOK {
		t.Fatalf("poll failed: %d %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["success"] != true {
		t.Fatalf("unexpected poll payload %v", payload)
	}
	data, ok := payload["data"].(map[string]any)
	if !ok || data["content"] != "answer" || data["clientRequestId"] != "r1" {
		t.Fatalf("unexpected poll data %v", payload)
	}
}

func TestPollBeforeCallbackIsResolvedInFlight(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})

	poll := `{"clientRequestId":"r1","conversationId":"c1","timeoutMs":10000}`
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest(http.MethodPost, "/chat/response/poll", strings.NewReader(poll))
		env.server.ServeHTTP(rec, req)
	}()
	waitForWaiters(t, env.exchange, 1)

	callback := `{"data":{"content":"late answer","conversationId":"c1","clientRequestId":"r1"}}`
	cbRec := doRequest(t, env.server, request{method: http.MethodPost, path: "/chat/response", body: callback})
	if cbRec.Code != http.StatusOK {
		t.Fatalf("callback failed: %d %s", cbRec.Code, cbRec.Body.String())
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not return after callback")
	}
	payload := decodeBody(t, rec)
	data, _ := payload["data"].(map[string]any)
	if payload["success"] != true || data == nil || data["content"] != "late answer" {
		t.Fatalf("unexpected resolved poll %v", payload)
	}
}

func TestPollTimeoutIsANormalResponse(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	// timeoutMs below the floor clamps up to one second.
	poll := `{"clientRequestId":"r-timeout","conversationId":"c1","timeoutMs":1}`
	start := time.Now()
	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/chat/response/poll", body: poll})
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Fatalf("timeout returned too early: %s", elapsed)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("timeout must be a 200, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["success"] != false || payload["error"] != "timeout" {
		t.Fatalf("unexpected timeout payload %v", payload)
	}
	if env.exchange.Stats().Waiters != 0 {
		t.Fatalf("timed-out waiter not cleaned up: %+v", env.exchange.Stats())
	}
}

func TestPollRequiresClientRequestID(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/chat/response/poll", body: `{"conversationId":"c1"}`})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["error"] != "missing_client_request_id" {
		t.Fatalf("unexpected error payload %v", payload)
	}
}

func TestCallbackWithoutClientRequestIDIsRejected(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/chat/response", body: `{"data":{"content":"orphan","conversationId":"c1"}}`})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["error"] != "missing_client_request_id" {
		t.Fatalf("unexpected error payload %v", payload)
	}
	if stats := env.exchange.Stats(); stats.BufferedResults != 0 {
		t.Fatalf("rejected callback must not be buffered: %+v", stats)
	}
}

func TestCallbackBodyOverJSONCapIsRejected(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	oversized := fmt.Sprintf(`{"data":{"clientRequestId":"r1","content":%q}}`, strings.Repeat("x", maxJSONBodyBytes+1))
	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/chat/response", body: oversized})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["error"] != "payload_too_large" {
		t.Fatalf("unexpected error payload %v", payload)
	}
}

func TestAppendPersistsMessage(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	body := `{"userId":"u1","conversationId":"c1","role":"user","text":"hello"}`
	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/chat/append", body: body})
	if rec.Code != http.StatusOK {
		t.Fatalf("append failed: %d %s", rec.Code, rec.Body.String())
	}

	messages, _, err := env.log.Read(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("read conversation: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != "user" || messages[0].Text != "hello" {
		t.Fatalf("unexpected conversation state %+v", messages)
	}
	if messages[0].Timestamp == "" {
		t.Fatal("expected append to stamp a timestamp")
	}
}

func TestAppendValidation(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	cases := []struct {
		name string
		body string
		code string
	}{
		{"not json", `{"userId":`, "invalid_json"},
		{"missing role", `{"userId":"u1","conversationId":"c1","text":"x"}`, "invalid_request"},
		{"bad role", `{"userId":"u1","conversationId":"c1","role":"system","text":"x"}`, "invalid_request"},
		{"empty user", `{"userId":"","conversationId":"c1","role":"user","text":"x"}`, "invalid_request"},
		{"extra field", `{"userId":"u1","conversationId":"c1","role":"user","text":"x","admin":true}`, "invalid_request"},
	}
	for _, tc := range cases {
		rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/chat/append", body: tc.body})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, rec.Code)
		}
		if payload := decodeBody(t, rec); payload["error"] != tc.code {
			t.Fatalf("%s: unexpected error payload %v", tc.name, payload)
		}
	}
}

func TestUploadStoresObject(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	rec := doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/user/files/upload",
		body:   "%PDF-1.4 content",
		headers: map[string]string{
			"X-User-Id":    "u1",
			"X-File-Name":  "quarterly%20report.pdf",
			"Content-Type": "application/pdf",
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload failed: %d %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["success"] != true || payload["key"] != "u1/quarterly report.pdf" {
		t.Fatalf("unexpected upload payload %v", payload)
	}

	obj, err := env.blobs.Get(context.Background(), "u1/quarterly report.pdf")
	if err != nil {
		t.Fatalf("stored object missing: %v", err)
	}
	if string(obj.Data) != "%PDF-1.4 content" || obj.ContentType != "application/pdf" {
		t.Fatalf("unexpected stored object %+v", obj)
	}
}

func TestUploadHeaderValidation(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	cases := []struct {
		name    string
		headers map[string]string
		code    string
	}{
		{"missing user", map[string]string{"X-File-Name": "a.pdf"}, "missing_user_id"},
		{"missing filename", map[string]string{"X-User-Id": "u1"}, "invalid_filename"},
		{"traversal filename", map[string]string{"X-User-Id": "u1", "X-File-Name": "..%2Fescape.pdf"}, "invalid_filename"},
		{"bad escape", map[string]string{"X-User-Id": "u1", "X-File-Name": "bad%zz.pdf"}, "invalid_filename"},
		{"wrong content type", map[string]string{"X-User-Id": "u1", "X-File-Name": "a.pdf", "Content-Type": "image/png"}, "invalid_content_type"},
	}
	for _, tc := range cases {
		rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/user/files/upload", body: "x", headers: tc.headers})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, rec.Code)
		}
		if payload := decodeBody(t, rec); payload["error"] != tc.code {
			t.Fatalf("%s: unexpected error payload %v", tc.name, payload)
		}
	}
}

func TestUploadOverCapIsRejected(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	rec := doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/user/files/upload",
		body:   strings.Repeat("x", maxUploadBodyBytes+1),
		headers: map[string]string{
			"X-User-Id":    "u1",
			"X-File-Name":  "huge.pdf",
			"Content-Type": "application/pdf",
		},
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["error"] != "payload_too_large" {
		t.Fatalf("unexpected error payload %v", payload)
	}
}

func TestCORSHeaders(t *testing.T) {
	origins := config.NewOriginList([]string{"http://localhost:5173", "https://chat.example.com"})
	env := newTestEnv(t, ServerConfig{Origins: origins})

	rec := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    "/health",
		headers: map[string]string{"Origin": "https://chat.example.com"},
	})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://chat.example.com" {
		t.Fatalf("expected allow-listed origin echoed, got %q", got)
	}
	if !strings.Contains(strings.Join(rec.Header().Values("Vary"), ","), "Origin") {
		t.Fatal("expected Vary: Origin when echoing the caller origin")
	}

	rec = doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    "/health",
		headers: map[string]string{"Origin": "https://evil.example.com"},
	})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("expected first configured origin for unlisted caller, got %q", got)
	}

	rec = doRequest(t, env.server, request{
		method:  http.MethodOptions,
		path:    "/chat/response/poll",
		headers: map[string]string{"Origin": "http://localhost:5173"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-File-Name") {
		t.Fatalf("unexpected preflight headers %q", got)
	}
}

func TestCORSWildcardAndEmptyList(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	rec := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    "/health",
		headers: map[string]string{"Origin": "http://anywhere.example"},
	})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected * for empty allow-list, got %q", got)
	}

	wildcard := newTestEnv(t, ServerConfig{Origins: config.NewOriginList([]string{"*"})})
	rec = doRequest(t, wildcard.server, request{method: http.MethodGet, path: "/health"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected * for wildcard entry, got %q", got)
	}
}

func TestRateLimiterThrottlesStorageRoutes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	body := `{"userId":"u1","conversationId":"c1","role":"user","text":"hi"}`
	for i := 0; i < 2; i++ {
		rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/chat/append", body: body})
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d unexpectedly limited: %d", i, rec.Code)
		}
	}
	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/chat/append", body: body})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if payload := decodeBody(t, rec); payload["error"] != "rate_limited" {
		t.Fatalf("unexpected error payload %v", payload)
	}

	// The relay endpoints stay unthrottled.
	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/chat/response", body: `{"data":{"clientRequestId":"r1","content":"x"}}`})
	if rec.Code != http.StatusOK {
		t.Fatalf("callback must bypass the limiter, got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/nope"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
