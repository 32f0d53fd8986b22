package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"ledgerdesk.org/internal/auth"
	"ledgerdesk.org/internal/obs"
	"ledgerdesk.org/internal/ratelimit"
)

func TestRateLimitHeadersAndRejection(t *testing.T) {
	env := newTestEnv(t, func(c *testConfig) { c.limit = 3 })

	for i := 1; i <= 3; i++ {
		resp := env.get("/v1/info", "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status %d", i, resp.StatusCode)
		}
		if got := resp.Header.Get("X-RateLimit-Limit"); got != "3" {
			t.Fatalf("request %d: limit header %q", i, got)
		}
		if got := resp.Header.Get("X-RateLimit-Remaining"); got != strconv.Itoa(3-i) {
			t.Fatalf("request %d: remaining header %q", i, got)
		}
		if _, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err != nil {
			t.Fatalf("request %d: reset header: %v", i, err)
		}
	}

	resp := env.get("/v1/info", "")
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("remaining on rejection: %q", got)
	}
	body := expectError(t, resp, http.StatusTooManyRequests, codeRateLimited)
	retryAt, err := time.Parse(time.RFC3339, body.RetryAfter)
	if err != nil {
		t.Fatalf("retry_after: %v", err)
	}
	if !retryAt.After(time.Now().Add(10 * time.Minute)) {
		t.Fatalf("retry_after too early: %v", retryAt)
	}
	if body.RequestID == "" {
		t.Fatal("expected request_id in body")
	}

	if resp := env.get("/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should not be limited, got %d", resp.StatusCode)
	}
}

func TestRateLimitKeysAuthenticatedCallersBySubject(t *testing.T) {
	env := newTestEnv(t, func(c *testConfig) { c.limit = 4 })

	// Both logins are charged to the client address.
	partner := env.login("partner5@example.com").Tokens.AccessToken
	employee := env.login("employee@example.com").Tokens.AccessToken

	for i := 0; i < 4; i++ {
		resp := env.get("/v1/auth/me", partner)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("partner request %d: status %d", i, resp.StatusCode)
		}
	}
	expectError(t, env.get("/v1/auth/me", partner), http.StatusTooManyRequests, codeRateLimited)

	resp := env.get("/v1/auth/me", employee)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("employee has its own window, got %d", resp.StatusCode)
	}
}

func TestLoginThrottle(t *testing.T) {
	env := newTestEnv(t, func(c *testConfig) { c.throttle = ratelimit.NewThrottle(0.001, 2) })

	creds := map[string]string{"email": "partner5@example.com", "password": "wrong-password"}
	for i := 0; i < 2; i++ {
		expectError(t, env.post("/v1/auth/login", creds, ""), http.StatusUnauthorized, auth.CodeInvalidCredentials)
	}
	resp := env.post("/v1/auth/login", creds, "")
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	expectError(t, resp, http.StatusTooManyRequests, codeRateLimited)
}

func TestRequestIDIsEchoedOrMinted(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusTeapot, "TEAPOT", "short and stout")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if got := rr.Header().Get(requestIDHeader); got != "req-123" {
		t.Fatalf("expected echoed id, got %q", got)
	}
	var body errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.RequestID != "req-123" {
		t.Fatalf("expected request_id in body, got %q", body.RequestID)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rr.Header().Get(requestIDHeader); len(got) != 36 {
		t.Fatalf("expected minted uuid, got %q", got)
	}
}

func TestRecoverHidesPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := obs.NewLogger(obs.EnvProd, &buf)
	handler := RequestID(Logging(logger)(Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("secret detail")
	}))))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "secret detail") {
		t.Fatalf("panic detail leaked: %s", rr.Body.String())
	}
	if !strings.Contains(buf.String(), "secret detail") {
		t.Fatalf("panic should be logged, got %s", buf.String())
	}
}

func TestLoggingEmitsStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := obs.NewLogger(obs.EnvProd, &buf)
	handler := RequestID(Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.Header.Set("User-Agent", "middleware-test")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v (%s)", err, line)
	}
	for _, key := range []string{"time", "level", "msg", "request_id", "method", "path", "status", "bytes", "duration_ms"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if entry["msg"] != "request_complete" || entry["level"] != "WARN" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["status"] != float64(http.StatusTeapot) || entry["bytes"] != float64(2) {
		t.Fatalf("unexpected status or size: %v", entry)
	}
}

func TestCORS(t *testing.T) {
	handler := CORS([]string{"https://app.ledgerdesk.org"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/auth/login", nil)
	req.Header.Set("Origin", "https://app.ledgerdesk.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://app.ledgerdesk.org" {
		t.Fatalf("origin not allowed: %v", rr.Header())
	}
	if !strings.Contains(rr.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Fatalf("authorization header not allowed: %v", rr.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign origin allowed: %v", rr.Header())
	}
}

func TestMaxBodyBytesRejectsLargeLogin(t *testing.T) {
	env := newTestEnv(t)

	payload, err := json.Marshal(map[string]string{"email": "partner5@example.com", "password": strings.Repeat("x", 2<<20)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != auth.CodeInvalidInput {
		t.Fatalf("unexpected code %q", body.Error.Code)
	}
}

func TestForwardedIPOnlyWhenTrusted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := remoteIP(req); got != "10.0.0.1" {
		t.Fatalf("remoteIP: %q", got)
	}
	if got := forwardedIP(req); got != "203.0.113.9" {
		t.Fatalf("forwardedIP: %q", got)
	}
}
