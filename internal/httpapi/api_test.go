package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ledgerdesk.org/internal/auth"
	"ledgerdesk.org/internal/ratelimit"
)

const (
	testSecret   = "httpapi-test-secret-that-is-long-enough"
	testPassword = "correct horse battery"
)

type testConfig struct {
	limit    int
	throttle *ratelimit.Throttle
	ready    ReadinessChecker
}

type testEnv struct {
	t        *testing.T
	srv      *httptest.Server
	client   *http.Client
	handler  http.Handler
	svc      *auth.Service
	tokens   *auth.TokenService
	sessions *flakySessions

	admin    *auth.Principal
	partner5 *auth.Principal
	partner7 *auth.Principal
	employee *auth.Principal
}

// flakySessions fails session lookups on demand.
type flakySessions struct {
	auth.SessionStore
	fail atomic.Bool
}

func (f *flakySessions) FindByTokenHash(ctx context.Context, hash string) (*auth.Session, error) {
	if f.fail.Load() {
		return nil, errors.New("connection reset by peer")
	}
	return f.SessionStore.FindByTokenHash(ctx, hash)
}

func newTestEnv(t *testing.T, opts ...func(*testConfig)) *testEnv {
	t.Helper()

	cfg := testConfig{limit: 1000}
	for _, opt := range opts {
		opt(&cfg)
	}

	store := auth.NewMemoryStore()
	sessions := &flakySessions{SessionStore: store.Sessions()}
	tokens, err := auth.NewTokenService(testSecret)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	svc, err := auth.NewService(store.Principals(), sessions, tokens, auth.WithLookupTimeout(500*time.Millisecond))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	api, err := New(Deps{
		Auth:          svc,
		Tokens:        tokens,
		Limiter:       ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.WithLimit(cfg.limit)),
		LoginThrottle: cfg.throttle,
		Ready:         cfg.ready,
		Version:       "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	env := &testEnv{t: t, srv: srv, client: srv.Client(), handler: api.Handler(), svc: svc, tokens: tokens, sessions: sessions}
	env.admin = env.provision("admin", auth.RoleAdministrator, "")
	env.partner5 = env.provision("partner5", auth.RolePartner, "5")
	env.partner7 = env.provision("partner7", auth.RolePartner, "7")
	env.employee = env.provision("employee", auth.RoleEmployee, "")
	return env
}

func (e *testEnv) provision(name string, role auth.Role, partnerID string) *auth.Principal {
	e.t.Helper()
	p, err := e.svc.Provision(context.Background(), auth.NewPrincipal{
		Username:  name,
		Email:     name + "@example.com",
		Password:  testPassword,
		Role:      string(role),
		PartnerID: partnerID,
	})
	if err != nil {
		e.t.Fatalf("provision %s: %v", name, err)
	}
	return p
}

func (e *testEnv) do(method, path string, body any, token string) *http.Response {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(payload))
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) post(path string, body any, token string) *http.Response {
	return e.do(http.MethodPost, path, body, token)
}

func (e *testEnv) get(path, token string) *http.Response {
	return e.do(http.MethodGet, path, nil, token)
}

func (e *testEnv) login(email string) auth.LoginResult {
	e.t.Helper()
	resp := e.post("/v1/auth/login", map[string]string{"email": email, "password": testPassword}, "")
	if resp.StatusCode != http.StatusOK {
		body := decode[errorResponse](e.t, resp)
		e.t.Fatalf("login %s: status %d code %s", email, resp.StatusCode, body.Error.Code)
	}
	return decode[auth.LoginResult](e.t, resp)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectError(t *testing.T, resp *http.Response, status int, code string) errorResponse {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("expected status %d, got %d", status, resp.StatusCode)
	}
	body := decode[errorResponse](t, resp)
	if body.Error.Code != code {
		t.Fatalf("expected code %s, got %q (%s)", code, body.Error.Code, body.Error.Message)
	}
	return body
}

type staticReadiness struct{ err error }

func (s staticReadiness) Check(context.Context) error { return s.err }

func TestHealthzAndInfo(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get("/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	health := decode[map[string]any](t, resp)
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("unexpected healthz body: %v", health)
	}

	resp = env.get("/v1/info", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info status %d", resp.StatusCode)
	}
	info := decode[map[string]any](t, resp)
	if info["name"] != serviceName {
		t.Fatalf("unexpected info body: %v", info)
	}
	if _, err := time.Parse(time.RFC3339, info["time"].(string)); err != nil {
		t.Fatalf("info time: %v", err)
	}
}

func TestReadyzReportsProbeFailureWithoutDetail(t *testing.T) {
	env := newTestEnv(t, func(c *testConfig) {
		c.ready = staticReadiness{err: errors.New("dial tcp 10.0.0.5:5432: connection refused")}
	})

	resp := env.get("/readyz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "not_ready" || len(body) != 1 {
		t.Fatalf("unexpected readyz body: %v", body)
	}

	ok := newTestEnv(t)
	if resp := ok.get("/readyz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with no probes, got %d", resp.StatusCode)
	}
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	env := newTestEnv(t)

	body := expectError(t, env.get("/v1/nope", ""), http.StatusNotFound, auth.CodeNotFound)
	if body.RequestID == "" {
		t.Fatal("expected request_id in error body")
	}
	expectError(t, env.get("/v1/auth/login", ""), http.StatusMethodNotAllowed, codeMethodNotAllowed)
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("expected error without dependencies")
	}
}
