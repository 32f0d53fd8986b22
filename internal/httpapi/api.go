package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"ledgerdesk.org/internal/auth"
	"ledgerdesk.org/internal/obs"
	"ledgerdesk.org/internal/ratelimit"
)

const serviceName = "ledgerdesk-api"

// ReadyProbe pings the backing stores. Nil members are skipped.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the collaborators of the HTTP layer. Auth, Tokens and Limiter are
// required.
type Deps struct {
	Auth           *auth.Service
	Tokens         *auth.TokenService
	Limiter        *ratelimit.Limiter
	LoginThrottle  *ratelimit.Throttle
	Ready          ReadinessChecker
	Version        string
	Logger         *slog.Logger
	AllowedOrigins []string
	MaxBodyBytes   int64
	TrustProxy     bool
}

// API is the HTTP layer.
type API struct {
	auth     *auth.Service
	tokens   *auth.TokenService
	limiter  *ratelimit.Limiter
	throttle *ratelimit.Throttle
	ready    ReadinessChecker
	version  string
	log      *slog.Logger
	origins  []string
	maxBody  int64
	ip       func(*http.Request) string
	now      func() time.Time
	router   chi.Router
}

func New(d Deps) (*API, error) {
	if d.Auth == nil || d.Tokens == nil || d.Limiter == nil {
		return nil, errors.New("httpapi: auth service, token service and limiter are required")
	}
	a := &API{
		auth:     d.Auth,
		tokens:   d.Tokens,
		limiter:  d.Limiter,
		throttle: d.LoginThrottle,
		ready:    d.Ready,
		version:  d.Version,
		log:      d.Logger,
		origins:  d.AllowedOrigins,
		maxBody:  d.MaxBodyBytes,
		ip:       remoteIP,
		now:      time.Now,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if d.TrustProxy {
		a.ip = forwardedIP
	}
	a.router = a.routes()
	return a, nil
}

// Handler returns the root handler for the HTTP server.
func (a *API) Handler() http.Handler { return a.router }

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		RequestID,
		Logging(a.log),
		Recover,
		SecurityHeaders,
		CORS(a.origins),
		MaxBodyBytes(a.maxBody),
		obs.Instrument,
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, auth.CodeNotFound, "resource not found")
	})
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.rateLimit)

		r.Get("/info", a.Info)

		r.Route("/auth", func(r chi.Router) {
			r.With(a.throttleLogin).Post("/login", a.handleLogin)
			r.Post("/refresh", a.handleRefresh)
			r.Post("/logout", a.handleLogout)
			r.With(a.authenticate).Get("/me", a.handleMe)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)

			r.With(a.require(auth.ScopePartner, partnerResource)).
				Get("/partners/{partnerID}/summary", a.handlePartnerSummary)
			r.With(a.require(auth.ScopeSelf, ownerResource)).
				Get("/employees/{principalID}/payroll", a.handlePayroll)

			r.Route("/admin/principals", func(r chi.Router) {
				r.Use(a.require(auth.ScopeAdmin, nil))
				r.Post("/", a.handleProvision)
				r.Get("/{principalID}", a.handleGetPrincipal)
				r.Post("/{principalID}/status", a.handleSetStatus)
			})
		})
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.LoggerFrom(r.Context()).WarnContext(r.Context(), "readiness_check_failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
