// Package httpapi exposes the session flows over HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"fieldops.org/internal/auth"
	"fieldops.org/internal/obs"
)

const (
	serviceName  = "fieldops-api"
	maxBodyBytes = 1 << 20
)

// Pinger is anything /readyz can probe, such as the Redis store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the backing stores. Nil members are skipped.
type ReadyProbe struct {
	DB    *sql.DB
	Redis Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	flows      *auth.Flows
	readyProbe ReadyProbe
	version    string
	log        *zap.Logger

	frontendURL    string
	rateBurst      int
	ratePerSec     int
	trustedProxies []netip.Prefix
}

// Option configures the API.
type Option func(*API)

// WithFrontendURL sets where verify-email redirects land.
func WithFrontendURL(u string) Option {
	return func(a *API) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			a.frontendURL = u
		}
	}
}

// WithRateLimit sets the per-IP token bucket for unauthenticated auth endpoints.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithTrustedProxies lists the peers whose X-Forwarded-For header is believed.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithLogger sets the logger for handler failures.
func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

func New(flows *auth.Flows, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:         http.NewServeMux(),
		flows:       flows,
		readyProbe:  rp,
		version:     version,
		log:         obs.Logger(),
		frontendURL: "http://localhost:3000",
		rateBurst:   10,
		ratePerSec:  5,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.Handle("/auth/login", a.limited(a.handleLogin))
	a.mux.Handle("/auth/register", a.limited(a.handleRegister))
	a.mux.Handle("/auth/forgot-password", a.limited(a.handleForgotPassword))
	a.mux.Handle("/auth/reset-password", a.limited(a.handleResetPassword))
	a.mux.Handle("/auth/resend-verification", a.limited(a.handleResendVerification))
	a.mux.HandleFunc("/auth/verify-email", a.handleVerifyEmail)
	a.mux.HandleFunc("/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/auth/change-password", a.handleChangePassword)
	a.mux.HandleFunc("/auth/me", a.handleMe)
	a.mux.Handle("/auth/cleanup-tokens", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleCleanupTokens)))
	a.mux.HandleFunc("/auth/members", a.handleMembers)
	a.mux.HandleFunc("/auth/members/", a.handleMemberResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = ClientIP(a.trustedProxies)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) limited(fn http.HandlerFunc) http.Handler {
	return RateLimit(fn, a.rateBurst, a.ratePerSec)
}

// --- Handlers ---

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
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

type errorBody struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type messageBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeCodedError(w, r, status, "", msg)
}

func writeCodedError(w http.ResponseWriter, r *http.Request, status int, code auth.Code, msg string) {
	writeJSON(w, status, errorBody{
		Message:   msg,
		Code:      string(code),
		RequestID: requestIDFrom(r),
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		case errors.As(err, &maxErr):
			return errors.New("request body too large")
		default:
			return fmt.Errorf("invalid JSON: %v", err)
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
