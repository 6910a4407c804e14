// Package gateway is the OpenAI-compatible HTTP surface of the model gateway.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/OverClawApp/releases-sub001/internal/billing"
	"github.com/OverClawApp/releases-sub001/internal/metrics"
	"github.com/OverClawApp/releases-sub001/internal/orchestrator"
	"github.com/OverClawApp/releases-sub001/internal/ratelimit"
	"github.com/OverClawApp/releases-sub001/internal/registry"
	"github.com/OverClawApp/releases-sub001/internal/upstream"
)

// Classifier picks the task category for a conversation. It never fails.
type Classifier interface {
	Classify(ctx context.Context, messages []orchestrator.Message) registry.TaskCategory
}

type StatusProvider interface {
	Snapshot() map[string]any
}

// UsageReporter exposes per-model usage totals.
type UsageReporter interface {
	Snapshot() []billing.ModelTotals
}

type Dependencies struct {
	Service    orchestrator.Service
	Classifier Classifier
	Registry   *registry.Registry
	Keys       registry.KeyCounter
	Ledger     billing.Ledger
	// MinBalance is the balance a caller needs before any provider is contacted.
	MinBalance   int64
	UsageLimit   int
	Limiter      *ratelimit.Limiter
	RouterStatus StatusProvider
	Usage        UsageReporter
	AdminToken   string
	Log          zerolog.Logger
}

type server struct {
	service      orchestrator.Service
	classifier   Classifier
	registry     *registry.Registry
	keys         registry.KeyCounter
	ledger       billing.Ledger
	minBalance   int64
	usageLimit   int
	limiter      *ratelimit.Limiter
	routerStatus StatusProvider
	usage        UsageReporter
	adminToken   string
	log          zerolog.Logger
}

func NewRouter(deps Dependencies) http.Handler {
	if deps.Service == nil {
		panic("service dependency is required")
	}
	if deps.Classifier == nil {
		panic("classifier dependency is required")
	}
	if deps.Ledger == nil {
		panic("ledger dependency is required")
	}
	if deps.Registry == nil {
		deps.Registry = registry.Default()
	}
	if deps.UsageLimit <= 0 {
		deps.UsageLimit = 100
	}

	s := &server{
		service:      deps.Service,
		classifier:   deps.Classifier,
		registry:     deps.Registry,
		keys:         deps.Keys,
		ledger:       deps.Ledger,
		minBalance:   deps.MinBalance,
		usageLimit:   deps.UsageLimit,
		limiter:      deps.Limiter,
		routerStatus: deps.RouterStatus,
		usage:        deps.Usage,
		adminToken:   strings.TrimSpace(deps.AdminToken),
		log:          deps.Log,
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", instrument("/healthz", http.HandlerFunc(s.handleHealthz)))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/v1/chat/completions", instrument("/v1/chat/completions", s.withAuth(true, s.handleChatCompletions)))
	mux.Handle("/v1/models", instrument("/v1/models", http.HandlerFunc(s.handleModels)))
	mux.Handle("/v1/balance", instrument("/v1/balance", s.withAuth(false, s.handleBalance)))
	mux.Handle("/v1/usage", instrument("/v1/usage", s.withAuth(false, s.handleUsage)))
	mux.Handle("/admin/status", instrument("/admin/status", http.HandlerFunc(s.handleAdminStatus)))
	return withCommonHeaders(mux)
}

func withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-content-type-options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status and keeps streaming working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		metrics.ObserveRequest(r.Method, endpoint, rec.status, started)
	})
}

func (s *server) writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{Error: ErrorResponse{Type: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps service and ledger errors to the HTTP status, error type and
// client message.
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, billing.ErrUnauthorized):
		return http.StatusUnauthorized, "authentication_error", "Invalid auth token"
	case errors.Is(err, billing.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance", "Insufficient token balance. Please purchase more tokens."
	case errors.Is(err, upstream.ErrNoAvailableModel):
		return http.StatusServiceUnavailable, "service_unavailable", "No AI models available. Server not configured."
	case errors.Is(err, upstream.ErrAllModelsFailed):
		return http.StatusBadGateway, "upstream_error", "All models failed. Please try again."
	case errors.Is(err, context.Canceled):
		return 499, "client_closed_request", "request cancelled"
	default:
		return http.StatusInternalServerError, "api_error", err.Error()
	}
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}
