// Package httpserver serves operator diagnostics: health, metrics, per-tenant
// error logs and last-sent state.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dailycast/internal/eligibility"
	"dailycast/internal/storage"
	"dailycast/internal/telemetry"
	"dailycast/internal/tenants"
	"dailycast/internal/tick"
	logx "dailycast/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ErrorSource interface {
	Entries(ctx context.Context, tenantID string) ([]storage.ErrorEntry, error)
}

type LastSentSource interface {
	Get(tenantID string) (time.Time, bool)
	Pending() int
}

type Deps struct {
	Registry *prometheus.Registry
	Metrics  *telemetry.Metrics
	Errors   ErrorSource
	LastSent LastSentSource
	Tenants  tenants.Provider
	// Stats is optional (no tick driver in one-shot commands).
	Stats func() tick.Stats
	// Forget removes a tenant's last-sent record in the running process.
	// DELETE /tenants/{id}/last-sent is only routed when it is set.
	Forget func(ctx context.Context, tenantID string) error
	Log    logx.Logger
	Pprof  bool
	Now    func() time.Time
}

type handlers struct {
	d       Deps
	started time.Time
}

// NewRouter builds the diagnostics routes.
func NewRouter(d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{d: d, started: time.Now()}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog(d.Log))
	r.Use(observe(d.Metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	if d.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	}
	r.Route("/tenants", func(r chi.Router) {
		r.Get("/", h.listTenants)
		r.Get("/{id}/errors", h.tenantErrors)
		r.Get("/{id}/last-sent", h.tenantLastSent)
		if d.Forget != nil {
			r.Delete("/{id}/last-sent", h.forgetTenant)
		}
	})
	if d.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

type healthResponse struct {
	Status  string      `json:"status"`
	Uptime  string      `json:"uptime"`
	Pending int         `json:"pending_writes"`
	Tick    *tick.Stats `json:"tick,omitempty"`
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
	}
	if h.d.LastSent != nil {
		resp.Pending = h.d.LastSent.Pending()
		if resp.Pending > 0 {
			resp.Status = "degraded"
		}
	}
	if h.d.Stats != nil {
		st := h.d.Stats()
		resp.Tick = &st
	}
	respond(w, http.StatusOK, resp)
}

type tenantView struct {
	ID         string     `json:"id"`
	Platform   string     `json:"platform"`
	Timezone   string     `json:"timezone"`
	Anchor     string     `json:"anchor_time"`
	Interval   string     `json:"interval"`
	SentAt     *time.Time `json:"sent_at"`
	Due        bool       `json:"due"`
	NextAnchor time.Time  `json:"next_anchor"`
	Fallback   []string   `json:"fallback_fields,omitempty"`
}

func (h *handlers) view(t tenants.Tenant) tenantView {
	last := eligibility.Never
	v := tenantView{ID: t.ID, Platform: t.Platform}
	if h.d.LastSent != nil {
		if at, ok := h.d.LastSent.Get(t.ID); ok {
			last = eligibility.SentAt(at)
			at := at.UTC()
			v.SentAt = &at
		}
	}
	res := eligibility.Evaluate(t.Schedule, last, h.d.Now())
	v.Timezone = res.Schedule.Timezone
	v.Anchor = res.Schedule.Anchor.String()
	v.Interval = res.Schedule.Interval.String()
	v.Due = res.Decision == eligibility.Send
	v.NextAnchor = res.NextAnchor().UTC()
	if res.Fallback != nil {
		v.Fallback = res.Fallback.Fields
	}
	return v
}

func (h *handlers) listTenants(w http.ResponseWriter, _ *http.Request) {
	if h.d.Tenants == nil {
		respond(w, http.StatusOK, []tenantView{})
		return
	}
	ts := h.d.Tenants.Tenants()
	out := make([]tenantView, 0, len(ts))
	for _, t := range ts {
		out = append(out, h.view(t))
	}
	respond(w, http.StatusOK, out)
}

func (h *handlers) tenantErrors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.d.Errors == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "error log not configured")
		return
	}
	entries, err := h.d.Errors.Entries(r.Context(), id)
	if err != nil {
		h.d.Log.Warn("error log read failed", logx.String("tenant", id), logx.Err(err))
		respondError(w, http.StatusInternalServerError, "internal", "error log unreadable")
		return
	}
	if entries == nil {
		entries = []storage.ErrorEntry{}
	}
	respond(w, http.StatusOK, entries)
}

func (h *handlers) tenantLastSent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.d.Tenants != nil {
		for _, t := range h.d.Tenants.Tenants() {
			if t.ID == id {
				respond(w, http.StatusOK, h.view(t))
				return
			}
		}
	}
	// Removed from config but a record may still exist.
	if h.d.LastSent != nil {
		if at, ok := h.d.LastSent.Get(id); ok {
			at := at.UTC()
			respond(w, http.StatusOK, tenantView{ID: id, SentAt: &at})
			return
		}
	}
	respondError(w, http.StatusNotFound, "not_found", "unknown tenant "+strconv.Quote(id))
}

// forgetTenant goes through the live store so the next flush cannot bring
// the record back.
func (h *handlers) forgetTenant(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "tenant id required")
		return
	}
	if err := h.d.Forget(r.Context(), id); err != nil {
		h.d.Log.Warn("forget failed", logx.String("tenant", id), logx.Err(err))
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respond(w, status, errorResponse{Error: code, Message: msg})
}

// ---- middleware ----

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func accessLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", statusOf(ww)),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", w.Header().Get("X-Request-ID")),
			)
		})
	}
}

func observe(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			path := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					path = p
				}
			}
			m.ObserveHTTP(r.Method, path, strconv.Itoa(statusOf(ww)), time.Since(start))
		})
	}
}

func statusOf(ww middleware.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}
