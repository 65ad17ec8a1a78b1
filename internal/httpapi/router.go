// Package httpapi serves the operational and webhook HTTP surface:
// health, metrics, status, the admin run-now trigger and the inbound SMS
// webhook.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"gratibot/internal/dispatch"
	"gratibot/internal/metrics"
	"gratibot/internal/storage"
	"gratibot/internal/transport/sms"
	logx "gratibot/pkg/logx"
)

// Runner runs a dispatcher tick on demand.
type Runner interface {
	RunTick(ctx context.Context, mode dispatch.Mode) (dispatch.Report, error)
}

// Inbox is the storage the webhook and health check need.
type Inbox interface {
	GetUser(ctx context.Context, phone string) (storage.User, error)
	SetActive(ctx context.Context, phone string, active bool) error
	InsertEntry(ctx context.Context, e storage.Entry) (storage.Entry, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Store    Inbox
	Runner   Runner
	Gatherer prometheus.Gatherer
	// Status returns the JSON body of GET /status.
	Status func() any
	Log    logx.Logger
}

// RouterConfig is the part of Config the handlers read.
type RouterConfig struct {
	AdminToken      string
	Pprof           bool
	ValidateWebhook bool
	// PublicURL is the externally visible base URL Twilio signs against.
	PublicURL string
	// WebhookToken is the Twilio auth token used for signatures.
	WebhookToken string
	RunTimeout   time.Duration
}

type handlers struct {
	cfg  RouterConfig
	deps Deps
	log  logx.Logger
}

// NewRouter builds the chi router.
func NewRouter(cfg RouterConfig, deps Deps) http.Handler {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	h := &handlers{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/status", h.status)
		r.Post("/admin/run", h.run)
	})

	r.Post("/sms/inbound", h.inbound)

	if cfg.Pprof {
		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Mount("/debug", middleware.Profiler())
		})
	}
	return r
}

func (h *handlers) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// requireAdmin checks "Authorization: Bearer <admin_token>". Without a
// configured token the admin routes are closed.
func (h *handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.cfg.AdminToken
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if h.deps.Store != nil {
		if err := h.deps.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	if h.deps.Status == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Status())
}

type runResponse struct {
	dispatch.Report
	Error string `json:"error,omitempty"`
}

// run executes a tick now. The status is 500 when any action failed, so
// scripts can rely on it the same way as on the CLI exit status.
func (h *handlers) run(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "dispatcher not running"})
		return
	}
	mode := dispatch.ModeNormal
	if v := r.URL.Query().Get("force"); v == "1" || v == "true" {
		mode = dispatch.ModeForce
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.RunTimeout)
	defer cancel()

	rep, err := h.deps.Runner.RunTick(ctx, mode)
	if err != nil {
		h.log.Warn("admin run failed", logx.String("mode", string(mode)), logx.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, runResponse{Report: rep, Error: err.Error()})
		return
	}
	if err := rep.Err(); err != nil {
		writeJSON(w, http.StatusInternalServerError, runResponse{Report: rep, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Report: rep})
}

// inbound handles Twilio's incoming message webhook. STOP deactivates the
// sender; any other text from a known sender becomes a journal entry.
func (h *handlers) inbound(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if h.cfg.ValidateWebhook {
		full := strings.TrimRight(h.cfg.PublicURL, "/") + r.URL.RequestURI()
		if !sms.ValidateSignature(h.cfg.WebhookToken, full, r.PostForm, r.Header.Get("X-Twilio-Signature")) {
			h.log.Warn("inbound sms signature mismatch", logx.String("remote", r.RemoteAddr))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}
	from := strings.TrimSpace(r.PostForm.Get("From"))
	body := strings.TrimSpace(r.PostForm.Get("Body"))
	if from == "" {
		http.Error(w, "missing From", http.StatusBadRequest)
		return
	}
	if h.deps.Store == nil {
		http.Error(w, "storage disabled", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	log := h.log.With(logx.String("phone", from))

	if _, err := h.deps.Store.GetUser(ctx, from); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Info("inbound sms from unknown sender ignored")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		log.Error("inbound sms lookup failed", logx.Err(err))
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}

	if strings.EqualFold(body, "stop") {
		if err := h.deps.Store.SetActive(ctx, from, false); err != nil {
			log.Error("deactivate failed", logx.Err(err))
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		log.Info("user unsubscribed")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if body == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	e, err := h.deps.Store.InsertEntry(ctx, storage.Entry{Phone: from, Text: body})
	if err != nil {
		log.Error("insert entry failed", logx.Err(err))
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	log.Debug("journal entry stored", logx.Int64("id", e.ID))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
