// Package httpapi serves the orchestrator's control operations over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"devpilot/internal/orchestrator"
	"devpilot/internal/storage"
	"devpilot/internal/task"
	logx "devpilot/pkg/logx"
)

// Controller is the orchestrator surface served here. *orchestrator.Orchestrator implements it.
type Controller interface {
	Status() orchestrator.Status
	Enable(ctx context.Context, mode task.Mode) (orchestrator.State, error)
	Disable() orchestrator.State
	ForceCycle(ctx context.Context) (orchestrator.State, error)
	ClearQueue() orchestrator.State
	Reset() orchestrator.State
	ExportHistory() orchestrator.HistoryDocument
	SetGate(name string, enabled bool) (orchestrator.State, error)
	RecentAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error)
}

type errorResponse struct {
	Error string              `json:"error"`
	State *orchestrator.State `json:"state,omitempty"`
}

type handler struct {
	ctrl Controller
	log  logx.Logger
}

// NewRouter builds the chi router. An empty token disables authentication.
// With pprof set, the runtime profiler is mounted under /debug.
func NewRouter(ctrl Controller, token string, pprof bool, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{ctrl: ctrl, log: log}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.logRequests)
	r.Use(withAuth(token))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if pprof {
		r.Mount("/debug", chimiddleware.Profiler())
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Post("/scheduler/enable", h.enable)
		r.Post("/scheduler/disable", h.disable)
		r.Post("/cycle", h.cycle)
		r.Post("/queue/clear", h.clearQueue)
		r.Post("/reset", h.reset)
		r.Get("/export", h.export)
		r.Get("/audit", h.audit)
		r.Post("/gates/{name}", h.setGate)
	})
	return r
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *handler) enable(w http.ResponseWriter, r *http.Request) {
	mode, err := task.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err, nil)
		return
	}
	st, err := h.ctrl.Enable(r.Context(), mode)
	if err != nil {
		respondError(w, statusFor(err), err, &st)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (h *handler) disable(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.ctrl.Disable())
}

func (h *handler) cycle(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctrl.ForceCycle(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err, &st)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (h *handler) clearQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.ctrl.ClearQueue())
}

func (h *handler) reset(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.ctrl.Reset())
}

func (h *handler) export(w http.ResponseWriter, r *http.Request) {
	doc := h.ctrl.ExportHistory()
	name := fmt.Sprintf("devpilot-history-%s.json", doc.ExportedAt.Format("20060102-150405"))
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	respondJSON(w, http.StatusOK, doc)
}

func (h *handler) audit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 10000 {
			respondError(w, http.StatusBadRequest, errors.New("limit must be 1..10000"), nil)
			return
		}
		limit = n
	}
	entries, err := h.ctrl.RecentAudit(r.Context(), limit)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		respondError(w, http.StatusNotFound, errors.New("audit journal disabled"), nil)
	case err != nil:
		h.log.Warn("audit read failed", logx.Err(err))
		respondError(w, http.StatusInternalServerError, errors.New("audit read failed"), nil)
	default:
		if entries == nil {
			entries = []storage.AuditEntry{}
		}
		respondJSON(w, http.StatusOK, entries)
	}
}

func (h *handler) setGate(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("enabled must be true or false"), nil)
		return
	}
	st, err := h.ctrl.SetGate(chi.URLParam(r, "name"), enabled)
	if err != nil {
		respondError(w, http.StatusBadRequest, err, &st)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrNotStarted):
		return http.StatusServiceUnavailable
	case task.IsConfigurationError(err):
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, err error, st *orchestrator.State) {
	respondJSON(w, status, errorResponse{Error: err.Error(), State: st})
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	respondJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
}
