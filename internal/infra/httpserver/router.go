package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appai "github.com/bryanwahyu/scanops/internal/application/ai"
	appscans "github.com/bryanwahyu/scanops/internal/application/scans"
	domai "github.com/bryanwahyu/scanops/internal/domain/ai"
	"github.com/bryanwahyu/scanops/internal/domain/scanerr"
	domain "github.com/bryanwahyu/scanops/internal/domain/scans"
	"github.com/bryanwahyu/scanops/internal/infra/stream"
	"github.com/bryanwahyu/scanops/internal/middleware"
)

type Router struct {
	scansSvc *appscans.Service
	aiSvc    *appai.Service
	hub      *stream.Hub
}

func NewRouter(scansSvc *appscans.Service, aiSvc *appai.Service, hub *stream.Hub, health http.HandlerFunc) http.Handler {
	r := &Router{scansSvc: scansSvc, aiSvc: aiSvc, hub: hub}
	mux := chi.NewRouter()

	if health != nil {
		mux.Get("/health", health)
	} else {
		mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})
	}
	mux.Get("/metrics", middleware.MetricsHandler)

	mux.Route("/v1", func(rt chi.Router) {
		rt.Post("/scans", r.wrap(r.handleCreateScan))
		rt.Get("/scans/latest", r.wrap(r.handleLatest))
		rt.Get("/scans/{id}", r.wrap(r.handleGet))
		rt.Get("/scans/{id}/logs", r.wrap(r.handleLogs))
		rt.Post("/scans/{id}/cancel", r.wrap(r.handleCancel))
		rt.Post("/ai/recommend", r.wrap(r.handleRecommend))
		rt.Get("/quota", r.wrap(r.handleQuota))
		rt.Get("/ws", r.handleWS)
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// errUnauthenticated covers requests that reached a handler without an
// identity; the auth middleware normally rejects these earlier.
var errUnauthenticated = errors.New("unauthenticated")

// wrap maps the domain error taxonomy onto HTTP status codes. Errors
// reaching clients carry the class, not internals.
func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		switch {
		case errors.Is(err, errUnauthenticated):
			http.Error(w, err.Error(), http.StatusUnauthorized)
		case errors.Is(err, scanerr.ErrScanNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, scanerr.ErrInvalidTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, scanerr.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, domai.ErrQuotaExceeded):
			http.Error(w, "ai quota exceeded", http.StatusTooManyRequests)
		case errors.Is(err, scanerr.ErrAuthorization):
			http.Error(w, err.Error(), http.StatusForbidden)
		case errors.Is(err, scanerr.ErrEnvironment):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

func identity(req *http.Request) (middleware.User, error) {
	u, ok := middleware.GetUserFromContext(req.Context())
	if !ok {
		return middleware.User{}, errUnauthenticated
	}
	return u, nil
}

// POST /v1/scans
// Body: {"target": "...", "tool": "...", "flags": [...], "prompt": "..."}
// Tool is optional; without it the AI oracle proposes one.
func (r *Router) handleCreateScan(w http.ResponseWriter, req *http.Request) error {
	user, err := identity(req)
	if err != nil {
		return err
	}

	var body struct {
		Target   string   `json:"target"`
		Tool     string   `json:"tool"`
		Flags    []string `json:"flags"`
		Prompt   string   `json:"prompt"`
		Metadata any      `json:"metadata"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return scanerr.ErrValidation
	}

	id, err := r.scansSvc.Create(req.Context(), appscans.CreateCommand{
		UserID:   user.ID,
		Role:     user.Role,
		Target:   body.Target,
		Tool:     body.Tool,
		Flags:    body.Flags,
		Prompt:   body.Prompt,
		Metadata: body.Metadata,
	})
	if err != nil {
		return err
	}
	middleware.IncrementScans()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	return json.NewEncoder(w).Encode(map[string]any{
		"scan_id": id,
		"status":  domain.StatusQueued,
		"topic":   domain.TopicScan(id),
	})
}

// POST /v1/scans/{id}/cancel
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateScanID(id); err != nil {
		return scanerr.ErrValidation
	}
	if err := r.scansSvc.Cancel(req.Context(), domain.ScanID(id)); err != nil {
		return err
	}
	middleware.IncrementScansCancelled()
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(map[string]any{"scan_id": id, "status": "cancelling"})
}

// GET /v1/scans/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	id := chi.URLParam(req, "id")

	scan, err := r.scansSvc.Get(req.Context(), domain.ScanID(id))
	if err != nil {
		return err
	}
	if scan == nil {
		return scanerr.ErrScanNotFound
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(scan)
}

// GET /v1/scans/{id}/logs?level=&limit=&offset=
func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) error {
	id := chi.URLParam(req, "id")
	level := domain.Level(req.URL.Query().Get("level"))
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))

	entries, err := r.scansSvc.ScanLogs(req.Context(), domain.ScanID(id), level, limit, offset)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(map[string]any{"scan_id": id, "entries": entries})
}

// GET /v1/scans/latest?limit=20
func (r *Router) handleLatest(w http.ResponseWriter, req *http.Request) error {
	user, err := identity(req)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	limit = middleware.ValidateLimit(limit)

	list, err := r.scansSvc.Latest(req.Context(), user.ID, limit)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(list)
}

// POST /v1/ai/recommend
// Body: {"prompt": "...", "target": "..."}
func (r *Router) handleRecommend(w http.ResponseWriter, req *http.Request) error {
	user, err := identity(req)
	if err != nil {
		return err
	}
	if r.aiSvc == nil {
		return scanerr.ErrEnvironment
	}

	var body struct {
		Prompt string `json:"prompt"`
		Target string `json:"target"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return scanerr.ErrValidation
	}
	if body.Target == "" {
		return scanerr.ErrValidation
	}

	rec, err := r.aiSvc.Recommend(req.Context(), user.ID, user.Role, body.Prompt, body.Target)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(rec)
}

// GET /v1/quota
func (r *Router) handleQuota(w http.ResponseWriter, req *http.Request) error {
	user, err := identity(req)
	if err != nil {
		return err
	}
	sum, err := r.scansSvc.Usage(req.Context(), user.ID, user.Role)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(sum)
}

// GET /v1/ws upgrades to the live event stream.
func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	user, ok := middleware.GetUserFromContext(req.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	r.hub.ServeWS(w, req, user.ID)
}
