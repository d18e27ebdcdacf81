// Package api exposes the management surface: queue inspection, processor
// lifecycle control, source administration and runtime settings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/your-org/datalift/internal/processor"
	"github.com/your-org/datalift/internal/queue"
	"github.com/your-org/datalift/internal/settings"
	"github.com/your-org/datalift/internal/sources"
	"github.com/your-org/datalift/pkg/storage/objectstore"
)

const defaultHistoryLimit = 100

// Params carries the collaborators the handler exposes.
type Params struct {
	DB        *gorm.DB
	Queue     *queue.Queue
	Processor *processor.Processor
	Sources   *sources.Store
	Settings  *settings.Store
	Store     objectstore.Client
	Logger    *zap.Logger

	// BaseCtx is the process root context. Processor restarts triggered
	// over HTTP must not inherit the request's lifetime.
	BaseCtx context.Context
}

// HTTPHandler exposes REST endpoints for the uploader service.
type HTTPHandler struct {
	db       *gorm.DB
	queue    *queue.Queue
	proc     *processor.Processor
	sources  *sources.Store
	settings *settings.Store
	store    objectstore.Client
	logger   *zap.Logger
	baseCtx  context.Context
	router   chi.Router
}

// NewHTTPHandler constructs the HTTP handler and wires routes.
func NewHTTPHandler(p Params) *HTTPHandler {
	if p.BaseCtx == nil {
		p.BaseCtx = context.Background()
	}
	h := &HTTPHandler{
		db:       p.DB,
		queue:    p.Queue,
		proc:     p.Processor,
		sources:  p.Sources,
		settings: p.Settings,
		store:    p.Store,
		logger:   p.Logger,
		baseCtx:  p.BaseCtx,
	}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/healthz", h.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.handleStatus)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", h.handleQueueCounts)
			r.Get("/pending", h.handleQueuePending)
			r.Get("/failed", h.handleQueueFailed)
			r.Post("/retry-failed", h.handleRetryFailed)
			r.Get("/{id}", h.handleQueueItem)
		})

		r.Get("/history", h.handleHistory)

		r.Route("/sources", func(r chi.Router) {
			r.Get("/", h.handleSourceList)
			r.Post("/", h.handleSourceCreate)
			r.Put("/{id}", h.handleSourceUpdate)
			r.Delete("/{id}", h.handleSourceDelete)
			r.Post("/{id}/enable", h.handleSourceEnable)
			r.Post("/{id}/disable", h.handleSourceDisable)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", h.handleSettingsList)
			r.Put("/", h.handleSettingsUpdate)
		})

		r.Route("/processor", func(r chi.Router) {
			r.Post("/start", h.handleProcessorStart)
			r.Post("/stop", h.handleProcessorStop)
			r.Post("/pause", h.handleProcessorPause)
			r.Post("/resume", h.handleProcessorResume)
			r.Post("/process-now", h.handleProcessNow)
		})
	})

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := false
	if sqlDB, err := h.db.DB(); err == nil {
		dbOK = sqlDB.PingContext(r.Context()) == nil
	}
	storeOK := h.store.IsConnected(r.Context())

	status := http.StatusOK
	state := "ok"
	if !dbOK {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":      state,
		"database":    dbOK,
		"objectStore": storeOK,
	})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.proc.Status(r.Context()))
}

func (h *HTTPHandler) handleQueueCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.CountByState()
	if err != nil {
		h.logger.Error("count queue states", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *HTTPHandler) handleQueuePending(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.ListPending()
	if err != nil {
		h.logger.Error("list pending items", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	writeItems(w, items)
}

func (h *HTTPHandler) handleQueueFailed(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.ListFailed()
	if err != nil {
		h.logger.Error("list failed items", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	writeItems(w, items)
}

func (h *HTTPHandler) handleQueueItem(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	item, err := h.queue.Get(id)
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		h.logger.Error("load queue item", zap.Uint("item_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}

	progress, err := h.queue.Progress(id)
	if err != nil {
		h.logger.Error("load item progress", zap.Uint("item_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"item":     item,
		"progress": progress,
	})
}

func (h *HTTPHandler) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.ResetFailed()
	if err != nil {
		h.logger.Error("reset failed items", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	h.logger.Info("failed items reset for retry", zap.Int64("count", n))
	writeJSON(w, http.StatusOK, map[string]any{"reset": n})
}

func (h *HTTPHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	rows, err := h.queue.History(limit)
	if err != nil {
		h.logger.Error("load upload history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history": rows,
		"count":   len(rows),
	})
}

func (h *HTTPHandler) handleSourceList(w http.ResponseWriter, r *http.Request) {
	list, err := h.sources.List()
	if err != nil {
		h.logger.Error("list data sources", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sources unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": list,
		"count":   len(list),
	})
}

func (h *HTTPHandler) handleSourceCreate(w http.ResponseWriter, r *http.Request) {
	var src sources.DataSource
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeError(w, http.StatusBadRequest, "invalid source payload")
		return
	}
	src.ID = 0
	src.LastRunAt = nil
	src.LastError = ""
	src.ConsecutiveFailures = 0

	if err := src.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := h.sources.FindByName(src.Name)
	if err != nil {
		h.logger.Error("look up source by name", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sources unavailable")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "source name already in use")
		return
	}

	if err := h.sources.Create(&src); err != nil {
		h.logger.Error("create data source", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	h.logger.Info("data source created",
		zap.String("name", src.Name), zap.String("type", string(src.Type)))
	writeJSON(w, http.StatusCreated, src)
}

func (h *HTTPHandler) handleSourceUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}

	existing, err := h.sources.Get(id)
	if errors.Is(err, sources.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	if err != nil {
		h.logger.Error("load data source", zap.Uint("source_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sources unavailable")
		return
	}

	var payload sources.DataSource
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid source payload")
		return
	}

	if payload.Name != existing.Name {
		other, err := h.sources.FindByName(payload.Name)
		if err != nil {
			h.logger.Error("look up source by name", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "sources unavailable")
			return
		}
		if other != nil {
			writeError(w, http.StatusConflict, "source name already in use")
			return
		}
	}

	existing.Name = payload.Name
	existing.Type = payload.Type
	existing.Enabled = payload.Enabled
	existing.Path = payload.Path
	existing.Pattern = payload.Pattern
	existing.AutoCreate = payload.AutoCreate
	existing.Endpoint = payload.Endpoint
	existing.Headers = payload.Headers
	existing.IntervalSeconds = payload.IntervalSeconds
	existing.ResponsePath = payload.ResponsePath
	existing.IDFields = payload.IDFields

	if err := existing.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.sources.Update(existing); err != nil {
		h.logger.Error("update data source", zap.Uint("source_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (h *HTTPHandler) handleSourceDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	err = h.sources.Delete(id)
	if errors.Is(err, sources.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	if err != nil {
		h.logger.Error("delete data source", zap.Uint("source_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	h.logger.Info("data source deleted", zap.Uint("source_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (h *HTTPHandler) handleSourceEnable(w http.ResponseWriter, r *http.Request) {
	h.setSourceEnabled(w, r, true)
}

func (h *HTTPHandler) handleSourceDisable(w http.ResponseWriter, r *http.Request) {
	h.setSourceEnabled(w, r, false)
}

func (h *HTTPHandler) setSourceEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	err = h.sources.SetEnabled(id, enabled)
	if errors.Is(err, sources.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	if err != nil {
		h.logger.Error("toggle data source", zap.Uint("source_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "toggle failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"enabled": enabled,
	})
}

func (h *HTTPHandler) handleSettingsList(w http.ResponseWriter, r *http.Request) {
	all, err := h.settings.All()
	if err != nil {
		h.logger.Error("list settings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "settings unavailable")
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (h *HTTPHandler) handleSettingsUpdate(w http.ResponseWriter, r *http.Request) {
	var payload map[string]string
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings payload")
		return
	}
	for key, value := range payload {
		if err := h.settings.Set(key, value); err != nil {
			h.logger.Error("update setting", zap.String("key", key), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "settings update failed")
			return
		}
	}
	h.logger.Info("settings updated", zap.Int("count", len(payload)))
	writeJSON(w, http.StatusOK, map[string]any{"updated": len(payload)})
}

func (h *HTTPHandler) handleProcessorStart(w http.ResponseWriter, r *http.Request) {
	h.proc.Start(h.baseCtx)
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (h *HTTPHandler) handleProcessorStop(w http.ResponseWriter, r *http.Request) {
	h.proc.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *HTTPHandler) handleProcessorPause(w http.ResponseWriter, r *http.Request) {
	h.proc.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *HTTPHandler) handleProcessorResume(w http.ResponseWriter, r *http.Request) {
	h.proc.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *HTTPHandler) handleProcessNow(w http.ResponseWriter, r *http.Request) {
	h.proc.ProcessNow()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cycle triggered"})
}

func parseID(r *http.Request) (uint, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

func writeItems(w http.ResponseWriter, items []queue.Item) {
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
