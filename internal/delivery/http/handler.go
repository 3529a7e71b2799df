package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"faas-control/internal/core/apps"
	"faas-control/internal/core/functions"
	"faas-control/internal/core/gateway"
	"faas-control/internal/core/quota"
	"faas-control/internal/core/triggers"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
)

type Handler struct {
	appMgr    *apps.Manager
	registry  *functions.Registry
	router    *gateway.Router
	scheduler *triggers.Scheduler
	lg        zerolog.Logger
	client    *http.Client
}

func NewHandler(appMgr *apps.Manager, registry *functions.Registry, router *gateway.Router,
	scheduler *triggers.Scheduler, lg zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	h := &Handler{
		appMgr:    appMgr,
		registry:  registry,
		router:    router,
		scheduler: scheduler,
		lg:        lg,
		client:    &http.Client{Timeout: 60 * time.Second},
	}

	r.Route("/apps", func(r chi.Router) {
		r.Post("/", h.handleCreateApp)
		r.Get("/", h.handleListApps)
		r.Route("/{appID}", func(r chi.Router) {
			r.Get("/", h.handleGetApp)
			r.Post("/stop", h.handleStopApp)
			r.Delete("/", h.handleDeleteApp)

			r.Route("/functions", func(r chi.Router) {
				r.Post("/", h.handleCreateFunction)
				r.Get("/", h.handleListFunctions)
				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", h.handleGetFunction)
					r.Put("/", h.handleUpdateFunction)
					r.Delete("/", h.handleDeleteFunction)
					r.Post("/compile", h.handleCompileFunction)
					r.Post("/invoke", h.handleInvokeFunction)
				})
			})

			r.Route("/triggers", func(r chi.Router) {
				r.Post("/", h.handleCreateTrigger)
				r.Get("/", h.handleListTriggers)
				r.Delete("/{triggerID}", h.handleDeleteTrigger)
			})
		})
	})

	// Consumed by the dispatch path, not tenant-facing.
	r.Get("/internal/routes/{appID}/{name}", h.handleResolveRoute)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/swagger/*", httpSwagger.Handler())

	return r
}

// handleCreateApp registers a new application.
// @Summary  Create application
// @Accept   json
// @Produce  json
// @Success  201 {object} apps.Application
// @Router   /apps [post]
func (h *Handler) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID  string `json:"owner_id"`
		BundleID string `json:"bundle_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.OwnerID == "" || req.BundleID == "" {
		writeErrorMessage(w, http.StatusBadRequest, "owner_id and bundle_id are required")
		return
	}

	app, err := h.appMgr.Create(r.Context(), req.OwnerID, req.BundleID)
	if err != nil {
		h.writeError(w, err, "create application")
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (h *Handler) handleListApps(w http.ResponseWriter, r *http.Request) {
	list, err := h.appMgr.List(r.Context())
	if err != nil {
		h.writeError(w, err, "list applications")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGetApp(w http.ResponseWriter, r *http.Request) {
	app, err := h.appMgr.Get(r.Context(), chi.URLParam(r, "appID"))
	if err != nil {
		h.writeError(w, err, "get application")
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (h *Handler) handleStopApp(w http.ResponseWriter, r *http.Request) {
	if err := h.appMgr.Stop(r.Context(), chi.URLParam(r, "appID")); err != nil {
		h.writeError(w, err, "stop application")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	if err := h.appMgr.Delete(r.Context(), chi.URLParam(r, "appID")); err != nil {
		h.writeError(w, err, "delete application")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateFunction registers a function at version 0.
// @Summary  Create function
// @Accept   json
// @Produce  json
// @Success  201 {object} functions.Function
// @Router   /apps/{appID}/functions [post]
func (h *Handler) handleCreateFunction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}

	fn, err := h.registry.Create(r.Context(), chi.URLParam(r, "appID"), req.Name, req.Source)
	if err != nil {
		h.writeError(w, err, "create function")
		return
	}
	writeJSON(w, http.StatusCreated, fn)
}

func (h *Handler) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.List(r.Context(), chi.URLParam(r, "appID"))
	if err != nil {
		h.writeError(w, err, "list functions")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	fn, err := h.registry.Get(r.Context(), chi.URLParam(r, "appID"), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, err, "get function")
		return
	}
	writeJSON(w, http.StatusOK, fn)
}

func (h *Handler) handleUpdateFunction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}

	fn, err := h.registry.Update(r.Context(), chi.URLParam(r, "appID"), chi.URLParam(r, "name"), req.Source)
	if err != nil {
		h.writeError(w, err, "update function")
		return
	}
	writeJSON(w, http.StatusOK, fn)
}

func (h *Handler) handleDeleteFunction(w http.ResponseWriter, r *http.Request) {
	err := h.registry.Remove(r.Context(), chi.URLParam(r, "appID"), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, err, "delete function")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCompileFunction compiles and deploys the function. An empty
// source compiles the stored one.
// @Summary  Compile function
// @Accept   json
// @Produce  json
// @Success  200 {object} functions.Artifact
// @Router   /apps/{appID}/functions/{name}/compile [post]
func (h *Handler) handleCompileFunction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}

	artifact, err := h.registry.Compile(r.Context(), chi.URLParam(r, "appID"), chi.URLParam(r, "name"), req.Source)
	if err != nil {
		h.writeError(w, err, "compile function")
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// handleInvokeFunction proxies an invocation to the live instance.
func (h *Handler) handleInvokeFunction(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	name := chi.URLParam(r, "name")

	target, err := h.router.Resolve(appID, name)
	if err != nil {
		h.writeError(w, err, "resolve route")
		return
	}

	url := fmt.Sprintf("http://%s/invoke/%s", target.Address, name)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, r.Body)
	if err != nil {
		h.writeError(w, err, "build invocation")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		h.lg.Error().Err(err).Str("app_id", appID).Str("function", name).Msg("invoke instance")
		writeErrorMessage(w, http.StatusBadGateway, "instance unreachable")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (h *Handler) handleResolveRoute(w http.ResponseWriter, r *http.Request) {
	target, err := h.router.Resolve(chi.URLParam(r, "appID"), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, err, "resolve route")
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (h *Handler) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FunctionName string `json:"function_name"`
		Schedule     string `json:"schedule"`
		Payload      string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}

	trg, err := h.scheduler.Create(r.Context(), chi.URLParam(r, "appID"), req.FunctionName, req.Schedule, req.Payload)
	if err != nil {
		h.writeError(w, err, "create trigger")
		return
	}
	writeJSON(w, http.StatusCreated, trg)
}

func (h *Handler) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	list, err := h.scheduler.List(r.Context(), chi.URLParam(r, "appID"))
	if err != nil {
		h.writeError(w, err, "list triggers")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	err := h.scheduler.Delete(r.Context(), chi.URLParam(r, "appID"), chi.URLParam(r, "triggerID"))
	if err != nil {
		h.writeError(w, err, "delete trigger")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps the core error taxonomy onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error, op string) {
	var verr *functions.ValidationError
	var qerr *quota.QuotaExceededError
	var cerr *functions.CompileError

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": verr.Error(), "field": verr.Field,
		})
	case errors.Is(err, functions.ErrNotFound),
		errors.Is(err, apps.ErrNotFound),
		errors.Is(err, gateway.ErrNotFound),
		errors.Is(err, triggers.ErrNotFound),
		errors.Is(err, quota.ErrBundleNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, functions.ErrDuplicateName):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.As(err, &qerr):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": qerr.Error(), "limit": qerr.Limit, "current": qerr.Current,
		})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": cerr.Error(), "reason": cerr.Reason, "diagnostics": cerr.Diagnostics,
		})
	default:
		h.lg.Error().Err(err).Str("op", op).Msg("request failed")
		writeErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
