package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"scrapesched/internal/model"
	logx "scrapesched/pkg/logx"
)

// Handler serves the API routes.
type Handler struct {
	deps Deps
	log  logx.Logger
	cfg  Config

	// done ends open status streams; hijacked connections survive Shutdown.
	done      chan struct{}
	closeOnce sync.Once
}

func NewHandler(deps Deps, cfg Config, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 5 * time.Second
	}
	return &Handler{deps: deps, log: log, cfg: cfg, done: make(chan struct{})}
}

// Close ends every open status stream.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Router builds the route table. Everything under /api requires the token
// when one is configured; /healthz never does.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware(h.cfg.Token))
	api.HandleFunc("/status", h.getStatus).Methods(http.MethodGet)
	api.HandleFunc("/config", h.getConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", h.putConfig).Methods(http.MethodPut)
	api.HandleFunc("/scheduler/start", h.startScheduler).Methods(http.MethodPost)
	api.HandleFunc("/scheduler/stop", h.stopScheduler).Methods(http.MethodPost)
	api.HandleFunc("/execution/start", h.startExecution).Methods(http.MethodPost)
	api.HandleFunc("/execution/cancel", h.cancelExecution).Methods(http.MethodPost)
	api.HandleFunc("/executions", h.listExecutions).Methods(http.MethodGet)
	api.HandleFunc("/execution/{id}", h.getExecution).Methods(http.MethodGet)
	api.HandleFunc("/ws/status", h.streamStatus).Methods(http.MethodGet)
	return r
}

func (h *Handler) statusNow() StatusResponse {
	return StatusResponse{Snapshot: h.deps.Status.Snapshot(), Scheduler: h.deps.Scheduler.Snapshot()}
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.statusNow())
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Settings.Get())
}

func (h *Handler) putConfig(w http.ResponseWriter, r *http.Request) {
	var upd model.ConfigUpdate
	if err := decodeBody(r, &upd); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	cfg, err := h.deps.Settings.Update(r.Context(), upd)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("scraper config updated via api",
		logx.Int("interval_minutes", cfg.IntervalMinutes),
		logx.Int("timeout_minutes", cfg.TimeoutMinutes),
		logx.Int("max_workers", cfg.MaxWorkers),
		logx.Int("retry_attempts", cfg.RetryAttempts),
		logx.Bool("enabled", cfg.Enabled),
	)
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) startScheduler(w http.ResponseWriter, r *http.Request) {
	h.deps.Scheduler.Start(r.Context())
	writeJSON(w, http.StatusOK, schedulerResponse{SchedulerRunning: true})
}

func (h *Handler) stopScheduler(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Scheduler.Stop(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedulerResponse{SchedulerRunning: false})
}

func (h *Handler) startExecution(w http.ResponseWriter, r *http.Request) {
	run, err := h.deps.Scheduler.RunNow(r.Context())
	if err != nil {
		resp := errorResponse{Error: err.Error()}
		if run != nil {
			resp.ExecutionID = run.ID()
		}
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{ExecutionID: run.ID()})
}

func (h *Handler) cancelExecution(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := h.deps.Engine.Cancel(strings.TrimSpace(req.Reason)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLimit)
	}
	list, err := h.deps.Store.Recent(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]model.Execution, len(list))
	for i, e := range list {
		out[i] = e.Summary()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	e, err := h.deps.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("api request failed", logx.Err(err))
	}
	resp := errorResponse{Error: err.Error()}
	var ce *model.ConfigError
	if errors.As(err, &ce) {
		resp.Field, resp.Rule = ce.Field, ce.Rule
	}
	writeJSON(w, code, resp)
}

func statusFor(err error) int {
	var ce *model.ConfigError
	switch {
	case errors.As(err, &ce):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrNoRun):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody strictly decodes a JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
