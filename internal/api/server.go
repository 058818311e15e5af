// Package api exposes the analysis pipeline over HTTP.
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
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/bid-analyzer/internal/model"
	"github.com/sells-group/bid-analyzer/internal/pipeline"
	"github.com/sells-group/bid-analyzer/internal/store"
)

// Runner is the subset of the orchestrator the API drives.
type Runner interface {
	StartRun(ctx context.Context, key model.NaturalKey) (*model.AnalysisRun, error)
	GetRunStatus(ctx context.Context, runID string) (*pipeline.RunStatus, error)
	CancelRun(ctx context.Context, runID string) error
}

// RunLister lists stored runs. Optional.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.AnalysisRun, error)
}

// Options configures the router.
type Options struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

type server struct {
	runner Runner
	lister RunLister
}

// NewRouter builds the HTTP handler. lister may be nil, in which case
// GET /v1/runs is not mounted.
func NewRouter(runner Runner, lister RunLister, opts Options) http.Handler {
	s := &server{runner: runner, lister: lister}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", s.startRun)
		if lister != nil {
			r.Get("/", s.listRuns)
		}
		r.Get("/{runID}", s.getRun)
		r.Post("/{runID}/cancel", s.cancelRun)
	})
	return r
}

type startRequest struct {
	OpportunityID string `json:"opportunity_id"`
	NoticeID      string `json:"notice_id"`
}

func (s *server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, err := s.runner.StartRun(r.Context(), model.NaturalKey{OpportunityID: req.OpportunityID, NoticeID: req.NoticeID})
	switch {
	case errors.Is(err, model.ErrMissingKey):
		writeError(w, http.StatusBadRequest, "opportunity_id or notice_id is required")
		return
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		internalError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

func (s *server) getRun(w http.ResponseWriter, r *http.Request) {
	status, err := s.runner.GetRunStatus(r.Context(), chi.URLParam(r, "runID"))
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
		return
	case err != nil:
		internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	err := s.runner.CancelRun(r.Context(), id)
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
		return
	case errors.Is(err, pipeline.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "run already finished")
		return
	case err != nil:
		internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "run_id": id})
}

func (s *server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Stage:         model.Stage(q.Get("stage")),
		OpportunityID: q.Get("opportunity_id"),
		NoticeID:      q.Get("notice_id"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	runs, err := s.lister.ListRuns(r.Context(), filter)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.AnalysisRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid")
	}
	return n, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Error("api: request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}
