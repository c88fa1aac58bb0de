// Package gateway is the operator control plane: a small JSON API over the
// runtime, the approval queue, replay and resume, plus a websocket mirror of
// bus events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/taskcore/internal/approval"
	"github.com/basket/taskcore/internal/audit"
	"github.com/basket/taskcore/internal/bus"
	"github.com/basket/taskcore/internal/config"
	"github.com/basket/taskcore/internal/coordinator"
	"github.com/basket/taskcore/internal/otel"
	"github.com/basket/taskcore/internal/runtime"
	"github.com/basket/taskcore/internal/task"
)

const (
	maxBodyBytes     = 1 << 20
	eventBufferSize  = 64
	wsWriteTimeout   = 5 * time.Second
	shutdownTimeout  = 5 * time.Second
	evictionInterval = time.Minute
	bucketMaxIdle    = 10 * time.Minute
)

// TaskRunner is the part of the runtime the gateway drives.
type TaskRunner interface {
	Start(ctx context.Context, req task.Request) (string, error)
	Cancel(taskID string) bool
	ActiveTasks() []string
}

type Config struct {
	Runtime   TaskRunner
	Approvals *approval.Queue
	Replay    *audit.ReplayService
	Resume    *coordinator.ResumeService
	Bus       *bus.Bus
	Gateway   config.GatewayConfig

	// Ping reports storage health for /healthz.
	Ping              func(ctx context.Context) error
	PolicyVersion     func() string
	ConfigFingerprint string
	Logger            *slog.Logger
	Telemetry         *otel.Provider
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tel    *otel.Provider
	auth   *AuthMiddleware
	limit  *RateLimiter
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		tel:    otel.OrNoop(cfg.Telemetry),
		auth:   NewAuthMiddleware(cfg.Gateway.Auth),
		limit:  NewRateLimiter(cfg.Gateway.RateLimit),
	}
}

// Handler returns the routed API wrapped in CORS, rate limiting, auth and
// body size limits, outermost first.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /v1/approvals/{id}", s.handleDecideApproval)
	mux.HandleFunc("POST /v1/tasks", s.handleSubmitTask)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /v1/tasks/{id}/replay", s.handleReplay)
	mux.HandleFunc("GET /v1/tasks/{id}/stream", s.handleTaskStream)
	mux.HandleFunc("GET /v1/snapshots/{id}/preview", s.handlePreview)
	mux.HandleFunc("POST /v1/snapshots/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(maxBodyBytes)(h)
	h = s.auth.Wrap(h)
	h = s.limit.Wrap(h)
	h = NewCORSMiddleware(s.cfg.Gateway.CORS)(h)
	h = s.instrument(mux, h)
	return h
}

// Run serves on the configured bind address until ctx ends, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Gateway.BindAddr
	if addr == "" {
		return errors.New("gateway: bind address is required")
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.limit.StartEviction(ctx, evictionInterval, bucketMaxIdle)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr, "auth", s.auth.enabled)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Ping != nil {
		if err := s.cfg.Ping(r.Context()); err != nil {
			s.logger.Warn("health check: storage ping failed", "error", err)
			dbOK = false
		}
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"policy_denials":     audit.DenyCount(),
	}
	if s.cfg.PolicyVersion != nil {
		payload["policy_version"] = s.cfg.PolicyVersion()
	}
	if s.cfg.Runtime != nil {
		payload["active_tasks"] = len(s.cfg.Runtime.ActiveTasks())
	}
	if s.cfg.Approvals != nil {
		payload["pending_approvals"] = len(s.cfg.Approvals.ListPending())
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Approvals == nil {
		writeError(w, http.StatusServiceUnavailable, "approval queue not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": s.cfg.Approvals.ListPending()})
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Approvals == nil {
		writeError(w, http.StatusServiceUnavailable, "approval queue not configured")
		return
	}
	id := r.PathValue("id")
	var in approval.Input
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Reviewer == "" {
		if entry, ok := KeyEntryFromContext(r.Context()); ok {
			in.Reviewer = entry.Name
		}
	}

	var pending approval.Pending
	for _, p := range s.cfg.Approvals.ListPending() {
		if p.ID == id {
			pending = p
			break
		}
	}
	if !s.cfg.Approvals.Decide(id, in) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("approval %s is not pending", id))
		return
	}
	s.logger.Info("approval decided", "approval_id", id, "task_id", pending.Request.TaskID,
		"approved", in.Approved, "reviewer", in.Reviewer)
	s.publish(r.Context(), bus.ApprovalDecided, bus.ApprovalEvent{
		ApprovalID: id,
		TaskID:     pending.Request.TaskID,
		Operation:  pending.Request.Operation,
		RiskLevel:  pending.Request.RiskLevel,
		Approved:   &in.Approved,
		Reviewer:   in.Reviewer,
		Timestamp:  time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "approved": in.Approved})
}

type submitRequest struct {
	ID          string         `json:"id,omitempty"`
	SessionID   string         `json:"session_id"`
	Instruction string         `json:"instruction"`
	ForceMode   string         `json:"force_mode,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Runtime == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime not configured")
		return
	}
	var body submitRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := task.Request{
		ID:          body.ID,
		SessionID:   body.SessionID,
		Instruction: body.Instruction,
		Metadata:    body.Metadata,
	}
	if body.ForceMode != "" {
		mode, err := task.ParseStrategy(body.ForceMode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.ForceMode = &mode
	}
	taskID, err := s.cfg.Runtime.Start(r.Context(), req)
	switch {
	case errors.Is(err, runtime.ErrEmptyInstruction):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, task.ErrTaskExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Runtime == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime not configured")
		return
	}
	id := r.PathValue("id")
	if !s.cfg.Runtime.Cancel(id) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("task %s is not running", id))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "cancel_requested": true})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Replay == nil {
		writeError(w, http.StatusServiceUnavailable, "replay not configured")
		return
	}
	replay, err := s.cfg.Replay.GetTaskReplay(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, replay)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Resume == nil {
		writeError(w, http.StatusServiceUnavailable, "resume not configured")
		return
	}
	preview, err := s.cfg.Resume.Preview(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Resume == nil {
		writeError(w, http.StatusServiceUnavailable, "resume not configured")
		return
	}
	var body struct {
		Confirmed bool `json:"confirmed"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if v := r.URL.Query().Get("confirm"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			body.Confirmed = true
		}
	}
	// The resumed run outlives a dropped client connection.
	ctx := context.WithoutCancel(r.Context())
	res, err := s.cfg.Resume.Execute(ctx, coordinator.ExecuteInput{
		SnapshotID: r.PathValue("id"),
		Confirmed:  body.Confirmed,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	status := http.StatusOK
	if res.Result == nil && !res.Success {
		// Refused before anything ran.
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) publish(ctx context.Context, eventType string, payload any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(context.WithoutCancel(ctx), eventType, payload)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, coordinator.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
