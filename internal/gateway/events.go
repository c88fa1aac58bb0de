package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/basket/taskcore/internal/bus"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// EventFrame is one bus event as sent to websocket and SSE clients.
type EventFrame struct {
	Type    string    `json:"type"`
	TaskID  string    `json:"task_id,omitempty"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// feed buffers bus events for one client. The bus delivers synchronously,
// so a full buffer drops the event rather than stall publishers.
type feed struct {
	ch      chan EventFrame
	dropped atomic.Int64
	unsub   func()
}

func (s *Server) subscribe(taskID string) *feed {
	f := &feed{ch: make(chan EventFrame, eventBufferSize)}
	f.unsub = s.cfg.Bus.Subscribe(bus.AllEvents, func(_ context.Context, ev bus.Event) {
		id := bus.TaskIDOf(ev.Payload)
		if taskID != "" && id != taskID {
			return
		}
		select {
		case f.ch <- EventFrame{Type: ev.Type, TaskID: id, Payload: ev.Payload, SentAt: time.Now().UTC()}:
		default:
			f.dropped.Add(1)
		}
	})
	return f
}

// handleEvents upgrades to a websocket and mirrors bus events until the
// client goes away. An optional task_id query parameter narrows the feed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Gateway.CORS.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	taskID := r.URL.Query().Get("task_id")
	f := s.subscribe(taskID)
	defer f.unsub()

	// Clients never send anything; CloseRead ends ctx once they disconnect.
	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws: client connected", "task_id", taskID)
	defer func() {
		s.logger.Info("ws: client disconnected", "task_id", taskID, "dropped", f.dropped.Load())
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-f.ch:
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, frame)
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}

// handleTaskStream sends the lifecycle events of one task as server-sent
// events and ends after the terminal one.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	taskID := r.PathValue("id")
	f := s.subscribe(taskID)
	defer f.unsub()

	// A task that already finished gets its stored terminal state only.
	if s.cfg.Replay != nil && s.cfg.Replay.Tasks != nil {
		if rec, err := s.cfg.Replay.Tasks.GetTask(r.Context(), taskID); err == nil && rec.Status.IsTerminal() {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_ = writeSSE(w, EventFrame{
				Type:    bus.TerminalEventType(rec.Status),
				TaskID:  taskID,
				Payload: bus.TaskEvent{TaskID: taskID, SessionID: rec.SessionID, Status: rec.Status, Strategy: rec.Strategy, Timestamp: rec.UpdatedAt},
				SentAt:  time.Now().UTC(),
			})
			flusher.Flush()
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-f.ch:
			if err := writeSSE(w, frame); err != nil {
				s.logger.Debug("sse: write failed", "task_id", taskID, "error", err)
				return
			}
			flusher.Flush()
			if ev, ok := frame.Payload.(bus.TaskEvent); ok && ev.Status.IsTerminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, frame EventFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, data)
	return err
}
