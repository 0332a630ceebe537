package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/mcplocal/internal/events"
	"github.com/mattjoyce/mcplocal/internal/protocol"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Peer:          s.peer.Name(),
		PeerState:     s.peer.State().String(),
	})
}

// handleRPC handles POST /rpc: one raw envelope forwarded to the peer, its
// response returned verbatim. The peer is started on first use and again
// after it fails.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(w, http.StatusRequestEntityTooLarge, nil,
				protocol.NewError(protocol.CodeInvalidRequest, "Request body too large"))
			return
		}
		writeRPCError(w, http.StatusBadRequest, nil, protocol.ParseError())
		return
	}

	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		writeRPCError(w, http.StatusBadRequest, nil, protocol.ParseError())
		return
	}
	msg, err := protocol.Decode(body)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil,
			protocol.NewError(protocol.CodeInvalidRequest, "Invalid Request"))
		return
	}
	if msg.Method == "" {
		writeRPCError(w, http.StatusBadRequest, msg.ID,
			protocol.NewError(protocol.CodeInvalidRequest, "Invalid Request: method is required"))
		return
	}

	start := time.Now()
	logger := s.logger.With("peer", s.peer.Name(), "rpc_method", msg.Method,
		"request_id", middleware.GetReqID(r.Context()))

	if err := s.peer.Start(r.Context()); err != nil {
		logger.Error("peer start failed", "error", err)
		s.publishRPC(events.TypeRPCFailed, msg, start, err)
		writeRPCError(w, http.StatusInternalServerError, msg.ID,
			protocol.NewError(protocol.CodeToolError, "peer unavailable: %v", err))
		return
	}

	resp, err := s.peer.Roundtrip(r.Context(), msg)
	if err != nil {
		logger.Error("peer roundtrip failed", "error", err)
		s.publishRPC(events.TypeRPCFailed, msg, start, err)
		writeRPCError(w, http.StatusInternalServerError, msg.ID,
			protocol.NewError(protocol.CodeToolError, "%v", err))
		return
	}
	s.publishRPC(events.TypeRPCForwarded, msg, start, nil)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// rpcEvent is the payload of rpc.forwarded and rpc.failed events.
type rpcEvent struct {
	Peer       string          `json:"peer"`
	Method     string          `json:"method"`
	ID         json.RawMessage `json:"id,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
}

func (s *Server) publishRPC(typ string, msg *protocol.Message, start time.Time, err error) {
	ev := rpcEvent{
		Peer:       s.peer.Name(),
		Method:     msg.Method,
		ID:         msg.ID,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.events.Publish(typ, ev)
}

func writeRPCError(w http.ResponseWriter, statusCode int, id json.RawMessage, rpcErr *protocol.Error) {
	respondJSON(w, statusCode, protocol.NewErrorResponse(id, rpcErr))
}

func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
