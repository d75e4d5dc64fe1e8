package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/warden/internal/budget"
	"github.com/dativo-io/warden/internal/checkpoint"
	"github.com/dativo-io/warden/internal/coordinator"
	"github.com/dativo-io/warden/internal/evidence"
	"github.com/dativo-io/warden/internal/gate"
	"github.com/dativo-io/warden/internal/hooks"
	"github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/requestctx"
	"github.com/dativo-io/warden/internal/watchdog"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// statusFor maps a rejection or lookup error to an HTTP status.
func statusFor(err error) (int, string) {
	var rej *gate.Rejection
	switch {
	case errors.Is(err, gate.ErrRateLimitExceeded), errors.Is(err, budget.ErrBudgetExceeded):
		return http.StatusTooManyRequests, "limit_exceeded"
	case errors.Is(err, gate.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, gate.ErrSecurityRejection), errors.As(err, &rej):
		return http.StatusForbidden, "rejected"
	case errors.Is(err, watchdog.ErrMemoryExceeded):
		return http.StatusServiceUnavailable, "memory_exceeded"
	case errors.Is(err, checkpoint.ErrNotFound), errors.Is(err, evidence.ErrNotFound):
		return http.StatusNotFound, "not_found"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]any{
			"checkpoints": s.c.Checkpoints().Count(),
			"audit":       "disabled",
			"watchdog":    "disabled",
		}
		if s.c.Evidence() != nil {
			components["audit"] = "ok"
		}
		if wd := s.c.Watchdog(); wd != nil {
			components["watchdog"] = "ok"
			if wd.Aborted() {
				components["watchdog"] = "aborted"
				resp["status"] = "degraded"
			}
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

type blockedResponse struct {
	Error   string               `json:"error"`
	Message string               `json:"message"`
	Outcome *coordinator.Outcome `json:"outcome,omitempty"`
}

func (s *Server) handlePrecheck(w http.ResponseWriter, r *http.Request) {
	var call coordinator.Call
	if !decode(w, r, &call) {
		return
	}
	if call.Agent == "" || call.Tool == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent and tool are required")
		return
	}
	out, err := s.c.Precheck(r.Context(), call)
	if err != nil {
		status, code := statusFor(err)
		log.Info().
			Str("caller", requestctx.Caller(r.Context())).
			Str("agent", call.Agent).
			Str("tool", call.Tool).
			Err(err).
			Func(otel.LogTraceFields(r.Context())).
			Msg("api_precheck_blocked")
		writeJSON(w, status, blockedResponse{Error: code, Message: err.Error(), Outcome: out})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type completeRequest struct {
	coordinator.Call
	Result     any     `json:"result"`
	Error      string  `json:"error,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Agent == "" || req.Tool == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent and tool are required")
		return
	}
	var toolErr error
	if req.Error != "" {
		toolErr = errors.New(req.Error)
	}
	elapsed := time.Duration(req.DurationMS * float64(time.Millisecond))
	writeJSON(w, http.StatusOK, s.c.Complete(r.Context(), req.Call, req.Result, toolErr, elapsed))
}

type eventRequest struct {
	Event string `json:"event"`
	coordinator.Call
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decode(w, r, &req) {
		return
	}
	ev, err := hooks.ParseEvent(req.Event)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	out, err := s.c.Emit(r.Context(), ev, req.Call)
	if err != nil {
		if out == nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		status, code := statusFor(err)
		writeJSON(w, status, blockedResponse{Error: code, Message: err.Error(), Outcome: out})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.c.Ledger().Summary())
}

func (s *Server) handleHooks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"hooks": s.c.Registry().Metrics()})
}

func (s *Server) handleToolStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.c.Outcome().AllStats()})
}

func (s *Server) handleCheckpointList(w http.ResponseWriter, r *http.Request) {
	list := s.c.Checkpoints().List(r.URL.Query().Get("agent"))
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": list, "count": len(list)})
}

func (s *Server) handleCheckpointGet(w http.ResponseWriter, r *http.Request) {
	cp, err := s.c.Checkpoints().Get(chi.URLParam(r, "id"))
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleCheckpointDiff(w http.ResponseWriter, r *http.Request) {
	d, err := s.c.Checkpoints().Diff(chi.URLParam(r, "id"))
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleCheckpointLineage(w http.ResponseWriter, r *http.Request) {
	chain, err := s.c.Checkpoints().Lineage(chi.URLParam(r, "id"))
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lineage": chain})
}

func (s *Server) handleCheckpointRestore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cp, err := s.c.Checkpoints().Get(id)
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, err.Error())
		return
	}
	out, err := s.c.Emit(r.Context(), hooks.EventCheckpointRestore, coordinator.Call{
		Agent:  cp.Agent,
		Params: map[string]any{hooks.MetaCheckpointID: id},
	})
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out.Result)
}

func (s *Server) handleSideEffectList(w http.ResponseWriter, r *http.Request) {
	store := s.c.Evidence()
	if store == nil {
		writeError(w, http.StatusNotFound, "not_found", "side-effect audit is disabled")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	recs, err := store.List(r.Context(), evidence.Filter{
		Agent: q.Get("agent"),
		Kind:  q.Get("kind"),
		Limit: limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"side_effects": recs, "count": len(recs)})
}

func (s *Server) handleSideEffectVerify(w http.ResponseWriter, r *http.Request) {
	store := s.c.Evidence()
	if store == nil {
		writeError(w, http.StatusNotFound, "not_found", "side-effect audit is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	valid, err := store.Verify(r.Context(), id)
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "valid": valid})
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if s.c.Watchdog() == nil {
		writeError(w, http.StatusNotFound, "not_found", "memory watchdog is disabled")
		return
	}
	out, err := s.c.CheckMemory(r.Context())
	resp := map[string]any{}
	if out != nil {
		resp["level"] = out.Metadata[watchdog.MetaMemoryLevel]
		resp["rss"] = out.Metadata[watchdog.MetaMemoryRSS]
		resp["leak_rate"] = out.Metadata[watchdog.MetaLeakRate]
		resp["alerts"] = out.Alerts
	}
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
