package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voltgrid/voltgrid-core/internal/approval"
)

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleListMeters returns every approved meter paired with its latest
// reading.
func (s *Server) handleListMeters(w http.ResponseWriter, r *http.Request) {
	meters, err := s.meters.ListWithReadings(r.Context())
	if err != nil {
		s.logger.Error("listing meters failed", "error", err)
		writeInternalError(w, "failed to list meters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"meters": meters,
		"count":  len(meters),
	})
}

// handleListPending returns every meter awaiting approval.
func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.pending.List(r.Context())
	if err != nil {
		s.logger.Error("listing pending meters failed", "error", err)
		writeInternalError(w, "failed to list pending meters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"count":   len(pending),
	})
}

// handleListStale returns the pending meters the next reaper sweep would
// remove, without removing them.
func (s *Server) handleListStale(w http.ResponseWriter, r *http.Request) {
	stale, err := s.reaper.Preview(r.Context())
	if err != nil {
		s.logger.Error("previewing stale pending meters failed", "error", err)
		writeInternalError(w, "failed to preview stale pending meters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stale":   stale,
		"count":   len(stale),
		"timeout": s.reaper.Timeout().String(),
	})
}

// handleSweep forces an immediate out-of-cycle reaper sweep.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	removed, err := s.reaper.SweepNow(r.Context())
	if err != nil {
		s.logger.Error("forced sweep failed", "error", err)
		writeInternalError(w, "sweep failed")
		return
	}
	if removed == nil {
		removed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
		"count":   len(removed),
	})
}

// handleApprove promotes a pending meter to approved. The device id comes
// from the URL; the body carries the operator-supplied classification data.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approval.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	req.DeviceID = chi.URLParam(r, "id")

	result, err := s.gateway.Approve(r.Context(), req)
	if err != nil {
		if errors.Is(err, approval.ErrInvalidRequest) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Error("approval failed", "device_id", req.DeviceID, "error", err)
		writeInternalError(w, "approval failed")
		return
	}

	if !result.Success {
		writeJSON(w, http.StatusNotFound, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleStats reports broadcast hub health and ingest pipeline counters.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.hub.Stats(),
		"ingest":      s.pipeline.Stats(),
	})
}
