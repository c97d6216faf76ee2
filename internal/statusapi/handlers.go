package statusapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/tidalline/autotune/internal/artifact"
	"github.com/tidalline/autotune/internal/models"
)

// response is the merged JSON object served by GET /api/v1/status: the
// dashboard status file enriched with the latest run's findings, proposed
// variants, and promotion decision, plus a freshly stamped server_time.
type response struct {
	models.Status
	Findings []string                  `json:"findings,omitempty"`
	Variants []models.PromptVariant    `json:"variants,omitempty"`
	Decision *models.PromotionDecision `json:"promotion_decision,omitempty"`
}

func (s *Server) buildStatus() (response, error) {
	status, err := s.store.ReadStatus()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return response{}, err
	}
	status.ServerTime = time.Now().UTC()

	resp := response{Status: status}
	if status.RunDir == "" {
		return resp, nil
	}

	if fv, err := s.store.ReadFindingsAndVariants(status.RunDir); err == nil {
		resp.Findings = fv.Findings
		resp.Variants = fv.Variants
		resp.VariantsCount = len(fv.Variants)
	} else if !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("statusapi: findings_and_variants unreadable", "run_dir", status.RunDir, "err", err)
	}

	if decision, err := s.store.ReadPromotionDecision(status.RunDir); err == nil {
		resp.Decision = &decision
	} else if !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("statusapi: promotion_decision unreadable", "run_dir", status.RunDir, "err", err)
	}

	return resp, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.buildStatus()
	if err != nil {
		if errors.Is(err, artifact.ErrCorrupt) {
			s.log.Error("statusapi: status.json corrupt", "err", err)
			http.Error(w, `{"error":"status unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		s.log.Error("statusapi: read status failed", "err", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadiness reports not-ready only when the status file exists but
// cannot be read or parsed. A missing status file (no tick written yet)
// reports ready.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	_, err := s.store.ReadStatus()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("status.json unreadable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
