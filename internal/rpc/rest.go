package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
	"github.com/sgzrov/VoiceCI-sub000/pkg/store"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// runSummary is one row of GET /api/runs.
type runSummary struct {
	ID         string           `json:"id"`
	Status     types.RunStatus  `json:"status"`
	Source     types.SourceType `json:"source_type"`
	Tests      int              `json:"tests"`
	Aggregate  string           `json:"aggregate,omitempty"`
	ErrorText  string           `json:"error_text,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	DurationMs int64            `json:"duration_ms,omitempty"`
}

// runDetail is the body of GET /api/runs/{id}: the run row joined with its
// persisted sub-results.
type runDetail struct {
	Run                 types.Run                      `json:"run"`
	AudioResults        []types.AudioTestResult        `json:"audio_results,omitempty"`
	ConversationResults []types.ConversationTestResult `json:"conversation_results,omitempty"`
}

// handleListRuns serves GET /api/runs?tenant=…&limit=…, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if tenant := r.URL.Query().Get("tenant"); tenant != "" && tenant != id.Tenant {
		writeError(w, verrors.New(verrors.KindAuth, "rpc: token is not scoped to tenant %q", tenant))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, verrors.New(verrors.KindValidation, "rpc: limit must be a positive integer"))
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), id.Tenant, limit)
	if err != nil {
		writeError(w, verrors.Wrap(verrors.KindInternal, fmt.Errorf("rpc: list runs: %w", err)))
		return
	}
	summaries := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, runSummary{
			ID:         run.ID,
			Status:     run.Status,
			Source:     run.Source,
			Tests:      run.Spec.Total(),
			Aggregate:  run.Aggregate,
			ErrorText:  run.ErrorText,
			CreatedAt:  run.CreatedAt,
			DurationMs: run.DurationMs,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": summaries})
}

// handleGetRun serves GET /api/runs/{id}. Foreign-tenant runs read as 404.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	runID := r.PathValue("id")

	run, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, envelope(verrors.New(verrors.KindValidation, "rpc: unknown run %q", runID)))
		return
	}
	if err != nil {
		writeError(w, verrors.Wrap(verrors.KindInternal, fmt.Errorf("rpc: load run: %w", err)))
		return
	}
	if run.Tenant != id.Tenant {
		writeJSON(w, http.StatusNotFound, envelope(verrors.New(verrors.KindValidation, "rpc: unknown run %q", runID)))
		return
	}

	audio, convo, err := s.store.GetResults(r.Context(), run.ID)
	if err != nil {
		writeError(w, verrors.Wrap(verrors.KindInternal, fmt.Errorf("rpc: load results: %w", err)))
		return
	}
	writeJSON(w, http.StatusOK, runDetail{Run: *run, AudioResults: audio, ConversationResults: convo})
}
