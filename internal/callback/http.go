package callback

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const (
	// HeaderSecret carries the shared secret that authenticates
	// machine-to-API callbacks.
	HeaderSecret = "X-VoiceCI-Callback-Secret"

	// RunnerPath receives executor results from runner machines.
	RunnerPath = "/internal/runner-callback"

	// BuilderPath receives dependency-image build reports from builder
	// machines.
	BuilderPath = "/internal/builder-callback"
)

// maxCallbackBody bounds callback payloads. Conversation transcripts make
// runner results big, but not megabytes big.
const maxCallbackBody = 4 << 20

// BuildResult is the body a builder machine posts when its dependency-image
// build finishes. Ready builds carry the pushed image reference; failed
// builds carry the reason.
type BuildResult struct {
	LockfileHash string                      `json:"lockfile_hash"`
	ImageRef     string                      `json:"image_ref,omitempty"`
	Status       types.DependencyImageStatus `json:"status"`
	ErrorText    string                      `json:"error_text,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler returns the callback HTTP surface. Both routes require the secret
// header to match; an empty configured secret rejects everything rather
// than accepting anything.
func (s *Sink) Handler(secret string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+RunnerPath, s.guard(secret, s.handleRunner))
	mux.HandleFunc("POST "+BuilderPath, s.guard(secret, s.handleBuilder))
	return mux
}

func (s *Sink) guard(secret string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(HeaderSecret)
		if secret == "" || subtle.ConstantTimeCompare([]byte(header), []byte(secret)) != 1 {
			s.log.Warn("rejecting callback", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, errorBody{"invalid callback secret"})
			return
		}
		next(w, r)
	}
}

func (s *Sink) handleRunner(w http.ResponseWriter, r *http.Request) {
	var res types.TestsResult
	if err := decode(w, r, &res); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{"malformed result: " + err.Error()})
		return
	}
	if res.RunID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{"run_id is required"})
		return
	}
	if err := s.Complete(r.Context(), &res); err != nil {
		s.log.Error("runner callback not persisted", "run_id", res.RunID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{"result not persisted"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Sink) handleBuilder(w http.ResponseWriter, r *http.Request) {
	var br BuildResult
	if err := decode(w, r, &br); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{"malformed build result: " + err.Error()})
		return
	}
	if br.LockfileHash == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{"lockfile_hash is required"})
		return
	}
	switch br.Status {
	case types.ImageReady:
		if br.ImageRef == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{"ready build needs image_ref"})
			return
		}
	case types.ImageFailed:
		br.ImageRef = ""
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{"status must be ready or failed"})
		return
	}

	// A row deleted since the build started (the base image moved on) makes
	// this a no-op, which is the right outcome for a stale builder.
	if err := s.store.UpdateDependencyImage(r.Context(), br.LockfileHash, br.Status, br.ImageRef, br.ErrorText); err != nil {
		s.log.Error("builder callback not persisted", "lockfile_hash", br.LockfileHash, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{"build result not persisted"})
		return
	}
	s.log.Info("dependency image reported",
		"lockfile_hash", br.LockfileHash, "status", br.Status)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBody)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
