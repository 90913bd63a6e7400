package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/google/uuid"

	"github.com/sgzrov/VoiceCI-sub000/internal/executor"
	"github.com/sgzrov/VoiceCI-sub000/internal/loadtest"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// resultsLogger names the logging stream result events are pushed under, so
// clients can tell them apart from ordinary server log messages.
const resultsLogger = "voiceci.results"

// pusher is the server-push half of an MCP session: the subset of
// [mcpsdk.ServerSession] the registry emits notifications through.
type pusher interface {
	ID() string
	Log(ctx context.Context, params *mcpsdk.LoggingMessageParams) error
	NotifyProgress(ctx context.Context, params *mcpsdk.ProgressNotificationParams) error
}

// Registry owns all per-session state: the push stream, the session's
// adapter configs, and the bindings from runs to the session that created
// them. It is the single writer of that state; the scheduler and the
// callback sink receive a *Registry and go through its methods.
//
// Sessions appear on first use and disappear on ReleaseSession, on an idle
// reap, or when a push write fails (the stream is gone). Dropping a session
// discards its bindings; the runs themselves continue and stay fetchable
// through get_status.
type Registry struct {
	mu       sync.Mutex
	log      *slog.Logger
	sessions map[string]*sessionState
	runs     map[string]*runBinding
}

type sessionState struct {
	push     pusher
	configs  map[string]types.AdapterConfig
	lastSeen time.Time
}

// runBinding points a run at the session that created it.
type runBinding struct {
	sessionID     string
	progressToken any
	total         int
	completed     int
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		sessions: make(map[string]*sessionState),
		runs:     make(map[string]*runBinding),
	}
}

// touch records activity on the session, creating its state on first use.
// Callers must hold r.mu.
func (r *Registry) touch(p pusher) *sessionState {
	st, ok := r.sessions[p.ID()]
	if !ok {
		st = &sessionState{push: p, configs: make(map[string]types.AdapterConfig)}
		r.sessions[p.ID()] = st
	}
	st.push = p
	st.lastSeen = time.Now()
	return st
}

// Touch refreshes the session's idle timer, creating its state on first use.
func (r *Registry) Touch(p pusher) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(p)
}

// StoreAdapterConfig saves cfg under the session and returns its opaque id.
func (r *Registry) StoreAdapterConfig(p pusher, cfg types.AdapterConfig) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	r.touch(p).configs[id] = cfg
	return id
}

// AdapterConfig looks up a stored config by session and id.
func (r *Registry) AdapterConfig(sessionID, configID string) (types.AdapterConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return types.AdapterConfig{}, false
	}
	cfg, ok := st.configs[configID]
	return cfg, ok
}

// BindRun ties runID to the session so pushes reach its stream.
// progressToken may be nil; total is the run's subtest count.
func (r *Registry) BindRun(p pusher, runID string, progressToken any, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(p)
	r.runs[runID] = &runBinding{sessionID: p.ID(), progressToken: progressToken, total: total}
}

// ReleaseSession drops the session's configs and every run binding it owns.
// Unknown session ids are a no-op.
func (r *Registry) ReleaseSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(sessionID)
}

// dropLocked removes the session and its bindings. Callers must hold r.mu.
func (r *Registry) dropLocked(sessionID string) {
	delete(r.sessions, sessionID)
	for runID, b := range r.runs {
		if b.sessionID == sessionID {
			delete(r.runs, runID)
		}
	}
}

// ReapIdle drops sessions that have been silent longer than maxIdle and
// returns how many were dropped.
func (r *Registry) ReapIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped int
	for id, st := range r.sessions {
		if st.lastSeen.Before(cutoff) {
			r.dropLocked(id)
			dropped++
		}
	}
	return dropped
}

// testEventPayload is the logging-notification body for one finished subtest.
type testEventPayload struct {
	Event string `json:"event"`
	RunID string `json:"run_id"`
	Index int    `json:"index"`
	Total int    `json:"total"`
	Kind  string `json:"kind"`

	Audio        *types.AudioTestResult        `json:"audio_result,omitempty"`
	Conversation *types.ConversationTestResult `json:"conversation_result,omitempty"`
}

// runFinishedPayload is the logging-notification body for a completed run.
type runFinishedPayload struct {
	Event  string             `json:"event"`
	RunID  string             `json:"run_id"`
	Result *types.TestsResult `json:"result"`
}

// PushTestEvent streams one finished subtest to the run's session. Runs with
// no live binding are a no-op: the session ended or never existed, and the
// result stays fetchable via get_status.
func (r *Registry) PushTestEvent(ctx context.Context, runID string, ev executor.TestEvent) {
	r.mu.Lock()
	b, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	st, ok := r.sessions[b.sessionID]
	if !ok {
		delete(r.runs, runID)
		r.mu.Unlock()
		return
	}
	b.completed++
	push, token := st.push, b.progressToken
	completed, total := b.completed, b.total
	sessionID := b.sessionID
	r.mu.Unlock()

	payload := testEventPayload{
		Event: "test_completed",
		RunID: runID,
		Index: ev.Index,
		Total: ev.Total,
		Kind:  "audio",
		Audio: ev.Audio,
	}
	if ev.Conversation != nil {
		payload.Kind = "conversation"
		payload.Audio = nil
		payload.Conversation = ev.Conversation
	}

	if err := push.Log(ctx, &mcpsdk.LoggingMessageParams{
		Logger: resultsLogger,
		Level:  "info",
		Data:   payload,
	}); err != nil {
		r.dropAfterPushError(sessionID, runID, err)
		return
	}
	if token != nil {
		err := push.NotifyProgress(ctx, &mcpsdk.ProgressNotificationParams{
			ProgressToken: token,
			Progress:      float64(completed),
			Total:         float64(total),
			Message:       progressMessage(completed, total),
		})
		if err != nil {
			r.dropAfterPushError(sessionID, runID, err)
		}
	}
}

// PushRunResult streams the final aggregate to the run's session and removes
// the binding. Unbound runs are a no-op.
func (r *Registry) PushRunResult(ctx context.Context, res *types.TestsResult) {
	r.mu.Lock()
	b, ok := r.runs[res.RunID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.runs, res.RunID)
	st, ok := r.sessions[b.sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	push, token, total := st.push, b.progressToken, b.total
	sessionID := b.sessionID
	r.mu.Unlock()

	err := push.Log(ctx, &mcpsdk.LoggingMessageParams{
		Logger: resultsLogger,
		Level:  "info",
		Data:   runFinishedPayload{Event: "run_finished", RunID: res.RunID, Result: res},
	})
	if err != nil {
		r.dropAfterPushError(sessionID, res.RunID, err)
		return
	}
	if token != nil {
		err := push.NotifyProgress(ctx, &mcpsdk.ProgressNotificationParams{
			ProgressToken: token,
			Progress:      float64(total),
			Total:         float64(total),
			Message:       "run finished",
		})
		if err != nil {
			r.dropAfterPushError(sessionID, res.RunID, err)
		}
	}
}

// loadWavePayload is the logging-notification body for load-campaign
// progress.
type loadWavePayload struct {
	Event    string          `json:"event"`
	Campaign loadtest.Status `json:"campaign"`
}

// PushCampaignWave streams load-campaign counters to the session that
// started the campaign. The final (Done) wave removes the binding.
func (r *Registry) PushCampaignWave(ctx context.Context, st loadtest.Status) {
	r.mu.Lock()
	b, ok := r.runs[st.CampaignID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if st.Done {
		delete(r.runs, st.CampaignID)
	}
	sess, ok := r.sessions[b.sessionID]
	if !ok {
		delete(r.runs, st.CampaignID)
		r.mu.Unlock()
		return
	}
	push, token, total := sess.push, b.progressToken, b.total
	sessionID := b.sessionID
	r.mu.Unlock()

	event := "load_progress"
	if st.Done {
		event = "load_finished"
	}
	if err := push.Log(ctx, &mcpsdk.LoggingMessageParams{
		Logger: resultsLogger,
		Level:  "info",
		Data:   loadWavePayload{Event: event, Campaign: st},
	}); err != nil {
		r.dropAfterPushError(sessionID, st.CampaignID, err)
		return
	}
	if token != nil {
		err := push.NotifyProgress(ctx, &mcpsdk.ProgressNotificationParams{
			ProgressToken: token,
			Progress:      float64(st.Completed),
			Total:         float64(total),
			Message:       fmt.Sprintf("completed %d/%d calls", st.Completed, total),
		})
		if err != nil {
			r.dropAfterPushError(sessionID, st.CampaignID, err)
		}
	}
}

// dropAfterPushError tears the session down once its stream rejects writes.
func (r *Registry) dropAfterPushError(sessionID, runID string, err error) {
	r.log.Warn("push stream write failed, releasing session",
		"session_id", sessionID, "run_id", runID, "error", err)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(sessionID)
}

func progressMessage(completed, total int) string {
	return fmt.Sprintf("completed %d/%d tests", completed, total)
}
