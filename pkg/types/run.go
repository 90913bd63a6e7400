package types

import "time"

// RunStatus is the lifecycle state of a run. Transitions are
// queued → running → {pass, fail}; nothing moves a terminal run.
type RunStatus string

const (
	RunQueued  RunStatus = "queued"
	RunRunning RunStatus = "running"
	RunPass    RunStatus = "pass"
	RunFail    RunStatus = "fail"
)

// Terminal reports whether the status is one of the two end states.
func (s RunStatus) Terminal() bool { return s == RunPass || s == RunFail }

// SourceType distinguishes how the agent under test is reached.
type SourceType string

const (
	// SourceBundle means the client uploaded an agent bundle that must run on
	// an ephemeral machine.
	SourceBundle SourceType = "bundle"

	// SourceRemote means the agent is already reachable over a transport.
	SourceRemote SourceType = "remote"
)

// Run is one accepted test request: the persisted unit of work the scheduler
// dispatches and the callback sink finalises.
type Run struct {
	ID             string     `json:"id"`
	Tenant         string     `json:"tenant"`
	KeyID          string     `json:"key_id"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Source         SourceType `json:"source_type"`

	// BundleKey/BundleHash/LockfileHash describe the uploaded bundle for
	// SourceBundle runs. Empty for remote runs.
	BundleKey    string `json:"bundle_key,omitempty"`
	BundleHash   string `json:"bundle_hash,omitempty"`
	LockfileHash string `json:"lockfile_hash,omitempty"`

	Status    RunStatus `json:"status"`
	Spec      TestSpec  `json:"test_spec"`
	Aggregate string    `json:"aggregate,omitempty"`
	ErrorText string    `json:"error_text,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
}

// TestSpec is the pair of test lists a run executes. At least one list is
// non-empty (validated at run creation).
type TestSpec struct {
	// AudioTests are names from the fixed audio test set (see probe package).
	AudioTests []string `json:"audio_tests,omitempty"`

	// ConversationTests are LLM-judged scenarios.
	ConversationTests []ConversationScenario `json:"conversation_tests,omitempty"`

	// Thresholds optionally overrides probe pass criteria, keyed
	// test name → threshold name → value.
	Thresholds map[string]map[string]float64 `json:"thresholds,omitempty"`
}

// Total returns the number of subtests the spec expands to.
func (s TestSpec) Total() int {
	return len(s.AudioTests) + len(s.ConversationTests)
}

// ConversationScenario drives one scripted conversation against the agent.
type ConversationScenario struct {
	// CallerPrompt is the persona the caller LLM plays.
	CallerPrompt string `json:"caller_prompt"`

	// MaxTurns bounds the dialog length; valid range is 1..50.
	MaxTurns int `json:"max_turns"`

	// InitialSilenceThresholdMs seeds the adaptive end-of-turn threshold.
	// Zero means the engine default.
	InitialSilenceThresholdMs int `json:"initial_silence_threshold_ms,omitempty"`

	// EvalQuestions are yes/no behavioral questions judged after the dialog.
	EvalQuestions []string `json:"eval_questions,omitempty"`

	// ToolCallEvalQuestions are yes/no questions judged against the observed
	// tool calls.
	ToolCallEvalQuestions []string `json:"tool_call_eval_questions,omitempty"`
}

// TestStatus is the outcome of a single subtest.
type TestStatus string

const (
	TestPass TestStatus = "pass"
	TestFail TestStatus = "fail"
)

// AudioTestResult is the outcome of one audio probe.
type AudioTestResult struct {
	Name       string             `json:"name"`
	Status     TestStatus         `json:"status"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Flags      map[string]bool    `json:"flags,omitempty"`
	DurationMs int64              `json:"duration_ms"`
	Error      string             `json:"error,omitempty"`
}

// Passed reports whether the probe passed.
func (r AudioTestResult) Passed() bool { return r.Status == TestPass }

// ConversationTestResult is the outcome of one judged conversation scenario.
type ConversationTestResult struct {
	CallerPrompt        string             `json:"caller_prompt"`
	Status              TestStatus         `json:"status"`
	Transcript          []Turn             `json:"transcript"`
	EvalResults         []EvalResult       `json:"eval_results,omitempty"`
	ToolCallEvalResults []EvalResult       `json:"tool_call_eval_results,omitempty"`
	ObservedToolCalls   []ObservedToolCall `json:"observed_tool_calls,omitempty"`
	DurationMs          int64              `json:"duration_ms"`
	Metrics             map[string]float64 `json:"metrics,omitempty"`
	Error               string             `json:"error,omitempty"`
}

// Passed reports whether the scenario passed.
func (r ConversationTestResult) Passed() bool { return r.Status == TestPass }

// Turn roles.
const (
	RoleCaller = "caller"
	RoleAgent  = "agent"
)

// Turn is one utterance in a conversation transcript.
type Turn struct {
	// Role is RoleCaller or RoleAgent.
	Role string `json:"role"`

	Text        string `json:"text"`
	TimestampMs int64  `json:"timestamp_ms"`

	// AudioDurationMs is the wall length of the captured or synthesized audio.
	AudioDurationMs int64 `json:"audio_duration_ms,omitempty"`

	// TtfbMs is the gap between send completion and the first agent audio
	// chunk. Agent turns only.
	TtfbMs int64 `json:"ttfb_ms,omitempty"`

	// SttConfidence is the transcription confidence for agent turns.
	SttConfidence float64 `json:"stt_confidence,omitempty"`

	// TtsMs / SttMs record provider wall time spent on this turn.
	TtsMs int64 `json:"tts_ms,omitempty"`
	SttMs int64 `json:"stt_ms,omitempty"`
}

// EvalResult is the judge verdict for one eval question.
type EvalResult struct {
	Question string `json:"question"`

	// Relevant reports whether the judge considered the question applicable
	// to the transcript. Irrelevant questions do not count against the pass.
	Relevant bool `json:"relevant"`

	Passed    bool   `json:"passed"`
	Reasoning string `json:"reasoning,omitempty"`
}

// TestsResult is the executor's aggregate for a whole run: what the runner
// POSTs to the callback sink and what get_status returns for terminal runs.
type TestsResult struct {
	RunID               string                   `json:"run_id"`
	Status              TestStatus               `json:"status"`
	AudioResults        []AudioTestResult        `json:"audio_results,omitempty"`
	ConversationResults []ConversationTestResult `json:"conversation_results,omitempty"`
	PassedCount         int                      `json:"passed_count"`
	FailedCount         int                      `json:"failed_count"`
	DurationMs          int64                    `json:"duration_ms"`
	ErrorText           string                   `json:"error_text,omitempty"`
}

// DependencyImageStatus is the build state of a cached dependency image.
type DependencyImageStatus string

const (
	ImageBuilding DependencyImageStatus = "building"
	ImageReady    DependencyImageStatus = "ready"
	ImageFailed   DependencyImageStatus = "failed"
)

// DependencyImage is one row of the prebaked dependency-image cache, keyed by
// the hash of the bundle's lockfile.
type DependencyImage struct {
	LockfileHash     string                `json:"lockfile_hash"`
	ImageRef         string                `json:"image_ref"`
	BaseImageRef     string                `json:"base_image_ref"`
	Status           DependencyImageStatus `json:"status"`
	BuilderMachineID string                `json:"builder_machine_id,omitempty"`
	ErrorText        string                `json:"error_text,omitempty"`
}
