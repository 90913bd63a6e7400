// Package conversation drives LLM-judged dialog scenarios against a voice
// agent. A caller model improvises one side of the call from a persona
// prompt; each utterance is synthesized, sent down the channel, and the
// agent's spoken reply is captured under a voice-activity detector whose
// end-of-turn silence window adapts to how the agent actually pauses. After
// the dialog ends the judge evaluates the transcript and the observed tool
// calls.
//
// Like the probes, a scenario never aborts the run: every failure is folded
// into the returned ConversationTestResult.
package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/internal/conversation/judge"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/llm"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/stt"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/tts"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/vad"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const (
	// defaultTurnTimeoutMs bounds how long the engine waits for one agent
	// reply before the turn times out.
	defaultTurnTimeoutMs = 15000

	// defaultSilenceThresholdMs seeds the adaptive end-of-turn window when
	// the scenario does not set one. Conversations run a wider window than
	// the probes: agents that look things up pause mid-sentence, and ending
	// their turn early truncates the transcript the judge sees.
	defaultSilenceThresholdMs = 2000

	// minSilenceThresholdMs / maxSilenceThresholdMs clip the adaptive window.
	minSilenceThresholdMs = 600
	maxSilenceThresholdMs = 5000

	// adaptMarginMs is how close the longest internal pause must come to the
	// current window before the window grows. A pause this close means the
	// turn nearly ended in the middle of the agent's sentence.
	adaptMarginMs = 200

	// adaptGrowthMs / adaptDriftMs are the per-turn window adjustments:
	// growth when a pause crowded the window, drift back toward the
	// configured initial value otherwise.
	adaptGrowthMs = 500
	adaptDriftMs  = 250

	// maxTurnsLimit is the hard ceiling on exchanges per scenario.
	maxTurnsLimit = 50
)

// Evaluator judges a finished dialog. Implemented by judge.Judge.
type Evaluator interface {
	Evaluate(ctx context.Context, in judge.Input) (*judge.Verdicts, error)
}

// Deps carries the providers one scenario needs. Judge may be nil, in which
// case the eval phase is skipped and a clean dialog passes — load-test
// traffic uses this to drive conversations without paying for judging.
type Deps struct {
	Caller llm.Provider
	Judge  Evaluator
	TTS    tts.Provider
	STT    stt.Provider
	VAD    vad.Engine
	Log    *slog.Logger

	// TurnTimeoutMs overrides the per-turn reply deadline. Zero means
	// defaultTurnTimeoutMs.
	TurnTimeoutMs int
}

func (d Deps) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

func (d Deps) turnTimeout() int {
	if d.TurnTimeoutMs > 0 {
		return d.TurnTimeoutMs
	}
	return defaultTurnTimeoutMs
}

// Run executes one scenario against a connected channel and reports its
// result. The dialog loop stops on the caller model's end signal, on any
// turn-level error, or at the scenario's turn cap; the judge then scores
// whatever transcript exists unless the loop itself failed.
func Run(ctx context.Context, deps Deps, ch channel.Channel, sc types.ConversationScenario) types.ConversationTestResult {
	start := time.Now()
	log := deps.logger().With("caller_prompt", truncatePrompt(sc.CallerPrompt))

	state, loopErr := deps.runDialog(ctx, ch, sc)

	result := types.ConversationTestResult{
		CallerPrompt:      sc.CallerPrompt,
		Transcript:        state.turns,
		ObservedToolCalls: ch.CallData(),
		Metrics:           state.metrics(),
		DurationMs:        time.Since(start).Milliseconds(),
	}

	if loopErr != nil {
		log.Warn("conversation failed", "error", loopErr, "turns", len(state.turns))
		result.Status = types.TestFail
		result.Error = loopErr.Error()
		return result
	}

	if deps.Judge == nil {
		result.Status = types.TestPass
		return result
	}

	verdicts, err := deps.Judge.Evaluate(ctx, judge.Input{
		Transcript:        state.turns,
		Questions:         sc.EvalQuestions,
		ToolCallQuestions: sc.ToolCallEvalQuestions,
		ToolCalls:         result.ObservedToolCalls,
	})
	if err != nil {
		log.Warn("conversation judging failed", "error", err)
		result.Status = types.TestFail
		result.Error = err.Error()
		return result
	}

	result.EvalResults = verdicts.Behavioral
	result.ToolCallEvalResults = verdicts.ToolCalls
	if verdicts.AllPassed() {
		result.Status = types.TestPass
	} else {
		result.Status = types.TestFail
	}
	log.Info("conversation finished",
		"status", result.Status,
		"turns", len(state.turns),
		"end_reason", state.endReason,
		"final_silence_threshold_ms", state.thresholdMs)
	return result
}

// truncatePrompt shortens a persona prompt for log fields.
func truncatePrompt(s string) string {
	const max = 48
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
