package conversation_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sgzrov/VoiceCI-sub000/internal/conversation"
	"github.com/sgzrov/VoiceCI-sub000/internal/conversation/judge"
	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
	"github.com/sgzrov/VoiceCI-sub000/pkg/audio/signal"
	chmock "github.com/sgzrov/VoiceCI-sub000/pkg/channel/mock"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/llm"
	llmmock "github.com/sgzrov/VoiceCI-sub000/pkg/provider/llm/mock"
	sttmock "github.com/sgzrov/VoiceCI-sub000/pkg/provider/stt/mock"
	ttsmock "github.com/sgzrov/VoiceCI-sub000/pkg/provider/tts/mock"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/vad/energy"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// speech returns ms of deterministic speech-level audio for the energy VAD.
func speech(ms int) []byte {
	return signal.WhiteNoise(ms, audio.RateCanonical, 0.05, 7)
}

func quiet(ms int) []byte {
	return signal.Silence(ms, audio.RateCanonical)
}

// agentReply is one complete agent utterance under the conversation default
// 2000 ms end-of-turn window.
func agentReply() [][]byte {
	return [][]byte{speech(600), quiet(2100)}
}

// caller builds a caller-model mock that plays the given lines in order.
func caller(lines ...string) *llmmock.Provider {
	p := &llmmock.Provider{}
	for _, line := range lines {
		p.ResponseQueue = append(p.ResponseQueue, &llm.CompletionResponse{Content: line})
	}
	return p
}

// fakeJudge is a scriptable Evaluator.
type fakeJudge struct {
	verdicts *judge.Verdicts
	err      error
	calls    int
	lastIn   judge.Input
}

func (f *fakeJudge) Evaluate(_ context.Context, in judge.Input) (*judge.Verdicts, error) {
	f.calls++
	f.lastIn = in
	return f.verdicts, f.err
}

// passingVerdicts builds an all-pass verdict set for the given questions.
func passingVerdicts(questions ...string) *judge.Verdicts {
	v := &judge.Verdicts{}
	for _, q := range questions {
		v.Behavioral = append(v.Behavioral, types.EvalResult{Question: q, Relevant: true, Passed: true})
	}
	return v
}

func newDeps(callerP *llmmock.Provider, j conversation.Evaluator, agentLines ...string) conversation.Deps {
	return conversation.Deps{
		Caller: callerP,
		Judge:  j,
		TTS:    &ttsmock.Provider{SynthesizeResult: speech(400)},
		STT:    &sttmock.Provider{Transcripts: agentLines, Confidence: 0.92},
		VAD:    energy.New(),
	}
}

func connected(t *testing.T) *chmock.Channel {
	t.Helper()
	ch := chmock.New()
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect mock channel: %v", err)
	}
	return ch
}

func TestRun_DialogPassesWithJudge(t *testing.T) {
	ch := connected(t)
	ch.OnSend = func([]byte) [][]byte { return agentReply() }
	ch.ToolCalls = []types.ObservedToolCall{{Name: "book_appointment"}}

	questions := []string{
		"Did the agent collect the caller's name?",
		"Did the agent confirm the time?",
	}
	j := &fakeJudge{verdicts: passingVerdicts(questions...)}
	deps := newDeps(
		caller(
			"Hi, I'd like to book a haircut for tomorrow.",
			"Two pm works. My name is Sarah.",
			"END_CALL",
		),
		j,
		"Sure, what time suits you?",
		"Booked for two pm, Sarah. Anything else?",
	)

	res := conversation.Run(context.Background(), deps, ch, types.ConversationScenario{
		CallerPrompt:  "You are Sarah booking a haircut for tomorrow at 2pm",
		MaxTurns:      8,
		EvalQuestions: questions,
	})

	if res.Status != types.TestPass {
		t.Fatalf("status = %s (%s), want pass", res.Status, res.Error)
	}
	if len(res.Transcript) != 4 {
		t.Fatalf("transcript has %d turns, want 4: %+v", len(res.Transcript), res.Transcript)
	}
	wantRoles := []string{types.RoleCaller, types.RoleAgent, types.RoleCaller, types.RoleAgent}
	for i, turn := range res.Transcript {
		if turn.Role != wantRoles[i] {
			t.Errorf("turn %d role = %q, want %q", i, turn.Role, wantRoles[i])
		}
	}
	if got := res.Transcript[1].Text; got != "Sure, what time suits you?" {
		t.Errorf("first agent turn text = %q", got)
	}
	if res.Transcript[1].SttConfidence != 0.92 {
		t.Errorf("agent turn confidence = %v, want 0.92", res.Transcript[1].SttConfidence)
	}
	if res.Transcript[0].AudioDurationMs != 400 {
		t.Errorf("caller turn audio duration = %dms, want 400", res.Transcript[0].AudioDurationMs)
	}
	if res.Transcript[1].TtfbMs < 0 {
		t.Errorf("agent turn ttfb = %d, want ≥ 0", res.Transcript[1].TtfbMs)
	}

	if j.calls != 1 {
		t.Fatalf("judge called %d times, want 1", j.calls)
	}
	if len(j.lastIn.Transcript) != 4 || len(j.lastIn.Questions) != 2 {
		t.Errorf("judge input: %d turns, %d questions; want 4, 2", len(j.lastIn.Transcript), len(j.lastIn.Questions))
	}
	if len(j.lastIn.ToolCalls) != 1 || j.lastIn.ToolCalls[0].Name != "book_appointment" {
		t.Errorf("judge did not receive the observed tool calls: %+v", j.lastIn.ToolCalls)
	}
	if len(res.EvalResults) != 2 {
		t.Errorf("eval results = %d, want 2", len(res.EvalResults))
	}
	if len(res.ObservedToolCalls) != 1 {
		t.Errorf("observed tool calls = %d, want 1", len(res.ObservedToolCalls))
	}

	if got := res.Metrics["caller_turns"]; got != 2 {
		t.Errorf("caller_turns = %v, want 2", got)
	}
	if got := res.Metrics["agent_turns"]; got != 2 {
		t.Errorf("agent_turns = %v, want 2", got)
	}
	if _, ok := res.Metrics["ttfb_p95_ms"]; !ok {
		t.Error("ttfb_p95_ms missing from metrics")
	}
	if got := res.Metrics["final_silence_threshold_ms"]; got != 2000 {
		t.Errorf("final_silence_threshold_ms = %v, want 2000 (no adaptation)", got)
	}
}

func TestRun_EvalFailureFailsScenario(t *testing.T) {
	ch := connected(t)
	ch.OnSend = func([]byte) [][]byte { return agentReply() }

	v := &judge.Verdicts{Behavioral: []types.EvalResult{
		{Question: "Did the agent confirm the time?", Relevant: true, Passed: false, Reasoning: "never repeated the time"},
	}}
	deps := newDeps(caller("Hello.", "END_CALL"), &fakeJudge{verdicts: v}, "Hi there.")

	res := conversation.Run(context.Background(), deps, ch, types.ConversationScenario{
		CallerPrompt: "You are a caller", MaxTurns: 4,
		EvalQuestions: []string{"Did the agent confirm the time?"},
	})

	if res.Status != types.TestFail {
		t.Fatalf("status = %s, want fail", res.Status)
	}
	if res.Error != "" {
		t.Errorf("error = %q, want empty for a judged failure", res.Error)
	}
	if len(res.EvalResults) != 1 || res.EvalResults[0].Passed {
		t.Errorf("eval results = %+v", res.EvalResults)
	}
}

func TestRun_AdaptiveWindowGrowsOnNearMissPause(t *testing.T) {
	ch := connected(t)
	// Turn 1: the agent pauses 1850 ms mid-response, within 200 ms of the
	// default 2000 ms window.
	ch.OnSend = func([]byte) [][]byte {
		return [][]byte{speech(300), quiet(1850), speech(300), quiet(2100)}
	}

	deps := newDeps(caller("Hello.", "END_CALL"), &fakeJudge{verdicts: &judge.Verdicts{}}, "One moment please... here it is.")

	res := conversation.Run(context.Background(), deps, ch, types.ConversationScenario{
		CallerPrompt: "You are a patient caller", MaxTurns: 4,
	})

	if res.Status != types.TestPass {
		t.Fatalf("status = %s (%s), want pass", res.Status, res.Error)
	}
	if got := res.Metrics["final_silence_threshold_ms"]; got != 2500 {
		t.Fatalf("final_silence_threshold_ms = %v, want 2500 after growth", got)
	}
	gap := res.Metrics["max_internal_silence_ms"]
	if gap < 1790 || gap > 1910 {
		t.Errorf("max_internal_silence_ms = %v, want ≈ 1850", gap)
	}
}

func TestRun_WindowDriftsBackTowardInitial(t *testing.T) {
	ch := connected(t)
	var sends int
	ch.OnSend = func([]byte) [][]byte {
		sends++
		if sends == 1 {
			// Pause 950 ms against a 1000 ms window: grow to 1500.
			return [][]byte{speech(300), quiet(950), speech(300), quiet(1100)}
		}
		// No internal pause: drift 1500 → 1250.
		return [][]byte{speech(600), quiet(1600)}
	}

	deps := newDeps(caller("One.", "Two.", "END_CALL"), &fakeJudge{verdicts: &judge.Verdicts{}}, "First.", "Second.")

	res := conversation.Run(context.Background(), deps, ch, types.ConversationScenario{
		CallerPrompt:              "You are a caller",
		MaxTurns:                  4,
		InitialSilenceThresholdMs: 1000,
	})

	if res.Status != types.TestPass {
		t.Fatalf("status = %s (%s), want pass", res.Status, res.Error)
	}
	if got := res.Metrics["final_silence_threshold_ms"]; got != 1250 {
		t.Fatalf("final_silence_threshold_ms = %v, want 1250 after grow then drift", got)
	}
	if got := res.Metrics["agent_turns"]; got != 2 {
		t.Errorf("agent_turns = %v, want 2", got)
	}
}

func TestRun_CallerModelErrorFailsScenario(t *testing.T) {
	ch := connected(t)
	j := &fakeJudge{verdicts: &judge.Verdicts{}}
	deps := newDeps(&llmmock.Provider{CompleteErr: errors.New("rate limited")}, j)

	res := conversation.Run(context.Background(), deps, ch, types.ConversationScenario{
		CallerPrompt: "You are a caller", MaxTurns: 2,
	})

	if res.Status != types.TestFail {
		t.Fatalf("status = %s, want fail", res.Status)
	}
	if !strings.Contains(res.Error, "caller completion") {
		t.Errorf("error = %q, want caller completion failure", res.Error)
	}
	if len(res.Transcript) != 0 {
		t.Errorf("transcript has %d turns, want 0", len(res.Transcript))
	}
	if j.calls != 0 {
		t.Errorf("judge called %d times after a loop error, want 0", j.calls)
	}
}

func TestRun_AgentSilenceTimesOut(t *testing.T) {
	ch := connected(t)

	deps := newDeps(caller("Hello?"), &fakeJudge{verdicts: &judge.Verdicts{}})
	deps.TurnTimeoutMs = 120

	res := conversation.Run(context.Background(), deps, ch, types.ConversationScenario{
		CallerPrompt: "You are a caller", MaxTurns: 2,
	})

	if res.Status != types.TestFail {
		t.Fatalf("status = %s, want fail", res.Status)
	}
	if !strings.Contains(res.Error, "did not respond") {
		t.Errorf("error = %q, want agent-silence timeout", res.Error)
	}
	if len(res.Transcript) != 1 {
		t.Errorf("transcript has %d turns, want the caller turn only", len(res.Transcript))
	}
}

func TestRun_AgentHangupEndsDialogGracefully(t *testing.T) {
	ch := connected(t)
	var sends int
	ch.OnSend = func([]byte) [][]byte {
		sends++
		if sends == 1 {
			return agentReply()
		}
		ch.Drop()
		return nil
	}

	j := &fakeJudge{verdicts: &judge.Verdicts{}}
	deps := newDeps(caller("Hello.", "Are you there?", "END_CALL"), j, "Goodbye now.")

	res := conversation.Run(context.Background(), deps, ch, types.ConversationScenario{
		CallerPrompt: "You are a caller", MaxTurns: 4,
	})

	if res.Status != types.TestPass {
		t.Fatalf("status = %s (%s), want pass — hangup is a dialog outcome, not an error", res.Status, res.Error)
	}
	if res.Error != "" {
		t.Errorf("error = %q, want empty", res.Error)
	}
	if len(res.Transcript) != 3 {
		t.Errorf("transcript has %d turns, want 3 (caller, agent, caller)", len(res.Transcript))
	}
	if j.calls != 1 {
		t.Errorf("judge called %d times, want 1 — the partial transcript is still judged", j.calls)
	}
}

func TestRun_NilJudgeSkipsEvals(t *testing.T) {
	ch := connected(t)
	ch.OnSend = func([]byte) [][]byte { return agentReply() }

	deps := newDeps(caller("Hello.", "END_CALL"), nil, "Hi.")

	res := conversation.Run(context.Background(), deps, ch, types.ConversationScenario{
		CallerPrompt: "You are a caller", MaxTurns: 2,
		EvalQuestions: []string{"Did the agent greet the caller?"},
	})

	if res.Status != types.TestPass {
		t.Fatalf("status = %s (%s), want pass", res.Status, res.Error)
	}
	if res.EvalResults != nil {
		t.Errorf("eval results = %+v, want none without a judge", res.EvalResults)
	}
}

func TestRun_JudgeErrorFailsScenario(t *testing.T) {
	ch := connected(t)
	ch.OnSend = func([]byte) [][]byte { return agentReply() }

	deps := newDeps(caller("Hello.", "END_CALL"), &fakeJudge{err: errors.New("judge offline")}, "Hi.")

	res := conversation.Run(context.Background(), deps, ch, types.ConversationScenario{
		CallerPrompt: "You are a caller", MaxTurns: 2,
		EvalQuestions: []string{"Did the agent greet the caller?"},
	})

	if res.Status != types.TestFail {
		t.Fatalf("status = %s, want fail", res.Status)
	}
	if !strings.Contains(res.Error, "judge offline") {
		t.Errorf("error = %q, want judge failure text", res.Error)
	}
}

func TestRun_MaxTurnsBoundsDialog(t *testing.T) {
	ch := connected(t)
	ch.OnSend = func([]byte) [][]byte { return agentReply() }

	// The caller never volunteers to hang up.
	callerP := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Tell me more."}}
	deps := newDeps(callerP, &fakeJudge{verdicts: &judge.Verdicts{}}, "Certainly.")

	res := conversation.Run(context.Background(), deps, ch, types.ConversationScenario{
		CallerPrompt: "You are a curious caller", MaxTurns: 3,
	})

	if res.Status != types.TestPass {
		t.Fatalf("status = %s (%s), want pass", res.Status, res.Error)
	}
	if len(res.Transcript) != 6 {
		t.Errorf("transcript has %d turns, want 6 (3 exchanges)", len(res.Transcript))
	}
}
