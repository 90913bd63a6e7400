// Package executor fans one run's subtests out over live channels.
//
// Each audio probe and conversation scenario is its own task with its own
// channel: the task dials, connects, runs, and tears the channel down on
// every exit path. Tasks run under a weighted semaphore (10 wide, 5 when
// audio rides the telephony path) and write finished results onto a buffered
// completion channel; a single emitter goroutine forwards them to the
// caller's OnTestComplete hook in completion order. One failed subtest never
// aborts the run — the aggregate status is the conjunction of every subtest
// outcome.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sgzrov/VoiceCI-sub000/internal/conversation"
	"github.com/sgzrov/VoiceCI-sub000/internal/probe"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/llm"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/stt"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/tts"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/vad"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// Task-pool widths. Carrier trunks tolerate fewer parallel calls than
// socket transports.
const (
	defaultConcurrency = 10
	sipConcurrency     = 5
)

// Deps carries the channel factory and the providers every subtest shares.
type Deps struct {
	// Dial allocates one channel per subtest.
	Dial channel.Dialer

	TTS tts.Provider
	STT stt.Provider
	VAD vad.Engine

	// Caller and Judge drive conversation scenarios. Judge may be nil; see
	// the conversation package.
	Caller llm.Provider
	Judge  conversation.Evaluator

	Log *slog.Logger

	// Concurrency overrides the transport-derived pool width when positive.
	Concurrency int

	// TurnTimeoutMs overrides the conversation reply deadline.
	TurnTimeoutMs int
}

func (d Deps) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// Input is one run's worth of work.
type Input struct {
	RunID   string
	Spec    types.TestSpec
	Adapter types.AdapterConfig

	// OnTestComplete, when set, receives each finished subtest from a single
	// goroutine, in completion order.
	OnTestComplete func(TestEvent)
}

// TestEvent is one finished subtest as streamed to the run's owner. Exactly
// one of Audio and Conversation is set.
type TestEvent struct {
	// Index is the subtest's position in the spec's expansion order: audio
	// tests first, then conversation scenarios.
	Index int

	// Total is the number of subtests in the run.
	Total int

	Audio        *types.AudioTestResult
	Conversation *types.ConversationTestResult
}

// Execute runs every subtest in the spec and reports the aggregate. It
// returns once all tasks have finished and every completion event has been
// emitted.
func Execute(ctx context.Context, deps Deps, in Input) types.TestsResult {
	start := time.Now()
	total := in.Spec.Total()
	width := concurrencyFor(deps, in.Adapter)
	log := deps.logger().With("run_id", in.RunID)

	log.Info("run started",
		"audio_tests", len(in.Spec.AudioTests),
		"conversation_tests", len(in.Spec.ConversationTests),
		"adapter", in.Adapter.Kind,
		"concurrency", width)

	audioResults := make([]types.AudioTestResult, len(in.Spec.AudioTests))
	convResults := make([]types.ConversationTestResult, len(in.Spec.ConversationTests))

	// Buffered to the run size so no task ever blocks on emission.
	events := make(chan TestEvent, total)

	// Single consumer: forwards events in completion order and files results
	// into spec order.
	emitterDone := make(chan struct{})
	go func() {
		defer close(emitterDone)
		for ev := range events {
			switch {
			case ev.Audio != nil:
				audioResults[ev.Index] = *ev.Audio
			case ev.Conversation != nil:
				convResults[ev.Index-len(in.Spec.AudioTests)] = *ev.Conversation
			}
			if in.OnTestComplete != nil {
				in.OnTestComplete(ev)
			}
		}
	}()

	sem := semaphore.NewWeighted(int64(width))
	var wg sync.WaitGroup

	for i, name := range in.Spec.AudioTests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := deps.runAudio(ctx, sem, in.Adapter, name, in.Spec.Thresholds[name])
			events <- TestEvent{Index: i, Total: total, Audio: &res}
		}()
	}
	for i, sc := range in.Spec.ConversationTests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := deps.runConversation(ctx, sem, in.Adapter, sc)
			events <- TestEvent{Index: len(in.Spec.AudioTests) + i, Total: total, Conversation: &res}
		}()
	}

	wg.Wait()
	close(events)
	<-emitterDone

	out := types.TestsResult{
		RunID:               in.RunID,
		AudioResults:        audioResults,
		ConversationResults: convResults,
		DurationMs:          time.Since(start).Milliseconds(),
	}
	for _, r := range audioResults {
		if r.Passed() {
			out.PassedCount++
		} else {
			out.FailedCount++
		}
	}
	for _, r := range convResults {
		if r.Passed() {
			out.PassedCount++
		} else {
			out.FailedCount++
		}
	}
	if out.FailedCount == 0 {
		out.Status = types.TestPass
	} else {
		out.Status = types.TestFail
	}

	log.Info("run finished",
		"status", out.Status,
		"passed", out.PassedCount,
		"failed", out.FailedCount,
		"duration_ms", out.DurationMs)
	return out
}

// concurrencyFor resolves the pool width: an explicit override wins,
// otherwise SIP-path transports run narrower than the rest.
func concurrencyFor(deps Deps, adapter types.AdapterConfig) int {
	if deps.Concurrency > 0 {
		return deps.Concurrency
	}
	if adapter.UsesSIPTransport() {
		return sipConcurrency
	}
	return defaultConcurrency
}

// runAudio executes one probe on its own channel.
func (d Deps) runAudio(ctx context.Context, sem *semaphore.Weighted, adapter types.AdapterConfig, name string, thresholds map[string]float64) types.AudioTestResult {
	start := time.Now()
	fail := func(err error) types.AudioTestResult {
		return types.AudioTestResult{
			Name:       name,
			Status:     types.TestFail,
			DurationMs: time.Since(start).Milliseconds(),
			Error:      err.Error(),
		}
	}

	fn, ok := probe.Lookup(name)
	if !ok {
		return fail(fmt.Errorf("unknown audio test %q", name))
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return fail(fmt.Errorf("acquire task slot: %w", err))
	}
	defer sem.Release(1)

	ch, err := d.Dial(ctx, adapter)
	if err != nil {
		return fail(fmt.Errorf("allocate channel: %w", err))
	}
	defer d.release(ch, name)
	if err := ch.Connect(ctx); err != nil {
		return fail(fmt.Errorf("connect channel: %w", err))
	}

	return fn(ctx, probe.Deps{TTS: d.TTS, STT: d.STT, VAD: d.VAD, Log: d.Log}, ch, thresholds)
}

// runConversation executes one scenario on its own channel.
func (d Deps) runConversation(ctx context.Context, sem *semaphore.Weighted, adapter types.AdapterConfig, sc types.ConversationScenario) types.ConversationTestResult {
	start := time.Now()
	fail := func(err error) types.ConversationTestResult {
		return types.ConversationTestResult{
			CallerPrompt: sc.CallerPrompt,
			Status:       types.TestFail,
			DurationMs:   time.Since(start).Milliseconds(),
			Error:        err.Error(),
		}
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return fail(fmt.Errorf("acquire task slot: %w", err))
	}
	defer sem.Release(1)

	ch, err := d.Dial(ctx, adapter)
	if err != nil {
		return fail(fmt.Errorf("allocate channel: %w", err))
	}
	defer d.release(ch, "conversation")
	if err := ch.Connect(ctx); err != nil {
		return fail(fmt.Errorf("connect channel: %w", err))
	}

	return conversation.Run(ctx, conversation.Deps{
		Caller:        d.Caller,
		Judge:         d.Judge,
		TTS:           d.TTS,
		STT:           d.STT,
		VAD:           d.VAD,
		Log:           d.Log,
		TurnTimeoutMs: d.TurnTimeoutMs,
	}, ch, sc)
}

// release tears a channel down at task exit, logging rather than failing the
// subtest.
func (d Deps) release(ch channel.Channel, test string) {
	if err := ch.Disconnect(); err != nil {
		d.logger().Warn("channel teardown failed", "test", test, "error", err)
	}
}
