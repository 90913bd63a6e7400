package executor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/internal/executor"
	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
	"github.com/sgzrov/VoiceCI-sub000/pkg/audio/signal"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	chmock "github.com/sgzrov/VoiceCI-sub000/pkg/channel/mock"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/llm"
	llmmock "github.com/sgzrov/VoiceCI-sub000/pkg/provider/llm/mock"
	sttmock "github.com/sgzrov/VoiceCI-sub000/pkg/provider/stt/mock"
	ttsmock "github.com/sgzrov/VoiceCI-sub000/pkg/provider/tts/mock"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/vad/energy"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

func speech(ms int) []byte {
	return signal.WhiteNoise(ms, audio.RateCanonical, 0.05, 7)
}

func quiet(ms int) []byte {
	return signal.Silence(ms, audio.RateCanonical)
}

// agentReply is one agent utterance that latches end of turn under the
// probes' default window.
func agentReply() [][]byte {
	return [][]byte{speech(600), quiet(1100)}
}

// dialRecorder hands out mock channels and remembers them.
type dialRecorder struct {
	mu    sync.Mutex
	chans []*chmock.Channel

	// err, if set, fails every dial.
	err error

	// onNew scripts each channel before it is handed out.
	onNew func(*chmock.Channel)
}

func (d *dialRecorder) dial(_ context.Context, _ types.AdapterConfig) (channel.Channel, error) {
	if d.err != nil {
		return nil, d.err
	}
	ch := chmock.New()
	if d.onNew != nil {
		d.onNew(ch)
	}
	d.mu.Lock()
	d.chans = append(d.chans, ch)
	d.mu.Unlock()
	return ch, nil
}

func (d *dialRecorder) dialed() []*chmock.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*chmock.Channel(nil), d.chans...)
}

// eventSink collects OnTestComplete events.
type eventSink struct {
	mu     sync.Mutex
	events []executor.TestEvent
}

func (s *eventSink) add(ev executor.TestEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) all() []executor.TestEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]executor.TestEvent(nil), s.events...)
}

// newDeps builds executor deps around the recorder with mocks that satisfy
// every probe and conversation in these tests. The caller model always wraps
// up in a single utterance.
func newDeps(d *dialRecorder) executor.Deps {
	return executor.Deps{
		Dial:   d.dial,
		TTS:    &ttsmock.Provider{SynthesizeResult: speech(400)},
		STT:    &sttmock.Provider{Transcripts: []string{"Hello! Can you hear me alright?"}},
		VAD:    energy.New(),
		Caller: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Thanks, that's all. END_CALL"}},
	}
}

func TestExecute_MixedSpecAggregates(t *testing.T) {
	rec := &dialRecorder{onNew: func(ch *chmock.Channel) {
		ch.OnSend = func([]byte) [][]byte { return agentReply() }
	}}
	sink := &eventSink{}

	deps := newDeps(rec)
	deps.Concurrency = 1

	res := executor.Execute(context.Background(), deps, executor.Input{
		RunID: "run-1",
		Spec: types.TestSpec{
			AudioTests: []string{"echo"},
			ConversationTests: []types.ConversationScenario{
				{CallerPrompt: "You want opening hours", MaxTurns: 2},
				{CallerPrompt: "You want to leave a message", MaxTurns: 2},
			},
			Thresholds: map[string]map[string]float64{
				"echo": {"listen_window_ms": 150},
			},
		},
		Adapter:        types.AdapterConfig{Kind: types.AdapterWSVoice, AgentURL: "ws://agent"},
		OnTestComplete: sink.add,
	})

	if res.Status != types.TestPass {
		t.Fatalf("status = %s, want pass: %+v", res.Status, res)
	}
	if res.RunID != "run-1" {
		t.Errorf("run id = %q", res.RunID)
	}
	if res.PassedCount != 3 || res.FailedCount != 0 {
		t.Errorf("counts = %d passed / %d failed, want 3/0", res.PassedCount, res.FailedCount)
	}
	if len(res.AudioResults) != 1 || res.AudioResults[0].Name != "echo" || !res.AudioResults[0].Passed() {
		t.Errorf("audio results = %+v", res.AudioResults)
	}
	if len(res.ConversationResults) != 2 {
		t.Fatalf("conversation results = %d, want 2", len(res.ConversationResults))
	}
	for i, cr := range res.ConversationResults {
		if !cr.Passed() {
			t.Errorf("conversation %d failed: %s", i, cr.Error)
		}
	}
	if res.DurationMs < 0 {
		t.Errorf("duration = %d", res.DurationMs)
	}

	// One channel per subtest, every one torn down.
	chans := rec.dialed()
	if len(chans) != 3 {
		t.Fatalf("dialed %d channels, want 3", len(chans))
	}
	for i, ch := range chans {
		if ch.DisconnectCount == 0 {
			t.Errorf("channel %d never disconnected", i)
		}
	}

	events := sink.all()
	if len(events) != 3 {
		t.Fatalf("emitted %d events, want 3", len(events))
	}
	seen := map[int]bool{}
	for _, ev := range events {
		if ev.Total != 3 {
			t.Errorf("event total = %d, want 3", ev.Total)
		}
		if (ev.Audio != nil) == (ev.Conversation != nil) {
			t.Errorf("event %d must carry exactly one result: %+v", ev.Index, ev)
		}
		seen[ev.Index] = true
	}
	for i := range 3 {
		if !seen[i] {
			t.Errorf("no event for subtest %d", i)
		}
	}
}

func TestExecute_FailingSubtestFailsAggregate(t *testing.T) {
	rec := &dialRecorder{onNew: func(ch *chmock.Channel) {
		ch.OnSend = func([]byte) [][]byte { return agentReply() }
	}}

	deps := newDeps(rec)
	deps.Concurrency = 1
	deps.Caller = &llmmock.Provider{CompleteErr: errors.New("rate limited")}

	res := executor.Execute(context.Background(), deps, executor.Input{
		RunID: "run-2",
		Spec: types.TestSpec{
			AudioTests:        []string{"echo"},
			ConversationTests: []types.ConversationScenario{{CallerPrompt: "You are a caller", MaxTurns: 2}},
			Thresholds:        map[string]map[string]float64{"echo": {"listen_window_ms": 150}},
		},
		Adapter: types.AdapterConfig{Kind: types.AdapterWSVoice, AgentURL: "ws://agent"},
	})

	if res.Status != types.TestFail {
		t.Fatalf("status = %s, want fail", res.Status)
	}
	if res.PassedCount != 1 || res.FailedCount != 1 {
		t.Errorf("counts = %d passed / %d failed, want 1/1", res.PassedCount, res.FailedCount)
	}
	if !res.AudioResults[0].Passed() {
		t.Errorf("echo result = %+v, want pass despite the conversation failure", res.AudioResults[0])
	}
	if res.ConversationResults[0].Error == "" {
		t.Error("failed conversation carries no error text")
	}
}

func TestExecute_DialFailureProducesFailedResults(t *testing.T) {
	rec := &dialRecorder{err: errors.New("no trunk capacity")}
	sink := &eventSink{}

	deps := newDeps(rec)

	res := executor.Execute(context.Background(), deps, executor.Input{
		RunID: "run-3",
		Spec: types.TestSpec{
			AudioTests:        []string{"echo"},
			ConversationTests: []types.ConversationScenario{{CallerPrompt: "You are a caller", MaxTurns: 2}},
		},
		Adapter:        types.AdapterConfig{Kind: types.AdapterSIP, TargetNumber: "+15550100"},
		OnTestComplete: sink.add,
	})

	if res.Status != types.TestFail {
		t.Fatalf("status = %s, want fail", res.Status)
	}
	if res.FailedCount != 2 {
		t.Errorf("failed count = %d, want 2", res.FailedCount)
	}
	for _, ar := range res.AudioResults {
		if ar.Error == "" || ar.Passed() {
			t.Errorf("audio result after dial failure = %+v", ar)
		}
	}
	// Every subtest still produces a completion event.
	if got := len(sink.all()); got != 2 {
		t.Errorf("emitted %d events, want 2", got)
	}
}

func TestExecute_UnknownAudioTestFails(t *testing.T) {
	rec := &dialRecorder{}
	deps := newDeps(rec)

	res := executor.Execute(context.Background(), deps, executor.Input{
		RunID:   "run-4",
		Spec:    types.TestSpec{AudioTests: []string{"warp_drive"}},
		Adapter: types.AdapterConfig{Kind: types.AdapterWSVoice, AgentURL: "ws://agent"},
	})

	if res.Status != types.TestFail {
		t.Fatalf("status = %s, want fail", res.Status)
	}
	if got := res.AudioResults[0].Error; got == "" {
		t.Error("unknown test carries no error text")
	}
	if len(rec.dialed()) != 0 {
		t.Errorf("dialed %d channels for an unknown test, want 0", len(rec.dialed()))
	}
}

func TestExecute_ConnectFailureReleasesChannel(t *testing.T) {
	rec := &dialRecorder{onNew: func(ch *chmock.Channel) {
		ch.ConnectErr = errors.New("carrier rejected")
	}}
	deps := newDeps(rec)

	res := executor.Execute(context.Background(), deps, executor.Input{
		RunID:   "run-5",
		Spec:    types.TestSpec{AudioTests: []string{"echo"}},
		Adapter: types.AdapterConfig{Kind: types.AdapterWSVoice, AgentURL: "ws://agent"},
	})

	if res.Status != types.TestFail {
		t.Fatalf("status = %s, want fail", res.Status)
	}
	chans := rec.dialed()
	if len(chans) != 1 {
		t.Fatalf("dialed %d channels, want 1", len(chans))
	}
	if chans[0].DisconnectCount == 0 {
		t.Error("channel not released after a connect failure")
	}
}

func TestExecute_BoundsConcurrency(t *testing.T) {
	rec := &dialRecorder{}

	var mu sync.Mutex
	var inFlight, maxInFlight int
	deps := newDeps(rec)
	deps.Concurrency = 2
	deps.Caller = &llmmock.Provider{
		CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()
			time.Sleep(25 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return &llm.CompletionResponse{Content: "END_CALL"}, nil
		},
	}

	scenarios := make([]types.ConversationScenario, 4)
	for i := range scenarios {
		scenarios[i] = types.ConversationScenario{CallerPrompt: "You are a caller", MaxTurns: 2}
	}

	res := executor.Execute(context.Background(), deps, executor.Input{
		RunID:   "run-6",
		Spec:    types.TestSpec{ConversationTests: scenarios},
		Adapter: types.AdapterConfig{Kind: types.AdapterWSVoice, AgentURL: "ws://agent"},
	})

	if res.Status != types.TestPass {
		t.Fatalf("status = %s, want pass", res.Status)
	}
	mu.Lock()
	peak := maxInFlight
	mu.Unlock()
	if peak > 2 {
		t.Errorf("observed %d tasks in flight, cap is 2", peak)
	}
	if len(rec.dialed()) != 4 {
		t.Errorf("dialed %d channels, want 4", len(rec.dialed()))
	}
}
