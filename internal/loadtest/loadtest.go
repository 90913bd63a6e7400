// Package loadtest places rate-paced concurrent conversation calls against
// an agent. Campaigns run in-process, detached from the request that
// started them: load_test returns immediately and progress flows through
// the campaign's OnWave hook.
//
// Calls reuse the conversation engine with no judge attached, so a call
// counts as passed when the dialog itself completes cleanly. The point is
// capacity, not correctness.
package loadtest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/google/uuid"

	"github.com/sgzrov/VoiceCI-sub000/internal/conversation"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/llm"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/stt"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/tts"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/vad"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// Pacing and concurrency defaults.
const (
	defaultCallsPerMinute = 60
	defaultMaxConcurrent  = 10
)

// Campaign configures one load run.
type Campaign struct {
	Adapter  types.AdapterConfig
	Scenario types.ConversationScenario

	// Calls is the total number of calls to place.
	Calls int

	// CallsPerMinute paces call starts. Zero means the default.
	CallsPerMinute float64

	// MaxConcurrent bounds calls in flight. Zero means the default.
	MaxConcurrent int

	// OnWave, when set, receives a counters snapshot after every completed
	// call and once more when the campaign finishes.
	OnWave func(Status)
}

// Status is a campaign's counters at some instant.
type Status struct {
	CampaignID string    `json:"campaign_id"`
	Calls      int       `json:"calls"`
	Placed     int       `json:"placed"`
	Completed  int       `json:"completed"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	Done       bool      `json:"done"`
	StartedAt  time.Time `json:"started_at"`
}

// Deps carries what campaigns need to place calls. The caller LLM drives
// the scripted side; there is deliberately no judge.
type Deps struct {
	Dial   channel.Dialer
	TTS    tts.Provider
	STT    stt.Provider
	VAD    vad.Engine
	Caller llm.Provider
	Log    *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// Runner starts and tracks campaigns. Create with NewRunner; Close drains
// in-flight campaigns.
type Runner struct {
	deps   Deps
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	campaigns map[string]*Status
}

// NewRunner creates a Runner that detaches campaigns from request contexts.
func NewRunner(deps Deps) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		campaigns: make(map[string]*Status),
	}
}

// Start validates the campaign and launches it in the background. The
// returned id can be used with Status.
func (r *Runner) Start(_ context.Context, c Campaign) (string, error) {
	if c.Calls < 1 {
		return "", fmt.Errorf("loadtest: campaign needs calls >= 1")
	}
	if r.deps.Dial == nil {
		return "", fmt.Errorf("loadtest: runner has no channel dialer")
	}

	id := uuid.NewString()
	st := &Status{CampaignID: id, Calls: c.Calls, StartedAt: time.Now()}
	r.mu.Lock()
	r.campaigns[id] = st
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(r.ctx, id, c)
	}()
	return id, nil
}

// Status returns the campaign's counters.
func (r *Runner) Status(id string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.campaigns[id]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Close stops pacing new calls and waits for in-flight ones.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, id string, c Campaign) {
	cpm := c.CallsPerMinute
	if cpm <= 0 {
		cpm = defaultCallsPerMinute
	}
	width := c.MaxConcurrent
	if width <= 0 {
		width = defaultMaxConcurrent
	}
	log := r.deps.logger().With("campaign_id", id)
	log.Info("load campaign started",
		"calls", c.Calls, "calls_per_minute", cpm, "max_concurrent", width,
		"adapter", c.Adapter.Kind)

	limiter := rate.NewLimiter(rate.Limit(cpm/60.0), 1)
	slots := make(chan struct{}, width)
	var calls sync.WaitGroup

	for range c.Calls {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		r.update(id, nil, func(st *Status) { st.Placed++ })
		calls.Add(1)
		go func() {
			defer calls.Done()
			defer func() { <-slots }()
			r.placeCall(ctx, id, c)
		}()
	}

	calls.Wait()
	var final Status
	r.update(id, nil, func(st *Status) {
		st.Done = true
		final = *st
	})
	if c.OnWave != nil {
		c.OnWave(final)
	}
	log.Info("load campaign finished",
		"placed", final.Placed, "passed", final.Passed, "failed", final.Failed)
}

// placeCall dials one channel and drives the scenario through the
// conversation engine without a judge.
func (r *Runner) placeCall(ctx context.Context, id string, c Campaign) {
	passed := false
	defer func() {
		r.update(id, c.OnWave, func(st *Status) {
			st.Completed++
			if passed {
				st.Passed++
			} else {
				st.Failed++
			}
		})
	}()

	ch, err := r.deps.Dial(ctx, c.Adapter)
	if err != nil {
		r.deps.logger().Warn("load call dial failed", "campaign_id", id, "error", err)
		return
	}
	defer func() {
		if err := ch.Disconnect(); err != nil {
			r.deps.logger().Warn("load call teardown failed", "campaign_id", id, "error", err)
		}
	}()
	if err := ch.Connect(ctx); err != nil {
		r.deps.logger().Warn("load call connect failed", "campaign_id", id, "error", err)
		return
	}

	res := conversation.Run(ctx, conversation.Deps{
		Caller: r.deps.Caller,
		TTS:    r.deps.TTS,
		STT:    r.deps.STT,
		VAD:    r.deps.VAD,
		Log:    r.deps.Log,
	}, ch, c.Scenario)
	passed = res.Passed()
}

// update mutates the campaign's counters under the lock and, when onWave is
// set, hands the snapshot to it outside the lock.
func (r *Runner) update(id string, onWave func(Status), mutate func(*Status)) {
	r.mu.Lock()
	st, ok := r.campaigns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	mutate(st)
	snapshot := *st
	r.mu.Unlock()

	if onWave != nil {
		onWave(snapshot)
	}
}
