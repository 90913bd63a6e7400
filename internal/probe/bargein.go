package probe

import (
	"context"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const (
	bargeElicit    = "Please walk me through your full cancellation and refund policy, with as much detail as you can."
	bargeInterrupt = "Sorry to interrupt, but I have a quick question."

	defaultBargeMaxLatencyMs = 2000
	defaultBargeDelayMs      = 1000

	// bargeSilenceWindowMs is how much agent silence counts as "stopped
	// talking" after the interruption.
	bargeSilenceWindowMs = 500
)

// BargeIn checks that the agent yields when interrupted. It elicits a long
// response, interrupts a second in, and measures how long the agent keeps
// speaking before sustained silence.
//
// Metrics: barge_in_latency_ms.
func BargeIn(ctx context.Context, deps Deps, ch channel.Channel, thresholds map[string]float64) types.AudioTestResult {
	start := time.Now()
	maxLatency, overrode := threshold(thresholds, "max_latency_ms", defaultBargeMaxLatencyMs)
	delayMs, _ := threshold(thresholds, "delay_ms", defaultBargeDelayMs)
	timeoutMs, _ := threshold(thresholds, "turn_timeout_ms", defaultTurnTimeoutMs)

	if err := deps.say(ctx, ch, bargeElicit); err != nil {
		return failErr(NameBargeIn, start, nil, nil, err)
	}

	// Let the response get going before stepping on it.
	lead, err := deps.captureTurn(ctx, ch, captureOpts{timeoutMs: int(delayMs)})
	if err != nil {
		return failErr(NameBargeIn, start, nil, nil, err)
	}
	if !lead.responded() {
		return finish(NameBargeIn, start, false, nil, map[string]bool{"agent_responded": false})
	}

	if err := deps.say(ctx, ch, bargeInterrupt); err != nil {
		return failErr(NameBargeIn, start, nil, nil, err)
	}
	post, err := deps.captureTurn(ctx, ch, captureOpts{
		timeoutMs:          int(timeoutMs),
		silenceThresholdMs: bargeSilenceWindowMs,
		stopOnEndOfTurn:    true,
	})
	if err != nil {
		return failErr(NameBargeIn, start, nil, nil, err)
	}

	// Latency is from the interruption to the agent's last speech. An agent
	// already quiet when we interrupted scores zero; one still talking when
	// the window expired never yielded.
	var latency float64
	yielded := true
	switch {
	case !post.responded():
		latency = 0
	case post.endOfTurn:
		latency = float64(post.lastSpeechMs)
	default:
		latency = float64(int(timeoutMs))
		yielded = false
	}

	metrics := map[string]float64{"barge_in_latency_ms": latency}
	if overrode {
		metrics["max_latency_ms"] = maxLatency
	}
	return finish(NameBargeIn, start, yielded && latency <= maxLatency, metrics, nil)
}
