package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const defaultTTFBThresholdMs = 3000

// ttfbPrompts span three difficulty tiers. Simple prompts have canned
// answers, complex ones force reasoning, tool prompts should trigger a
// lookup; slow tool plumbing shows up as a tier-specific latency spike.
var ttfbPrompts = []struct {
	tier string
	text string
}{
	{"simple", "What are your hours today?"},
	{"simple", "Are you open on weekends?"},
	{"complex", "I need to move my appointment from Tuesday morning to Thursday afternoon. What times do you have open?"},
	{"complex", "Can you compare your standard and premium options and tell me which works out cheaper for two people?"},
	{"tool", "Can you look up my account? The number is four two one seven."},
	{"tool", "Please book a table for two, tomorrow at seven pm."},
}

// TTFB measures time from each prompt's send completion to the first
// VAD-detected agent speech, across all three prompt tiers, and verifies via
// STT that the responses carried words. Passes when both the overall and the
// complex-tier p95 sit at or under p95_threshold_ms.
//
// Metrics: p50_ms, p95_ms, simple_p95_ms, complex_p95_ms, tool_p95_ms,
// first_word_p95_ms (over trials whose transcript was non-empty).
func TTFB(ctx context.Context, deps Deps, ch channel.Channel, thresholds map[string]float64) types.AudioTestResult {
	start := time.Now()
	p95Threshold, overrode := threshold(thresholds, "p95_threshold_ms", defaultTTFBThresholdMs)
	timeoutMs, _ := threshold(thresholds, "turn_timeout_ms", defaultTurnTimeoutMs)

	var all []float64
	var firstWord []float64
	byTier := map[string][]float64{}

	for _, prompt := range ttfbPrompts {
		if err := deps.say(ctx, ch, prompt.text); err != nil {
			return failErr(NameTTFB, start, nil, nil, err)
		}
		turn, err := deps.captureTurn(ctx, ch, captureOpts{timeoutMs: int(timeoutMs), stopOnEndOfTurn: true})
		if err != nil {
			return failErr(NameTTFB, start, nil, nil, err)
		}
		if turn.channelDone {
			return failErr(NameTTFB, start, nil, nil,
				verrors.New(verrors.KindTransport, "channel closed after %d of %d prompts", len(all), len(ttfbPrompts)))
		}
		if !turn.responded() {
			return failErr(NameTTFB, start, nil, nil,
				verrors.New(verrors.KindTimeout, "no agent speech within %dms of prompt %q", int(timeoutMs), prompt.text))
		}

		all = append(all, float64(turn.firstSpeechMs))
		byTier[prompt.tier] = append(byTier[prompt.tier], float64(turn.firstSpeechMs))
		if tr, err := deps.transcribe(ctx, turn.pcm); err == nil && strings.TrimSpace(tr.Text) != "" {
			firstWord = append(firstWord, float64(turn.firstSpeechMs))
		}
		deps.logger().Debug("ttfb trial", "tier", prompt.tier, "ttfb_ms", turn.firstSpeechMs)
	}

	metrics := map[string]float64{
		"p50_ms":            percentile(all, 0.50),
		"p95_ms":            percentile(all, 0.95),
		"first_word_p95_ms": percentile(firstWord, 0.95),
	}
	for tier, samples := range byTier {
		metrics[fmt.Sprintf("%s_p95_ms", tier)] = percentile(samples, 0.95)
	}
	if overrode {
		metrics["p95_threshold_ms"] = p95Threshold
	}

	pass := metrics["p95_ms"] <= p95Threshold && metrics["complex_p95_ms"] <= p95Threshold
	return finish(NameTTFB, start, pass, metrics, nil)
}
