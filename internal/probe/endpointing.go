package probe

import (
	"context"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
	"github.com/sgzrov/VoiceCI-sub000/pkg/audio/signal"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const (
	endpointPartA = "I'd like to book an appointment for"
	endpointPartB = "next Friday at three pm."

	defaultMinPassRatio = 0.67
	defaultPauseMs      = 1200
	endpointTrials      = 3
)

// Endpointing sends an utterance with a deliberate mid-sentence pause and
// checks the agent waits it out instead of answering a half-finished request.
// Agent speech heard during the pause counts as premature.
//
// Metrics: premature_count, clean_ratio.
func Endpointing(ctx context.Context, deps Deps, ch channel.Channel, thresholds map[string]float64) types.AudioTestResult {
	start := time.Now()
	minRatio, overrode := threshold(thresholds, "min_pass_ratio", defaultMinPassRatio)
	pauseMs, _ := threshold(thresholds, "pause_ms", defaultPauseMs)
	timeoutMs, _ := threshold(thresholds, "turn_timeout_ms", defaultTurnTimeoutMs)

	pause := signal.Silence(int(pauseMs), audio.RateCanonical)
	gap := signal.Silence(trialGapMs, audio.RateCanonical)

	clean := 0
	for trial := 0; trial < endpointTrials; trial++ {
		if err := deps.say(ctx, ch, endpointPartA); err != nil {
			return failErr(NameEndpointing, start, nil, nil, err)
		}
		if err := deps.send(ctx, ch, pause); err != nil {
			return failErr(NameEndpointing, start, nil, nil, err)
		}
		// Anything the agent says while the pause plays out is premature.
		during, err := deps.captureTurn(ctx, ch, captureOpts{timeoutMs: int(pauseMs)})
		if err != nil {
			return failErr(NameEndpointing, start, nil, nil, err)
		}

		if err := deps.say(ctx, ch, endpointPartB); err != nil {
			return failErr(NameEndpointing, start, nil, nil, err)
		}
		if _, err := deps.captureTurn(ctx, ch, captureOpts{timeoutMs: int(timeoutMs), stopOnEndOfTurn: true}); err != nil {
			return failErr(NameEndpointing, start, nil, nil, err)
		}

		if !during.responded() {
			clean++
		}
		if err := deps.send(ctx, ch, gap); err != nil {
			return failErr(NameEndpointing, start, nil, nil, err)
		}
	}

	ratio := float64(clean) / float64(endpointTrials)
	metrics := map[string]float64{
		"premature_count": float64(endpointTrials - clean),
		"clean_ratio":     ratio,
	}
	if overrode {
		metrics["min_pass_ratio"] = minRatio
	}
	return finish(NameEndpointing, start, ratio >= minRatio, metrics, nil)
}
