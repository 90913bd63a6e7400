package probe

import (
	"context"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
	"github.com/sgzrov/VoiceCI-sub000/pkg/audio/signal"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

var qualityPrompts = []string{
	"Tell me about the services you offer, in detail.",
	"What should a first-time customer know before visiting?",
}

const (
	defaultMaxClippingRatio     = 0.01
	defaultMinEnergyConsistency = 0.4
	defaultMinQualityDurationMs = 3000
)

// AudioQuality accumulates agent audio over two open prompts and analyses it
// for clipping, uneven energy, and bare-minimum duration. Every metric must
// clear its threshold.
//
// Metrics: clipping_ratio, energy_consistency, audio_duration_ms.
func AudioQuality(ctx context.Context, deps Deps, ch channel.Channel, thresholds map[string]float64) types.AudioTestResult {
	start := time.Now()
	maxClip, clipSet := threshold(thresholds, "max_clipping_ratio", defaultMaxClippingRatio)
	minConsistency, consSet := threshold(thresholds, "min_energy_consistency", defaultMinEnergyConsistency)
	minDuration, durSet := threshold(thresholds, "min_duration_ms", defaultMinQualityDurationMs)
	timeoutMs, _ := threshold(thresholds, "turn_timeout_ms", defaultTurnTimeoutMs)

	var agentPCM []byte
	for _, prompt := range qualityPrompts {
		if err := deps.say(ctx, ch, prompt); err != nil {
			return failErr(NameAudioQuality, start, nil, nil, err)
		}
		turn, err := deps.captureTurn(ctx, ch, captureOpts{timeoutMs: int(timeoutMs), stopOnEndOfTurn: true})
		if err != nil {
			return failErr(NameAudioQuality, start, nil, nil, err)
		}
		agentPCM = append(agentPCM, turn.pcm...)
		if turn.channelDone {
			break
		}
	}
	if len(agentPCM) == 0 {
		return failErr(NameAudioQuality, start, nil, nil,
			verrors.New(verrors.KindTimeout, "no agent audio captured"))
	}

	metrics := map[string]float64{
		"clipping_ratio":     signal.ClippingRatio(agentPCM),
		"energy_consistency": signal.EnergyConsistency(agentPCM, audio.RateCanonical),
		"audio_duration_ms":  float64(audio.DurationMs(agentPCM, audio.RateCanonical)),
	}
	if clipSet {
		metrics["max_clipping_ratio"] = maxClip
	}
	if consSet {
		metrics["min_energy_consistency"] = minConsistency
	}
	if durSet {
		metrics["min_duration_ms"] = minDuration
	}

	pass := metrics["clipping_ratio"] <= maxClip &&
		metrics["energy_consistency"] >= minConsistency &&
		metrics["audio_duration_ms"] >= minDuration
	return finish(NameAudioQuality, start, pass, metrics, nil)
}
