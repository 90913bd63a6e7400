package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
	"github.com/sgzrov/VoiceCI-sub000/pkg/audio/signal"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const (
	noisePrompt = "What are your business hours?"

	defaultMinPassSNRdB = 10

	// noiseRMS is the generator target before MixAudio rescales for SNR.
	noiseRMS = 0.05

	// trialGapMs of dead air separates trials so responses don't bleed into
	// each other.
	trialGapMs = 500
)

var (
	noiseKinds = []string{"white", "babble", "pink"}
	noiseSNRs  = []float64{20, 10, 5}
)

// NoiseResilience replays one prompt under nine noise conditions —
// {white, babble, pink} × {20, 10, 5 dB SNR} — after a clean baseline.
// The probe passes when the agent responded in every trial at or above
// min_pass_snr_db; noisier trials are informational.
//
// Metrics: baseline_ttfb_ms. Flags: baseline_responded plus one
// <kind>_<snr>db_responded per trial.
func NoiseResilience(ctx context.Context, deps Deps, ch channel.Channel, thresholds map[string]float64) types.AudioTestResult {
	start := time.Now()
	minPassSNR, overrode := threshold(thresholds, "min_pass_snr_db", defaultMinPassSNRdB)
	timeoutMs, _ := threshold(thresholds, "turn_timeout_ms", defaultTurnTimeoutMs)

	prompt, err := deps.synthesize(ctx, noisePrompt)
	if err != nil {
		return failErr(NameNoiseResilience, start, nil, nil, err)
	}
	promptMs := int(audio.DurationMs(prompt, audio.RateCanonical))

	// Clean baseline first.
	if err := deps.send(ctx, ch, prompt); err != nil {
		return failErr(NameNoiseResilience, start, nil, nil, err)
	}
	base, err := deps.captureTurn(ctx, ch, captureOpts{timeoutMs: int(timeoutMs), stopOnEndOfTurn: true})
	if err != nil {
		return failErr(NameNoiseResilience, start, nil, nil, err)
	}

	metrics := map[string]float64{}
	flags := map[string]bool{"baseline_responded": base.responded()}
	if base.responded() {
		metrics["baseline_ttfb_ms"] = float64(base.firstSpeechMs)
	}

	gap := signal.Silence(trialGapMs, audio.RateCanonical)
	pass := true
	seed := uint64(1)
	for _, kind := range noiseKinds {
		for _, snr := range noiseSNRs {
			seed++
			var noise []byte
			switch kind {
			case "white":
				noise = signal.WhiteNoise(promptMs, audio.RateCanonical, noiseRMS, seed)
			case "babble":
				noise = signal.BabbleNoise(promptMs, audio.RateCanonical, noiseRMS, seed)
			case "pink":
				noise = signal.PinkNoise(promptMs, audio.RateCanonical, noiseRMS, seed)
			}

			if err := deps.send(ctx, ch, gap); err != nil {
				return failErr(NameNoiseResilience, start, metrics, flags, err)
			}
			if err := deps.send(ctx, ch, signal.MixAudio(prompt, noise, snr)); err != nil {
				return failErr(NameNoiseResilience, start, metrics, flags, err)
			}
			trial, err := deps.captureTurn(ctx, ch, captureOpts{timeoutMs: int(timeoutMs), stopOnEndOfTurn: true})
			if err != nil {
				return failErr(NameNoiseResilience, start, metrics, flags, err)
			}
			if trial.channelDone {
				return failErr(NameNoiseResilience, start, metrics, flags,
					verrors.New(verrors.KindTransport, "channel closed during %s %gdB trial", kind, snr))
			}

			flags[fmt.Sprintf("%s_%gdb_responded", kind, snr)] = trial.responded()
			if snr >= minPassSNR && !trial.responded() {
				pass = false
			}
			deps.logger().Debug("noise trial", "kind", kind, "snr_db", snr, "responded", trial.responded())
		}
	}

	if overrode {
		metrics["min_pass_snr_db"] = minPassSNR
	}
	return finish(NameNoiseResilience, start, pass, metrics, flags)
}
