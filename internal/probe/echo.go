package probe

import (
	"context"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/vad"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const (
	echoGreeting = "Hello! Can you hear me alright?"

	defaultLoopThreshold      = 2
	defaultEchoListenWindowMs = 6000
)

// Echo detects feedback loops: agents that hear their own output re-enter
// their speech pipeline and keep talking unprompted. After one greeting and
// its direct reply, any further utterances inside a quiet listen window count
// as unprompted; more than loop_threshold of them fails the probe.
//
// Metrics: unprompted_count, echo_similarity (Jaro-Winkler of the direct
// reply against the greeting, when transcribable).
func Echo(ctx context.Context, deps Deps, ch channel.Channel, thresholds map[string]float64) types.AudioTestResult {
	start := time.Now()
	loopThreshold, overrode := threshold(thresholds, "loop_threshold", defaultLoopThreshold)
	windowMs, _ := threshold(thresholds, "listen_window_ms", defaultEchoListenWindowMs)
	timeoutMs, _ := threshold(thresholds, "turn_timeout_ms", defaultTurnTimeoutMs)

	if err := deps.say(ctx, ch, echoGreeting); err != nil {
		return failErr(NameEcho, start, nil, nil, err)
	}
	reply, err := deps.captureTurn(ctx, ch, captureOpts{timeoutMs: int(timeoutMs), stopOnEndOfTurn: true})
	if err != nil {
		return failErr(NameEcho, start, nil, nil, err)
	}

	metrics := map[string]float64{}
	if len(reply.pcm) > 0 {
		// Best effort: a dead STT provider should not fail an echo check.
		if tr, err := deps.transcribe(ctx, reply.pcm); err == nil && tr.Text != "" {
			metrics["echo_similarity"] = matchr.JaroWinkler(
				strings.ToLower(echoGreeting), strings.ToLower(tr.Text), false)
		}
	}

	window, err := deps.captureTurn(ctx, ch, captureOpts{timeoutMs: int(windowMs)})
	if err != nil {
		return failErr(NameEcho, start, metrics, nil, err)
	}
	segments, err := vad.Segments(deps.VAD, window.pcm, audio.RateCanonical)
	if err != nil {
		return failErr(NameEcho, start, metrics, nil, err)
	}

	unprompted := float64(len(segments))
	metrics["unprompted_count"] = unprompted
	if overrode {
		metrics["loop_threshold"] = loopThreshold
	}
	deps.logger().Debug("echo probe finished", "unprompted", unprompted, "threshold", loopThreshold)
	return finish(NameEcho, start, unprompted <= loopThreshold, metrics, nil)
}
