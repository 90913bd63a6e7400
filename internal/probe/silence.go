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
	silenceGreeting = "Hi! I have a quick question about your services."

	defaultDeadAirMs = 8000
)

// SilenceHandling sends dead air after one normal exchange and checks the
// agent neither hangs up nor crashes. Whether the agent re-prompts ("are you
// still there?") is recorded but does not affect the verdict.
//
// Flags: still_connected, agent_reprompted.
func SilenceHandling(ctx context.Context, deps Deps, ch channel.Channel, thresholds map[string]float64) types.AudioTestResult {
	start := time.Now()
	silenceMs, _ := threshold(thresholds, "silence_ms", defaultDeadAirMs)
	timeoutMs, _ := threshold(thresholds, "turn_timeout_ms", defaultTurnTimeoutMs)

	if err := deps.say(ctx, ch, silenceGreeting); err != nil {
		return failErr(NameSilenceHandling, start, nil, nil, err)
	}
	if _, err := deps.captureTurn(ctx, ch, captureOpts{timeoutMs: int(timeoutMs), stopOnEndOfTurn: true}); err != nil {
		return failErr(NameSilenceHandling, start, nil, nil, err)
	}

	if err := deps.send(ctx, ch, signal.Silence(int(silenceMs), audio.RateCanonical)); err != nil {
		return failErr(NameSilenceHandling, start, nil, map[string]bool{"still_connected": false}, err)
	}
	window, err := deps.captureTurn(ctx, ch, captureOpts{timeoutMs: int(silenceMs)})
	if err != nil {
		return failErr(NameSilenceHandling, start, nil, nil, err)
	}

	flags := map[string]bool{
		"still_connected":  !window.channelDone && ch.Connected(),
		"agent_reprompted": window.responded(),
	}
	return finish(NameSilenceHandling, start, flags["still_connected"], nil, flags)
}
