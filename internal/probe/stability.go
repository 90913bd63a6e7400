package probe

import (
	"context"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// stabilityTurns is a short canned visit: greeting to goodbye.
var stabilityTurns = []string{
	"Hi there!",
	"What services do you offer?",
	"What are your opening hours?",
	"Do I need an appointment, or can I just walk in?",
	"Great, thanks for the help. Goodbye!",
}

// ConnectionStability holds a five-turn exchange and verifies the transport
// survives it: every turn drained to end of turn, no disconnect.
//
// Metrics: turns_completed. Flags: disconnected.
func ConnectionStability(ctx context.Context, deps Deps, ch channel.Channel, thresholds map[string]float64) types.AudioTestResult {
	start := time.Now()
	timeoutMs, _ := threshold(thresholds, "turn_timeout_ms", defaultTurnTimeoutMs)

	completed := 0
	disconnected := false
	for _, text := range stabilityTurns {
		if err := deps.say(ctx, ch, text); err != nil {
			return failErr(NameConnectionStability, start,
				map[string]float64{"turns_completed": float64(completed)}, nil, err)
		}
		turn, err := deps.captureTurn(ctx, ch, captureOpts{timeoutMs: int(timeoutMs), stopOnEndOfTurn: true})
		if err != nil {
			return failErr(NameConnectionStability, start,
				map[string]float64{"turns_completed": float64(completed)}, nil, err)
		}
		if turn.channelDone {
			disconnected = true
			break
		}
		if !turn.endOfTurn {
			break
		}
		completed++
	}

	metrics := map[string]float64{"turns_completed": float64(completed)}
	flags := map[string]bool{"disconnected": disconnected}
	pass := completed == len(stabilityTurns) && !disconnected && ch.Connected()
	return finish(NameConnectionStability, start, pass, metrics, flags)
}
