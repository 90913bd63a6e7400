package probe

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const (
	completenessPrompt = "Could you explain what you can help me with?"

	defaultMinWordCount = 5
)

// ResponseCompleteness asks one open question and checks the transcribed
// reply is a substantial, finished sentence: at or above min_word_count words
// and ending in terminal punctuation. Cut-off audio pipelines typically fail
// the second check.
//
// Metrics: word_count. Flags: ends_with_terminal_punctuation.
func ResponseCompleteness(ctx context.Context, deps Deps, ch channel.Channel, thresholds map[string]float64) types.AudioTestResult {
	start := time.Now()
	minWords, overrode := threshold(thresholds, "min_word_count", defaultMinWordCount)
	timeoutMs, _ := threshold(thresholds, "turn_timeout_ms", defaultTurnTimeoutMs)

	if err := deps.say(ctx, ch, completenessPrompt); err != nil {
		return failErr(NameResponseCompleteness, start, nil, nil, err)
	}
	turn, err := deps.captureTurn(ctx, ch, captureOpts{timeoutMs: int(timeoutMs), stopOnEndOfTurn: true})
	if err != nil {
		return failErr(NameResponseCompleteness, start, nil, nil, err)
	}
	if len(turn.pcm) == 0 {
		return failErr(NameResponseCompleteness, start, nil, nil,
			verrors.New(verrors.KindTimeout, "agent did not respond within %dms", int(timeoutMs)))
	}

	tr, err := deps.transcribe(ctx, turn.pcm)
	if err != nil {
		return failErr(NameResponseCompleteness, start, nil, nil, err)
	}

	text := strings.TrimSpace(tr.Text)
	words := len(strings.Fields(text))
	last, _ := utf8.DecodeLastRuneInString(text)
	terminal := text != "" && strings.ContainsRune(".!?", last)

	metrics := map[string]float64{"word_count": float64(words)}
	if overrode {
		metrics["min_word_count"] = minWords
	}
	flags := map[string]bool{"ends_with_terminal_punctuation": terminal}
	return finish(NameResponseCompleteness, start, float64(words) >= minWords && terminal, metrics, flags)
}
