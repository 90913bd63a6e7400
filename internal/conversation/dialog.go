package conversation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
	"github.com/sgzrov/VoiceCI-sub000/pkg/audio"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/vad"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// Dialog end reasons, recorded for logging only.
const (
	endReasonCallerEnded = "caller_ended"
	endReasonAgentHangup = "agent_disconnected"
	endReasonMaxTurns    = "max_turns"
)

// dialogState accumulates the transcript and the adaptive-window trace over
// one scenario.
type dialogState struct {
	turns       []types.Turn
	initialMs   int
	thresholdMs int

	ttfbs         []float64
	maxInternalMs int
	agentSpeechMs int
	endReason     string
}

// metrics flattens the dialog trace into the result's metric map.
func (s dialogState) metrics() map[string]float64 {
	var callerTurns, agentTurns int
	for _, t := range s.turns {
		if t.Role == types.RoleAgent {
			agentTurns++
		} else {
			callerTurns++
		}
	}
	m := map[string]float64{
		"caller_turns":               float64(callerTurns),
		"agent_turns":                float64(agentTurns),
		"final_silence_threshold_ms": float64(s.thresholdMs),
	}
	if len(s.ttfbs) > 0 {
		m["ttfb_p95_ms"] = percentile(s.ttfbs, 0.95)
	}
	if s.maxInternalMs > 0 {
		m["max_internal_silence_ms"] = float64(s.maxInternalMs)
	}
	if s.agentSpeechMs > 0 {
		m["agent_speech_ms"] = float64(s.agentSpeechMs)
	}
	return m
}

// runDialog executes the turn loop. The returned state always carries
// whatever transcript was built, even when the loop errors.
func (d Deps) runDialog(ctx context.Context, ch channel.Channel, sc types.ConversationScenario) (dialogState, error) {
	start := time.Now()

	initial := clampThreshold(sc.InitialSilenceThresholdMs, defaultSilenceThresholdMs)
	state := dialogState{initialMs: initial, thresholdMs: initial}

	maxTurns := sc.MaxTurns
	if maxTurns < 1 {
		maxTurns = 1
	}
	if maxTurns > maxTurnsLimit {
		maxTurns = maxTurnsLimit
	}

	for turnNo := 1; turnNo <= maxTurns; turnNo++ {
		text, end, err := d.nextCallerUtterance(ctx, sc.CallerPrompt, state.turns)
		if err != nil {
			return state, err
		}
		if text == "" && !end {
			return state, verrors.New(verrors.KindUpstream, "caller model returned an empty utterance on turn %d", turnNo)
		}

		if text != "" {
			ttsStart := time.Now()
			pcm, err := d.synthesize(ctx, text)
			if err != nil {
				return state, err
			}
			state.turns = append(state.turns, types.Turn{
				Role:            types.RoleCaller,
				Text:            text,
				TimestampMs:     time.Since(start).Milliseconds(),
				AudioDurationMs: audio.DurationMs(pcm, audio.RateCanonical),
				TtsMs:           time.Since(ttsStart).Milliseconds(),
			})
			if err := d.send(ctx, ch, pcm); err != nil {
				return state, err
			}
		}
		if end {
			state.endReason = endReasonCallerEnded
			return state, nil
		}

		// The capture clock starts at send completion, so the first chunk
		// offset is the turn's TTFB directly.
		captureStartMs := time.Since(start).Milliseconds()
		turn, err := d.captureAgentTurn(ctx, ch, state.thresholdMs)
		if err != nil {
			return state, err
		}
		if len(turn.pcm) == 0 {
			if turn.channelDone {
				state.endReason = endReasonAgentHangup
				return state, nil
			}
			return state, verrors.New(verrors.KindTimeout, "agent did not respond on turn %d", turnNo)
		}

		segs, err := vad.Segments(d.VAD, turn.pcm, audio.RateCanonical)
		if err != nil {
			return state, verrors.Wrap(verrors.KindUpstream, fmt.Errorf("segmenting agent audio: %w", err))
		}
		stats := segmentStats(segs)

		sttStart := time.Now()
		tr, err := d.transcribe(ctx, turn.pcm)
		if err != nil {
			return state, err
		}
		state.turns = append(state.turns, types.Turn{
			Role:            types.RoleAgent,
			Text:            tr.Text,
			TimestampMs:     captureStartMs + turn.firstChunkMs,
			AudioDurationMs: audio.DurationMs(turn.pcm, audio.RateCanonical),
			TtfbMs:          turn.firstChunkMs,
			SttConfidence:   tr.Confidence,
			SttMs:           time.Since(sttStart).Milliseconds(),
		})
		state.ttfbs = append(state.ttfbs, float64(turn.firstChunkMs))
		state.agentSpeechMs += stats.totalSpeechMs
		if stats.maxInternalSilenceMs > state.maxInternalMs {
			state.maxInternalMs = stats.maxInternalSilenceMs
		}

		prev := state.thresholdMs
		state.thresholdMs = nextSilenceThreshold(state.thresholdMs, state.initialMs, stats.maxInternalSilenceMs)
		if state.thresholdMs != prev {
			d.logger().Debug("silence window adapted",
				"turn", turnNo,
				"max_internal_silence_ms", stats.maxInternalSilenceMs,
				"from_ms", prev,
				"to_ms", state.thresholdMs)
		}

		if turn.channelDone {
			state.endReason = endReasonAgentHangup
			return state, nil
		}
	}

	state.endReason = endReasonMaxTurns
	return state, nil
}

// nextSilenceThreshold applies the adaptive end-of-turn law: a pause that
// came within adaptMarginMs of the current window grows it by adaptGrowthMs;
// otherwise the window drifts adaptDriftMs back toward the configured
// initial. The result is clipped to the legal range.
func nextSilenceThreshold(current, initial, maxInternalSilenceMs int) int {
	next := current
	switch {
	case maxInternalSilenceMs > 0 && abs(current-maxInternalSilenceMs) <= adaptMarginMs:
		next = current + adaptGrowthMs
	case current > initial:
		next = max(current-adaptDriftMs, initial)
	case current < initial:
		next = min(current+adaptDriftMs, initial)
	}
	if next < minSilenceThresholdMs {
		return minSilenceThresholdMs
	}
	if next > maxSilenceThresholdMs {
		return maxSilenceThresholdMs
	}
	return next
}

// clampThreshold clips ms into the legal silence-window range, substituting
// def when ms is unset.
func clampThreshold(ms, def int) int {
	if ms <= 0 {
		ms = def
	}
	if ms < minSilenceThresholdMs {
		return minSilenceThresholdMs
	}
	if ms > maxSilenceThresholdMs {
		return maxSilenceThresholdMs
	}
	return ms
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// turnStats summarises the VAD segmentation of one captured agent turn.
// Internal silence is silence bounded by speech on both sides; the trailing
// window that ended the turn is not internal.
type turnStats struct {
	speechSegments       int
	totalSpeechMs        int
	maxInternalSilenceMs int
}

func segmentStats(segs []vad.SpeechSegment) turnStats {
	st := turnStats{speechSegments: len(segs)}
	for i, seg := range segs {
		st.totalSpeechMs += seg.EndMs - seg.StartMs
		if i > 0 {
			if gap := seg.StartMs - segs[i-1].EndMs; gap > st.maxInternalSilenceMs {
				st.maxInternalSilenceMs = gap
			}
		}
	}
	return st
}

// agentTurn is what captureAgentTurn observed. firstChunkMs is the offset of
// the first audio chunk from capture start, -1 when nothing arrived.
type agentTurn struct {
	pcm          []byte
	firstChunkMs int64
	endOfTurn    bool
	channelDone  bool
}

// captureAgentTurn drains agent audio until the detector latches end of turn,
// the reply deadline passes, the channel ends, or ctx is cancelled. A
// deadline expiry is a normal return — the agent may still have been mid
// sentence — and the caller transcribes whatever arrived.
func (d Deps) captureAgentTurn(ctx context.Context, ch channel.Channel, silenceThresholdMs int) (agentTurn, error) {
	turn := agentTurn{firstChunkMs: -1}

	det, err := vad.NewDetector(d.VAD, vad.DetectorConfig{SilenceThresholdMs: silenceThresholdMs})
	if err != nil {
		return turn, verrors.Wrap(verrors.KindInternal, err)
	}
	defer det.Close()

	timer := time.NewTimer(time.Duration(d.turnTimeout()) * time.Millisecond)
	defer timer.Stop()

	start := time.Now()
	process := func(chunk []byte) (bool, error) {
		if turn.firstChunkMs < 0 {
			turn.firstChunkMs = time.Since(start).Milliseconds()
		}
		turn.pcm = append(turn.pcm, chunk...)
		state, err := det.Process(chunk)
		if err != nil {
			return false, verrors.Wrap(verrors.KindUpstream, err)
		}
		if state == vad.StateEndOfTurn {
			turn.endOfTurn = true
			return true, nil
		}
		return false, nil
	}

	for {
		select {
		case chunk := <-ch.Audio():
			stop, err := process(chunk)
			if err != nil || stop {
				return turn, err
			}
		case <-ch.Done():
			// Drain what the transport already buffered before concluding.
			for {
				select {
				case chunk := <-ch.Audio():
					stop, err := process(chunk)
					if err != nil || stop {
						return turn, err
					}
				default:
					turn.channelDone = true
					return turn, nil
				}
			}
		case <-timer.C:
			return turn, nil
		case <-ctx.Done():
			return turn, verrors.Wrap(verrors.KindTimeout, ctx.Err())
		}
	}
}

// percentile returns the pth percentile (0 < p ≤ 1) of samples by nearest
// rank. An empty slice returns 0.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
