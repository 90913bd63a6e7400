// Package probe implements the audio-infrastructure test suite that VoiceCI
// runs against a voice agent: nine probes covering echo loops, first-byte
// latency, barge-in, silence handling, connection stability, response
// completeness, noise resilience, endpointing, and audio quality.
//
// Every probe has the same shape: it receives a freshly connected
// [channel.Channel], speaks to the agent through the shared TTS provider,
// watches the reply through the VAD, and returns a [types.AudioTestResult]
// within a bounded duration. Probes never abort the run; any failure is
// folded into the result's status and error text.
//
// Thresholds are overridable per run through a flat map per probe (the
// executor passes `thresholds[probeName]`). A threshold key appears in the
// result metrics only when the caller overrode it.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/stt"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/tts"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/vad"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// defaultTurnTimeoutMs bounds how long a probe waits for one agent turn.
// Overridable per probe via the "turn_timeout_ms" threshold key.
const defaultTurnTimeoutMs = 10000

// Probe names, as accepted in TestSpec.AudioTests.
const (
	NameEcho                 = "echo"
	NameTTFB                 = "ttfb"
	NameBargeIn              = "barge_in"
	NameSilenceHandling      = "silence_handling"
	NameConnectionStability  = "connection_stability"
	NameResponseCompleteness = "response_completeness"
	NameNoiseResilience      = "noise_resilience"
	NameEndpointing          = "endpointing"
	NameAudioQuality         = "audio_quality"
)

// Deps carries the shared providers a probe needs. Probes hold no state of
// their own; everything per-run arrives through Deps and the channel.
type Deps struct {
	TTS tts.Provider
	STT stt.Provider
	VAD vad.Engine
	Log *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// Func runs one probe against a connected channel and reports its result.
type Func func(ctx context.Context, deps Deps, ch channel.Channel, thresholds map[string]float64) types.AudioTestResult

var registry = map[string]Func{
	NameEcho:                 Echo,
	NameTTFB:                 TTFB,
	NameBargeIn:              BargeIn,
	NameSilenceHandling:      SilenceHandling,
	NameConnectionStability:  ConnectionStability,
	NameResponseCompleteness: ResponseCompleteness,
	NameNoiseResilience:      NoiseResilience,
	NameEndpointing:          Endpointing,
	NameAudioQuality:         AudioQuality,
}

// Lookup returns the probe registered under name.
func Lookup(name string) (Func, bool) {
	f, ok := registry[name]
	return f, ok
}

// Known reports whether name is a registered probe.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Names returns all registered probe names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// threshold returns the override for key when the caller set one, else def.
// The second return reports whether an override was present.
func threshold(overrides map[string]float64, key string, def float64) (float64, bool) {
	if v, ok := overrides[key]; ok {
		return v, true
	}
	return def, false
}

// finish assembles a result, stamping the duration from start.
func finish(name string, start time.Time, pass bool, metrics map[string]float64, flags map[string]bool) types.AudioTestResult {
	status := types.TestPass
	if !pass {
		status = types.TestFail
	}
	return types.AudioTestResult{
		Name:       name,
		Status:     status,
		Metrics:    metrics,
		Flags:      flags,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// failErr assembles a failed result carrying err's text.
func failErr(name string, start time.Time, metrics map[string]float64, flags map[string]bool, err error) types.AudioTestResult {
	return types.AudioTestResult{
		Name:       name,
		Status:     types.TestFail,
		Metrics:    metrics,
		Flags:      flags,
		DurationMs: time.Since(start).Milliseconds(),
		Error:      err.Error(),
	}
}

// synthesize wraps TTS failures as upstream errors.
func (d Deps) synthesize(ctx context.Context, text string) ([]byte, error) {
	pcm, err := d.TTS.Synthesize(ctx, text)
	if err != nil {
		return nil, verrors.Wrap(verrors.KindUpstream, fmt.Errorf("synthesize: %w", err))
	}
	return pcm, nil
}

// transcribe wraps STT failures as upstream errors.
func (d Deps) transcribe(ctx context.Context, pcm []byte) (*types.Transcript, error) {
	tr, err := d.STT.Transcribe(ctx, pcm)
	if err != nil {
		return nil, verrors.Wrap(verrors.KindUpstream, fmt.Errorf("transcribe: %w", err))
	}
	return tr, nil
}

// send wraps channel write failures as transport errors.
func (d Deps) send(ctx context.Context, ch channel.Channel, pcm []byte) error {
	if err := ch.SendAudio(ctx, pcm); err != nil {
		return verrors.Wrap(verrors.KindTransport, fmt.Errorf("send audio: %w", err))
	}
	return nil
}

// say synthesizes text and sends it down the channel.
func (d Deps) say(ctx context.Context, ch channel.Channel, text string) error {
	pcm, err := d.synthesize(ctx, text)
	if err != nil {
		return err
	}
	return d.send(ctx, ch, pcm)
}

// capture is what captureTurn observed. Millisecond fields are offsets from
// the start of the capture; -1 means the event never happened.
type capture struct {
	pcm           []byte
	firstChunkMs  int64
	firstSpeechMs int64
	lastSpeechMs  int64
	endOfTurn     bool
	channelDone   bool
}

// responded reports whether any agent speech was classified.
func (c capture) responded() bool { return c.firstSpeechMs >= 0 }

type captureOpts struct {
	// timeoutMs bounds the capture. Zero means defaultTurnTimeoutMs.
	timeoutMs int

	// silenceThresholdMs is the detector's end-of-turn window. Zero takes
	// the vad package default.
	silenceThresholdMs int

	// stopOnEndOfTurn stops the capture once the detector latches end of
	// turn. Leave false to hold the window open for its full duration.
	stopOnEndOfTurn bool
}

// captureTurn drains agent audio from ch until end of turn (when requested),
// the window expires, the channel ends, or ctx is cancelled. A window expiry
// is a normal return, not an error; only classifier failures and context
// expiry are errors.
func (d Deps) captureTurn(ctx context.Context, ch channel.Channel, opts captureOpts) (capture, error) {
	turn := capture{firstChunkMs: -1, firstSpeechMs: -1, lastSpeechMs: -1}

	det, err := vad.NewDetector(d.VAD, vad.DetectorConfig{SilenceThresholdMs: opts.silenceThresholdMs})
	if err != nil {
		return turn, verrors.Wrap(verrors.KindInternal, err)
	}
	defer det.Close()

	timeoutMs := opts.timeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTurnTimeoutMs
	}
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	start := time.Now()
	process := func(chunk []byte) (bool, error) {
		now := time.Since(start).Milliseconds()
		if turn.firstChunkMs < 0 {
			turn.firstChunkMs = now
		}
		turn.pcm = append(turn.pcm, chunk...)
		state, err := det.Process(chunk)
		if err != nil {
			return false, verrors.Wrap(verrors.KindUpstream, err)
		}
		if turn.firstSpeechMs < 0 && det.SpeechSeen() {
			turn.firstSpeechMs = now
		}
		if state == vad.StateSpeech {
			turn.lastSpeechMs = now
		}
		if opts.stopOnEndOfTurn && state == vad.StateEndOfTurn {
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
