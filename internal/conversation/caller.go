package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/llm"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const (
	// endToken is the marker the caller model emits when its goal is done.
	endToken = "END_CALL"

	// callerTemperature keeps the simulated caller varied but on-script.
	callerTemperature = 0.7

	// callerMaxTokens caps one utterance; callers speak in short turns.
	callerMaxTokens = 256

	// callConnectedNote opens the dialog when no history exists yet.
	callConnectedNote = "(The call has just connected. Say your opening line.)"

	// silentAgentNote stands in for an agent turn the STT heard nothing in.
	silentAgentNote = "(the agent said nothing)"
)

const callerSystemPrompt = `You are playing a caller speaking to a voice agent on the phone.

Persona and goal:
%s

Rules:
- Reply with exactly what the caller says next, as plain spoken text.
- Keep each utterance short and natural, one to three sentences.
- Do not narrate, do not use stage directions, do not prefix your reply with a name.
- When your goal is complete or the conversation has reached a natural end, reply with exactly ` + endToken + `.`

// nextCallerUtterance asks the caller model for its next line. end reports
// that the model signalled the end of the call; text carries whatever the
// model wanted to say alongside the signal, possibly empty.
func (d Deps) nextCallerUtterance(ctx context.Context, persona string, turns []types.Turn) (string, bool, error) {
	resp, err := d.Caller.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(callerSystemPrompt, persona),
		Messages:     callerMessages(turns),
		Temperature:  callerTemperature,
		MaxTokens:    callerMaxTokens,
	})
	if err != nil {
		return "", false, verrors.Wrap(verrors.KindUpstream, fmt.Errorf("caller completion: %w", err))
	}
	if resp == nil {
		return "", false, verrors.New(verrors.KindUpstream, "caller completion: empty response")
	}
	text, end := splitEndToken(strings.TrimSpace(resp.Content))
	return text, end, nil
}

// callerMessages maps the transcript into the caller model's point of view:
// the model plays the caller, so caller turns are its own prior output and
// agent turns are the other party.
func callerMessages(turns []types.Turn) []types.Message {
	if len(turns) == 0 {
		return []types.Message{{Role: "user", Content: callConnectedNote}}
	}
	msgs := make([]types.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case types.RoleCaller:
			msgs = append(msgs, types.Message{Role: "assistant", Content: t.Text})
		case types.RoleAgent:
			content := t.Text
			if content == "" {
				content = silentAgentNote
			}
			msgs = append(msgs, types.Message{Role: "user", Content: content})
		}
	}
	return msgs
}

// splitEndToken strips the end marker out of text and reports whether it was
// present.
func splitEndToken(text string) (string, bool) {
	if !strings.Contains(text, endToken) {
		return text, false
	}
	cleaned := strings.TrimSpace(strings.ReplaceAll(text, endToken, ""))
	return cleaned, true
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
