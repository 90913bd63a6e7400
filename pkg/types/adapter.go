package types

import "fmt"

// AdapterKind tags which transport a channel uses to reach the agent.
type AdapterKind string

const (
	AdapterWSVoice    AdapterKind = "ws-voice"
	AdapterSIP        AdapterKind = "sip"
	AdapterWebRTC     AdapterKind = "webrtc"
	AdapterVapi       AdapterKind = "vapi"
	AdapterRetell     AdapterKind = "retell"
	AdapterElevenLabs AdapterKind = "elevenlabs"
	AdapterBland      AdapterKind = "bland"
)

// IsValid reports whether k is one of the seven known adapter kinds.
func (k AdapterKind) IsValid() bool {
	switch k {
	case AdapterWSVoice, AdapterSIP, AdapterWebRTC, AdapterVapi,
		AdapterRetell, AdapterElevenLabs, AdapterBland:
		return true
	}
	return false
}

// AdapterConfig is everything needed to dial one voice agent. Kind selects
// the transport; the remaining fields are read per kind and ignored
// otherwise. Configs are stored per session under an opaque id and never
// persisted.
type AdapterConfig struct {
	Kind AdapterKind `json:"adapter"`

	// AgentURL is the agent WebSocket endpoint (ws-voice) or webhook base.
	AgentURL string `json:"agent_url,omitempty"`

	// TargetNumber is the E.164 phone number to dial (sip, retell, bland).
	TargetNumber string `json:"target_number,omitempty"`

	// FromNumber is the rented caller number for outbound telephony.
	FromNumber string `json:"from_number,omitempty"`

	// Inbound flips the SIP channel into listen mode: a temporary
	// application is attached to FromNumber and the carrier dials us.
	Inbound bool `json:"inbound,omitempty"`

	// LiveKitURL / RoomName locate the WebRTC room (webrtc).
	LiveKitURL string `json:"livekit_url,omitempty"`
	RoomName   string `json:"room_name,omitempty"`

	// AgentID / APIKeyRef identify the hosted agent and the server-side
	// credential reference for platform bridges (vapi, retell, elevenlabs,
	// bland).
	AgentID   string `json:"agent_id,omitempty"`
	APIKeyRef string `json:"api_key_ref,omitempty"`

	// VoiceID optionally overrides the platform voice.
	VoiceID string `json:"voice_id,omitempty"`
}

// Validate checks the kind tag and the fields that kind requires.
func (c AdapterConfig) Validate() error {
	if !c.Kind.IsValid() {
		return fmt.Errorf("adapter config: unknown adapter %q", c.Kind)
	}
	switch c.Kind {
	case AdapterWSVoice:
		if c.AgentURL == "" {
			return fmt.Errorf("adapter config: ws-voice requires agent_url")
		}
	case AdapterSIP:
		if !c.Inbound && c.TargetNumber == "" {
			return fmt.Errorf("adapter config: sip requires target_number unless inbound")
		}
	case AdapterWebRTC:
		if c.LiveKitURL == "" || c.RoomName == "" {
			return fmt.Errorf("adapter config: webrtc requires livekit_url and room_name")
		}
	case AdapterVapi, AdapterElevenLabs:
		if c.AgentID == "" {
			return fmt.Errorf("adapter config: %s requires agent_id", c.Kind)
		}
	case AdapterRetell, AdapterBland:
		if c.AgentID == "" || c.TargetNumber == "" {
			return fmt.Errorf("adapter config: %s requires agent_id and target_number", c.Kind)
		}
	}
	return nil
}

// UsesSIPTransport reports whether the adapter moves audio through the
// telephony path. Retell and Bland compose the SIP channel for audio even
// though they are platform bridges.
func (c AdapterConfig) UsesSIPTransport() bool {
	switch c.Kind {
	case AdapterSIP, AdapterRetell, AdapterBland:
		return true
	}
	return false
}
