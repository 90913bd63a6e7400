package app

import (
	"context"

	"github.com/sgzrov/VoiceCI-sub000/internal/config"
	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel/bland"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel/elevenlabs"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel/retell"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel/sip"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel/vapi"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel/webrtc"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel/wsvoice"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// Dialer turns adapter configs into live channels, binding the server-held
// platform credentials. Tenants never send API keys in adapter configs;
// everything secret comes from [config.PlatformsConfig].
type Dialer struct {
	platforms config.PlatformsConfig
}

// NewDialer builds a Dialer over the configured platform credentials.
func NewDialer(platforms config.PlatformsConfig) *Dialer {
	return &Dialer{platforms: platforms}
}

// Dial implements [channel.Dialer]. The returned channel is constructed but
// not connected; the executor calls Connect.
func (d *Dialer) Dial(_ context.Context, cfg types.AdapterConfig) (channel.Channel, error) {
	if err := d.CheckCredentials(cfg.Kind); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case types.AdapterWSVoice:
		return wsvoice.New(cfg.AgentURL)

	case types.AdapterSIP:
		carrier, err := d.carrier()
		if err != nil {
			return nil, err
		}
		return sip.New(sip.Config{
			Carrier:      carrier,
			TargetNumber: cfg.TargetNumber,
			FromNumber:   d.fromNumber(cfg),
			Inbound:      cfg.Inbound,
			PublicHost:   d.platforms.Carrier.PublicHost,
		})

	case types.AdapterWebRTC:
		return webrtc.New(webrtc.Config{
			URL:       cfg.LiveKitURL,
			RoomName:  cfg.RoomName,
			APIKey:    d.platforms.LiveKit.APIKey,
			APISecret: d.platforms.LiveKit.APISecret,
		})

	case types.AdapterVapi:
		return vapi.New(vapi.Config{
			APIKey:      d.platforms.Vapi.APIKey,
			AssistantID: cfg.AgentID,
		})

	case types.AdapterRetell:
		carrier, err := d.carrier()
		if err != nil {
			return nil, err
		}
		return retell.New(retell.Config{
			APIKey:       d.platforms.Retell.APIKey,
			Carrier:      carrier,
			TargetNumber: cfg.TargetNumber,
			FromNumber:   d.fromNumber(cfg),
			PublicHost:   d.platforms.Carrier.PublicHost,
		})

	case types.AdapterElevenLabs:
		return elevenlabs.New(elevenlabs.Config{
			AgentID: cfg.AgentID,
			APIKey:  d.platforms.ElevenLabs.APIKey,
		})

	case types.AdapterBland:
		carrier, err := d.carrier()
		if err != nil {
			return nil, err
		}
		return bland.New(bland.Config{
			APIKey:       d.platforms.Bland.APIKey,
			Carrier:      carrier,
			TargetNumber: cfg.TargetNumber,
			FromNumber:   d.fromNumber(cfg),
			PublicHost:   d.platforms.Carrier.PublicHost,
		})

	default:
		return nil, verrors.New(verrors.KindConfigMissing, "unknown adapter %q", cfg.Kind)
	}
}

// CheckCredentials implements [rpc.CredentialCheck]: it reports whether the
// server holds everything the adapter kind needs, without dialing anything.
func (d *Dialer) CheckCredentials(kind types.AdapterKind) error {
	p := d.platforms
	switch kind {
	case types.AdapterWSVoice:
		return nil
	case types.AdapterSIP:
		if !p.Carrier.Configured() {
			return verrors.New(verrors.KindConfigMissing, "sip adapter requires carrier credentials")
		}
	case types.AdapterWebRTC:
		if !p.LiveKit.Configured() {
			return verrors.New(verrors.KindConfigMissing, "webrtc adapter requires a LiveKit key pair")
		}
	case types.AdapterVapi:
		if !p.Vapi.Configured() {
			return verrors.New(verrors.KindConfigMissing, "vapi adapter requires an API key")
		}
	case types.AdapterRetell:
		if !p.Retell.Configured() {
			return verrors.New(verrors.KindConfigMissing, "retell adapter requires an API key")
		}
		if !p.Carrier.Configured() {
			return verrors.New(verrors.KindConfigMissing, "retell adapter requires carrier credentials")
		}
	case types.AdapterElevenLabs:
		if !p.ElevenLabs.Configured() {
			return verrors.New(verrors.KindConfigMissing, "elevenlabs adapter requires an API key")
		}
	case types.AdapterBland:
		if !p.Bland.Configured() {
			return verrors.New(verrors.KindConfigMissing, "bland adapter requires an API key")
		}
		if !p.Carrier.Configured() {
			return verrors.New(verrors.KindConfigMissing, "bland adapter requires carrier credentials")
		}
	default:
		return verrors.New(verrors.KindConfigMissing, "unknown adapter %q", kind)
	}
	return nil
}

// carrier builds the REST carrier from configured credentials.
func (d *Dialer) carrier() (sip.Carrier, error) {
	c := d.platforms.Carrier
	if !c.Configured() {
		return nil, verrors.New(verrors.KindConfigMissing, "telephony requires carrier credentials")
	}
	return sip.NewRESTCarrier(c.BaseURL, c.APIKey)
}

// fromNumber prefers the per-run caller number, falling back to the rented
// default.
func (d *Dialer) fromNumber(cfg types.AdapterConfig) string {
	if cfg.FromNumber != "" {
		return cfg.FromNumber
	}
	return d.platforms.Carrier.FromNumber
}
