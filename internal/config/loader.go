package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per slot kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"tts": {"openai", "elevenlabs"},
	"stt": {"deepgram", "openai"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. `${VAR}` references anywhere in the file are expanded from the
// environment before decoding, so secrets stay out of the file itself.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands `${VAR}` environment
// references, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := expandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv substitutes `${VAR}` references from the environment. Only the
// braced form is recognised; a bare `$WORD` passes through untouched so DSNs
// and shell snippets survive.
func expandEnv(s string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.Index(s[i+2:], "}")
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(os.Getenv(s[i+2 : i+2+j]))
		s = s[i+2+j+1:]
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.PublicURL != "" {
		if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_url %q is not an absolute URL", cfg.Server.PublicURL))
		}
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Observability.LogLevel != "" && !cfg.Observability.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("observability.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Observability.LogLevel))
	}

	if cfg.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}

	// Tokens
	tokensSeen := make(map[string]int, len(cfg.Security.APITokens))
	for i, tok := range cfg.Security.APITokens {
		prefix := fmt.Sprintf("security.api_tokens[%d]", i)
		if tok.Token == "" {
			errs = append(errs, fmt.Errorf("%s.token is required", prefix))
		} else if prev, ok := tokensSeen[tok.Token]; ok {
			errs = append(errs, fmt.Errorf("%s.token duplicates security.api_tokens[%d]", prefix, prev))
		} else {
			tokensSeen[tok.Token] = i
		}
		if tok.Tenant == "" || tok.KeyID == "" {
			errs = append(errs, fmt.Errorf("%s requires tenant and key_id", prefix))
		}
	}

	// Machine path
	if cfg.Machine.APIURL != "" {
		if cfg.Machine.RunnerImage == "" {
			errs = append(errs, errors.New("machine.runner_image is required when machine.api_url is set"))
		}
		if cfg.Server.PublicURL == "" {
			errs = append(errs, errors.New("server.public_url is required when machine.api_url is set (machines post callbacks to it)"))
		}
		if cfg.Security.CallbackSecret == "" {
			errs = append(errs, errors.New("security.callback_secret is required when machine.api_url is set"))
		}
		if cfg.Machine.BuilderImage != "" && cfg.Machine.ImageRepo == "" {
			errs = append(errs, errors.New("machine.image_repo is required when machine.builder_image is set"))
		}
	}

	// Providers
	validateSlot("tts", cfg.Providers.TTS, &errs)
	validateSlot("stt", cfg.Providers.STT, &errs)
	validateSlot("llm", cfg.Providers.Caller, &errs)
	validateSlot("llm", cfg.Providers.Judge, &errs)
	if cfg.Providers.TTS.Name == "" || cfg.Providers.STT.Name == "" || cfg.Providers.Caller.Name == "" {
		errs = append(errs, errors.New("providers.tts, providers.stt, and providers.caller_llm are all required"))
	}
	if cfg.Providers.Judge.Name == "" {
		slog.Warn("providers.judge_llm is empty; conversation tests will run without judge evaluation")
	}

	// Platforms
	if cfg.Platforms.Carrier.BaseURL != "" && !cfg.Platforms.Carrier.Configured() {
		errs = append(errs, errors.New("platforms.carrier requires base_url, api_key, and from_number together"))
	}
	if (cfg.Platforms.LiveKit.APIKey == "") != (cfg.Platforms.LiveKit.APISecret == "") {
		errs = append(errs, errors.New("platforms.livekit requires api_key and api_secret together"))
	}
	if (cfg.Platforms.Retell.Configured() || cfg.Platforms.Bland.Configured()) && !cfg.Platforms.Carrier.Configured() {
		slog.Warn("retell/bland credentials are set but platforms.carrier is not; their audio path needs the carrier trunk")
	}

	if cfg.Executor.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("executor.concurrency %d must not be negative", cfg.Executor.Concurrency))
	}
	if cfg.Executor.TurnTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("executor.turn_timeout_ms %d must not be negative", cfg.Executor.TurnTimeoutMs))
	}

	return errors.Join(errs...)
}

// validateSlot warns about unknown provider names in a slot and checks its
// fallback entries carry names.
func validateSlot(kind string, slot ProviderSlot, errs *[]error) {
	validateProviderName(kind, slot.Name)
	for i, fb := range slot.Fallbacks {
		if fb.Name == "" {
			*errs = append(*errs, fmt.Errorf("providers %s fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, fb.Name)
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
