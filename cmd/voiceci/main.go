// Command voiceci is the VoiceCI control-plane server: the MCP tool surface,
// the scheduler worker, and the machine callback endpoints in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/sgzrov/VoiceCI-sub000/internal/app"
	"github.com/sgzrov/VoiceCI-sub000/internal/config"
	"github.com/sgzrov/VoiceCI-sub000/internal/observe"
	"github.com/sgzrov/VoiceCI-sub000/internal/resilience"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/llm"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/llm/anyllm"
	openaillm "github.com/sgzrov/VoiceCI-sub000/pkg/provider/llm/openai"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/stt"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/stt/deepgram"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/stt/openaistt"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/tts"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/tts/elevenlabs"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/tts/openaitts"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voiceci: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voiceci: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Observability.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voiceci starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Observability.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voiceci",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai goes through the native SDK; the rest share the any-llm pattern
	// of optional APIKey + optional BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(entry.BaseURL))
		}
		return openaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []openaistt.Option
		if entry.Model != "" {
			opts = append(opts, openaistt.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, openaistt.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openaistt.WithBaseURL(entry.BaseURL))
		}
		return openaistt.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []openaitts.Option
		if entry.Model != "" {
			opts = append(opts, openaitts.WithModel(entry.Model))
		}
		if entry.Voice != "" {
			opts = append(opts, openaitts.WithVoice(entry.Voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openaitts.WithBaseURL(entry.BaseURL))
		}
		return openaitts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, entry.Voice, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// fallbackConfig is the circuit-breaker policy shared by every provider
// fallback group.
func fallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		},
	}
}

// buildProviders instantiates each configured provider slot, wrapping it in a
// resilience fallback group when the slot lists fallbacks, and returns the
// set in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if slot := cfg.Providers.TTS; slot.Name != "" {
		p, err := buildTTS(reg, slot)
		if err != nil {
			return nil, err
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "name", slot.Name, "fallbacks", len(slot.Fallbacks))
	}

	if slot := cfg.Providers.STT; slot.Name != "" {
		p, err := buildSTT(reg, slot)
		if err != nil {
			return nil, err
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", slot.Name, "fallbacks", len(slot.Fallbacks))
	}

	if slot := cfg.Providers.Caller; slot.Name != "" {
		p, err := buildLLM(reg, slot, "caller_llm")
		if err != nil {
			return nil, err
		}
		ps.Caller = p
		slog.Info("provider created", "kind", "caller_llm", "name", slot.Name, "fallbacks", len(slot.Fallbacks))
	}

	if slot := cfg.Providers.Judge; slot.Name != "" {
		p, err := buildLLM(reg, slot, "judge_llm")
		if err != nil {
			return nil, err
		}
		ps.Judge = p
		slog.Info("provider created", "kind", "judge_llm", "name", slot.Name, "fallbacks", len(slot.Fallbacks))
	}

	return ps, nil
}

func buildTTS(reg *config.Registry, slot config.ProviderSlot) (tts.Provider, error) {
	primary, err := reg.CreateTTS(slot.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", slot.Name, err)
	}
	if len(slot.Fallbacks) == 0 {
		return primary, nil
	}
	group := resilience.NewTTSFallback(primary, slot.Name, fallbackConfig())
	for _, entry := range slot.Fallbacks {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, p)
	}
	return group, nil
}

func buildSTT(reg *config.Registry, slot config.ProviderSlot) (stt.Provider, error) {
	primary, err := reg.CreateSTT(slot.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", slot.Name, err)
	}
	if len(slot.Fallbacks) == 0 {
		return primary, nil
	}
	group := resilience.NewSTTFallback(primary, slot.Name, fallbackConfig())
	for _, entry := range slot.Fallbacks {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, p)
	}
	return group, nil
}

func buildLLM(reg *config.Registry, slot config.ProviderSlot, kind string) (llm.Provider, error) {
	primary, err := reg.CreateLLM(slot.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("create %s provider %q: %w", kind, slot.Name, err)
	}
	if len(slot.Fallbacks) == 0 {
		return primary, nil
	}
	group := resilience.NewLLMFallback(primary, slot.Name, fallbackConfig())
	for _, entry := range slot.Fallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create %s fallback %q: %w", kind, entry.Name, err)
		}
		group.AddFallback(entry.Name, p)
	}
	return group, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         VoiceCI — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("Caller LLM", cfg.Providers.Caller.Name, cfg.Providers.Caller.Model)
	printProvider("Judge LLM", cfg.Providers.Judge.Name, cfg.Providers.Judge.Model)
	if cfg.Machine.APIURL != "" {
		fmt.Printf("║  Machine runs    : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Machine runs    : %-19s ║\n", "(in-process)")
	}
	if cfg.Storage.Bucket != "" {
		fmt.Printf("║  Bundle bucket   : %-19s ║\n", trim19(cfg.Storage.Bucket))
	} else {
		fmt.Printf("║  Bundle bucket   : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  API tokens      : %-19d ║\n", len(cfg.Security.APITokens))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, trim19(value))
}

func trim19(s string) string {
	if len(s) > 19 {
		return s[:16] + "…"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level.SlogLevel(),
	}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
