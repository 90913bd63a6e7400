package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sgzrov/VoiceCI-sub000/internal/config"
	llmmock "github.com/sgzrov/VoiceCI-sub000/pkg/provider/llm/mock"
	sttmock "github.com/sgzrov/VoiceCI-sub000/pkg/provider/stt/mock"
	ttsmock "github.com/sgzrov/VoiceCI-sub000/pkg/provider/tts/mock"
	storemock "github.com/sgzrov/VoiceCI-sub000/pkg/store/mock"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":0"},
		Security: config.SecurityConfig{
			APITokens: []config.APIToken{
				{Token: "tok-acme", Tenant: "acme", KeyID: "key-1"},
			},
		},
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	providers := &Providers{
		TTS:    &ttsmock.Provider{},
		STT:    &sttmock.Provider{},
		Caller: &llmmock.Provider{},
	}

	a, err := New(context.Background(), testConfig(), providers,
		WithStore(storemock.New()),
		WithRedis(client),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_WiresSubsystems(t *testing.T) {
	a := newTestApp(t)

	if a.queue == nil {
		t.Error("queue not built")
	}
	if a.rpc == nil {
		t.Error("rpc server not built")
	}
	if a.sink == nil {
		t.Error("callback sink not built")
	}
	if a.worker == nil {
		t.Error("scheduler worker not built")
	}
	if a.machines != nil {
		t.Error("machine driver built without an api_url")
	}
	if a.providers.VAD == nil {
		t.Error("VAD not defaulted to the energy detector")
	}
}

func TestNew_MachineDriverNeedsStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig()
	cfg.Server.PublicURL = "https://api.voiceci.example"
	cfg.Security.CallbackSecret = "s3cret"
	cfg.Machine = config.MachineConfig{
		APIURL:      "https://api.machines.dev/v1/apps/voiceci",
		RunnerImage: "voiceci/runner:latest",
	}

	_, err := New(context.Background(), cfg, &Providers{},
		WithStore(storemock.New()),
		WithRedis(client),
	)
	if err == nil {
		t.Fatal("New() with machine config but no bucket: want error, got nil")
	}
}

func TestHandler_RejectsUnauthenticated(t *testing.T) {
	a := newTestApp(t)
	h := a.Handler()

	req := httptest.NewRequest("GET", "/api/runs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandler_AllowsBearerToken(t *testing.T) {
	a := newTestApp(t)
	h := a.Handler()

	req := httptest.NewRequest("GET", "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer tok-acme")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHandler_CallbackRouteIsGuarded(t *testing.T) {
	a := newTestApp(t)
	h := a.Handler()

	// Empty configured secret rejects everything.
	req := httptest.NewRequest("POST", "/internal/runner-callback", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestOpsHandler_ServesProbesAndMetrics(t *testing.T) {
	a := newTestApp(t)
	h := a.OpsHandler()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest("GET", path, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	a := newTestApp(t)

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown() error = %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}
