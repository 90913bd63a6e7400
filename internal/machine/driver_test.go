package machine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
	storemock "github.com/sgzrov/VoiceCI-sub000/pkg/store/mock"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

type fakeSigner struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (s *fakeSigner) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.keys = append(s.keys, key)
	return "https://bucket.test/" + key + "?sig=abc", nil
}

func testConfig(cp *controlPlane) Config {
	return Config{
		APIURL:             cp.srv.URL,
		Token:              "cp-token",
		RunnerImage:        "registry.test/voiceci-runner:v3",
		BuilderImage:       "registry.test/voiceci-builder:v3",
		ImageRepo:          "registry.test/voiceci-deps",
		RunnerCallbackURL:  "https://api.voiceci.test/internal/runner-callback",
		BuilderCallbackURL: "https://api.voiceci.test/internal/builder-callback",
		CallbackSecret:     "cb-secret",
		PollInterval:       2 * time.Millisecond,
		Log:                testLogger(),
	}
}

func newTestDriver(t *testing.T, cp *controlPlane, st *storemock.Store, signer BundleSigner, mutate func(*Config)) *Driver {
	t.Helper()
	cfg := testConfig(cp)
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := NewDriver(cfg, st, signer)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	return d
}

func bundleRun(id string, conversations int) *types.Run {
	run := &types.Run{
		ID:         id,
		Tenant:     "t1",
		KeyID:      "k1",
		Source:     types.SourceBundle,
		BundleKey:  "bundles/t1/" + id + ".tar.gz",
		BundleHash: "beef",
		Status:     types.RunRunning,
	}
	for range conversations {
		run.Spec.ConversationTests = append(run.Spec.ConversationTests,
			types.ConversationScenario{CallerPrompt: "Ask about opening hours.", MaxTurns: 3})
	}
	return run
}

func TestDriverLaunchProvisionsRunnerMachine(t *testing.T) {
	cp := newControlPlane(t)
	signer := &fakeSigner{}
	d := newTestDriver(t, cp, storemock.New(), signer, nil)
	run := bundleRun("run-1", 1) // no lockfile hash: boots the base image

	if err := d.Launch(context.Background(), run); err != nil {
		t.Fatalf("launch: %v", err)
	}

	reqs := cp.createdReqs()
	if len(reqs) != 1 {
		t.Fatalf("created %d machines, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Name != "voiceci-run-run-1" {
		t.Errorf("machine name = %q", req.Name)
	}
	if req.Config.Image != "registry.test/voiceci-runner:v3" {
		t.Errorf("image = %q, want the base runner image", req.Config.Image)
	}
	if want := (Guest{CPUKind: "shared", CPUs: 1, MemoryMB: 1024}); req.Config.Guest != want {
		t.Errorf("guest = %+v, want %+v", req.Config.Guest, want)
	}
	if !req.Config.AutoDestroy {
		t.Error("runner machine not marked auto-destroy")
	}

	var job RunnerJob
	if err := json.Unmarshal([]byte(req.Config.Env[EnvJob]), &job); err != nil {
		t.Fatalf("decode %s: %v", EnvJob, err)
	}
	if job.RunID != "run-1" || job.BundleHash != "beef" {
		t.Errorf("runner job = %+v", job)
	}
	if !strings.HasPrefix(job.BundleURL, "https://bucket.test/bundles/t1/run-1.tar.gz") {
		t.Errorf("bundle url = %q, want a presigned download", job.BundleURL)
	}
	if job.CallbackURL != "https://api.voiceci.test/internal/runner-callback" || job.CallbackSecret != "cb-secret" {
		t.Errorf("callback contract = %q / %q", job.CallbackURL, job.CallbackSecret)
	}
	if job.Spec.Total() != 1 {
		t.Errorf("runner job carries %d tests, want 1", job.Spec.Total())
	}

	if got := cp.auth(); got != "Bearer cp-token" {
		t.Errorf("authorization = %q", got)
	}
	if got := cp.destroyedIDs(); len(got) != 0 {
		t.Errorf("healthy run destroyed machines: %v", got)
	}
}

func TestDriverLaunchDestroysOverdueMachine(t *testing.T) {
	cp := newControlPlane(t)
	cp.waitStatus = func(string) int { return http.StatusRequestTimeout }
	d := newTestDriver(t, cp, storemock.New(), &fakeSigner{}, func(cfg *Config) {
		cfg.WaitTimeout = 150 * time.Millisecond
	})

	err := d.Launch(context.Background(), bundleRun("run-2", 1))
	if err == nil {
		t.Fatal("launch returned before the machine finished")
	}
	if kind := verrors.KindOf(err); kind != verrors.KindTimeout {
		t.Errorf("error kind = %s, want timeout", kind)
	}
	if got := cp.destroyedIDs(); len(got) != 1 || got[0] != "m-1" {
		t.Errorf("destroyed = %v, want [m-1]", got)
	}
}

func TestDriverLaunchSurfacesCreateFailure(t *testing.T) {
	cp := newControlPlane(t)
	cp.createStatus = http.StatusInternalServerError
	d := newTestDriver(t, cp, storemock.New(), &fakeSigner{}, nil)

	err := d.Launch(context.Background(), bundleRun("run-3", 1))
	if err == nil {
		t.Fatal("launch succeeded against a failing control plane")
	}
	if kind := verrors.KindOf(err); kind != verrors.KindUpstream {
		t.Errorf("error kind = %s, want upstream", kind)
	}
	if !strings.Contains(err.Error(), "status 500") {
		t.Errorf("error = %q", err)
	}
}

func TestDriverLaunchFailsWhenBundleCannotBeSigned(t *testing.T) {
	cp := newControlPlane(t)
	d := newTestDriver(t, cp, storemock.New(), &fakeSigner{err: errors.New("bucket offline")}, nil)

	err := d.Launch(context.Background(), bundleRun("run-4", 1))
	if err == nil {
		t.Fatal("launch succeeded without a fetchable bundle")
	}
	if kind := verrors.KindOf(err); kind != verrors.KindUpstream {
		t.Errorf("error kind = %s, want upstream", kind)
	}
	if got := cp.createdReqs(); len(got) != 0 {
		t.Errorf("created %d machines without a bundle url", len(got))
	}
}

func TestDriverLaunchBootsReadyDependencyImage(t *testing.T) {
	cp := newControlPlane(t)
	st := storemock.New()
	cfg := testConfig(cp)
	depsRef := "registry.test/voiceci-deps:deps-cafef00dbeef"
	inserted, err := st.InsertDependencyImage(context.Background(), types.DependencyImage{
		LockfileHash: "cafef00dbeefcafe",
		ImageRef:     depsRef,
		BaseImageRef: cfg.RunnerImage,
		Status:       types.ImageReady,
	})
	if err != nil || !inserted {
		t.Fatalf("seed image: inserted=%v err=%v", inserted, err)
	}

	d := newTestDriver(t, cp, st, &fakeSigner{}, nil)
	run := bundleRun("run-5", 1)
	run.LockfileHash = "cafef00dbeefcafe"

	if err := d.Launch(context.Background(), run); err != nil {
		t.Fatalf("launch: %v", err)
	}

	reqs := cp.createdReqs()
	if len(reqs) != 1 {
		t.Fatalf("created %d machines, want only the runner", len(reqs))
	}
	if reqs[0].Config.Image != depsRef {
		t.Errorf("image = %q, want the prebaked %q", reqs[0].Config.Image, depsRef)
	}
}

func TestSizeForMatchesTestCount(t *testing.T) {
	cases := []struct {
		tests int
		want  Guest
	}{
		{0, Guest{CPUKind: "shared", CPUs: 1, MemoryMB: 1024}},
		{1, Guest{CPUKind: "shared", CPUs: 1, MemoryMB: 1024}},
		{6, Guest{CPUKind: "shared", CPUs: 1, MemoryMB: 1024}},
		{7, Guest{CPUKind: "performance", CPUs: 2, MemoryMB: 2048}},
		{12, Guest{CPUKind: "performance", CPUs: 2, MemoryMB: 2048}},
		{13, Guest{CPUKind: "performance", CPUs: 4, MemoryMB: 4096}},
		{40, Guest{CPUKind: "performance", CPUs: 4, MemoryMB: 4096}},
	}
	for _, tc := range cases {
		if got := SizeFor(tc.tests); got != tc.want {
			t.Errorf("SizeFor(%d) = %+v, want %+v", tc.tests, got, tc.want)
		}
	}
}

func TestNewDriverValidatesConfig(t *testing.T) {
	cp := newControlPlane(t)
	st := storemock.New()
	signer := &fakeSigner{}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing api url", func(cfg *Config) { cfg.APIURL = "" }},
		{"missing runner image", func(cfg *Config) { cfg.RunnerImage = "" }},
		{"missing callback secret", func(cfg *Config) { cfg.CallbackSecret = "" }},
		{"builder without image repo", func(cfg *Config) { cfg.ImageRepo = "" }},
	}
	for _, tc := range cases {
		cfg := testConfig(cp)
		tc.mutate(&cfg)
		if _, err := NewDriver(cfg, st, signer); err == nil {
			t.Errorf("%s: NewDriver accepted the config", tc.name)
		}
	}

	if _, err := NewDriver(testConfig(cp), st, nil); err == nil {
		t.Error("NewDriver accepted a nil bundle signer")
	}
}
