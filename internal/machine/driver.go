// Package machine runs bundle jobs on ephemeral VMs provisioned through a
// Machines-style control plane, and keeps the prebaked dependency-image
// cache that makes those VMs boot fast.
//
// Every bundle run gets one runner machine sized to its test count. The
// runner fetches the bundle, boots the agent, executes the suite, and POSTs
// its results to the callback endpoint; the driver only watches the
// machine's lifecycle and destroys it when it overstays its budget. Runs
// whose lockfile hash matches a ready dependency image boot from that image;
// everything else boots from the base runner image while a builder machine
// bakes the layer for next time, at most one builder per lockfile hash
// across the whole fleet.
package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
	"github.com/sgzrov/VoiceCI-sub000/pkg/store"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// Budget defaults, applied where Config leaves zeros.
const (
	defaultWaitTimeout  = 10 * time.Minute
	defaultBuildTimeout = 5 * time.Minute
	defaultPollInterval = 5 * time.Second
	defaultBundleTTL    = 30 * time.Minute
)

// Environment variables the driver sets on provisioned machines.
const (
	// EnvJob holds the JSON-encoded RunnerJob on runner machines.
	EnvJob = "VOICECI_JOB"

	// EnvBuild holds the JSON-encoded BuildJob on builder machines.
	EnvBuild = "VOICECI_BUILD"
)

// RunnerJob is the work order a runner machine reads from EnvJob.
type RunnerJob struct {
	RunID          string         `json:"run_id"`
	Spec           types.TestSpec `json:"test_spec"`
	BundleURL      string         `json:"bundle_url,omitempty"`
	BundleHash     string         `json:"bundle_hash,omitempty"`
	CallbackURL    string         `json:"callback_url"`
	CallbackSecret string         `json:"callback_secret"`
}

// BuildJob is the work order a builder machine reads from EnvBuild. The
// builder fetches the bundle, installs its dependencies onto BaseImage,
// pushes the result as ImageRef, and reports the outcome to CallbackURL.
type BuildJob struct {
	LockfileHash   string `json:"lockfile_hash"`
	BundleURL      string `json:"bundle_url"`
	BaseImage      string `json:"base_image"`
	ImageRef       string `json:"image_ref"`
	CallbackURL    string `json:"callback_url"`
	CallbackSecret string `json:"callback_secret"`
}

// BundleSigner mints short-lived download URLs for stored bundles so
// machines fetch them without bucket credentials. Satisfied by the RPC S3
// presigner.
type BundleSigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Config wires the driver to its control plane and image registry.
type Config struct {
	// APIURL is the app-scoped control-plane root,
	// e.g. https://api.machines.dev/v1/apps/voiceci-runners.
	APIURL string
	Token  string

	// RunnerImage is the base runner image. BuilderImage and ImageRepo
	// enable dependency prebaking; leave them empty to boot every run from
	// the base.
	RunnerImage  string
	BuilderImage string
	ImageRepo    string

	// RunnerCallbackURL and BuilderCallbackURL are the absolute endpoints
	// machines report to, gated by CallbackSecret.
	RunnerCallbackURL  string
	BuilderCallbackURL string
	CallbackSecret     string

	// Zero budgets take the package defaults.
	WaitTimeout  time.Duration
	BuildTimeout time.Duration
	PollInterval time.Duration
	BundleURLTTL time.Duration

	HTTPClient *http.Client
	Log        *slog.Logger
}

func (c Config) validate() error {
	if c.APIURL == "" {
		return errors.New("machine: config needs APIURL")
	}
	if c.RunnerImage == "" {
		return errors.New("machine: config needs RunnerImage")
	}
	if c.RunnerCallbackURL == "" || c.CallbackSecret == "" {
		return errors.New("machine: config needs RunnerCallbackURL and CallbackSecret")
	}
	if c.BuilderImage != "" && (c.ImageRepo == "" || c.BuilderCallbackURL == "") {
		return errors.New("machine: dependency prebaking needs ImageRepo and BuilderCallbackURL")
	}
	return nil
}

// Driver implements the scheduler's machine path.
type Driver struct {
	client *Client
	images *imageCache
	signer BundleSigner
	cfg    Config
	log    *slog.Logger
}

// NewDriver validates cfg and builds a Driver over st and signer.
func NewDriver(cfg Config, st store.Store, signer BundleSigner) (*Driver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if st == nil || signer == nil {
		return nil, errors.New("machine: driver needs a store and a bundle signer")
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = defaultBuildTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BundleURLTTL <= 0 {
		cfg.BundleURLTTL = defaultBundleTTL
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	client := NewClient(cfg.APIURL, cfg.Token, cfg.HTTPClient)
	return &Driver{
		client: client,
		images: newImageCache(cfg, client, st, signer),
		signer: signer,
		cfg:    cfg,
		log:    cfg.Log,
	}, nil
}

// Launch provisions one runner machine for run and blocks until it finishes.
// The run's results travel through the runner callback, never through
// Launch; a machine that overstays the wait budget is destroyed and the
// expiry reported to the caller.
func (d *Driver) Launch(ctx context.Context, run *types.Run) error {
	image, err := d.images.resolve(ctx, run)
	if err != nil {
		return err
	}

	job := RunnerJob{
		RunID:          run.ID,
		Spec:           run.Spec,
		BundleHash:     run.BundleHash,
		CallbackURL:    d.cfg.RunnerCallbackURL,
		CallbackSecret: d.cfg.CallbackSecret,
	}
	if run.BundleKey != "" {
		job.BundleURL, err = d.signer.PresignGet(ctx, run.BundleKey, d.cfg.BundleURLTTL)
		if err != nil {
			return verrors.Wrap(verrors.KindUpstream,
				fmt.Errorf("machine: presign bundle for run %s: %w", run.ID, err))
		}
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("machine: encode runner job: %w", err)
	}

	m, err := d.client.Create(ctx, CreateRequest{
		Name: "voiceci-run-" + run.ID,
		Config: MachineConfig{
			Image:       image,
			Guest:       SizeFor(run.Spec.Total()),
			Env:         map[string]string{EnvJob: string(payload)},
			AutoDestroy: true,
		},
	})
	if err != nil {
		return err
	}
	d.log.Info("runner machine created",
		"run_id", run.ID, "machine_id", m.ID, "image", image, "tests", run.Spec.Total())

	if err := d.client.Wait(ctx, m.ID, StateStopped, d.cfg.WaitTimeout); err != nil {
		d.destroy(ctx, m.ID)
		return err
	}
	return nil
}

// destroy best-effort removes a machine, surviving caller cancellation.
func (d *Driver) destroy(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := d.client.Destroy(ctx, id); err != nil {
		d.log.Warn("machine destroy failed", "machine_id", id, "error", err)
	}
}

// SizeFor picks the VM shape for a run: small suites share a core, larger
// ones get dedicated performance cores.
func SizeFor(tests int) Guest {
	switch {
	case tests <= 6:
		return Guest{CPUKind: "shared", CPUs: 1, MemoryMB: 1024}
	case tests <= 12:
		return Guest{CPUKind: "performance", CPUs: 2, MemoryMB: 2048}
	default:
		return Guest{CPUKind: "performance", CPUs: 4, MemoryMB: 4096}
	}
}
