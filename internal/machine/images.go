package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
	"github.com/sgzrov/VoiceCI-sub000/pkg/store"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// builderGuest is the fixed shape for builder machines. Dependency installs
// are CPU-bound and short-lived.
var builderGuest = Guest{CPUKind: "performance", CPUs: 2, MemoryMB: 2048}

// imageCache resolves the boot image for bundle runs and drives dependency
// prebaking. The dependency_images row is the fleet-wide coordination point:
// its conditional insert elects the single builder per lockfile hash, and
// its status column is what every other worker polls.
type imageCache struct {
	store  store.Store
	client *Client
	signer BundleSigner
	cfg    Config
	log    *slog.Logger
}

func newImageCache(cfg Config, client *Client, st store.Store, signer BundleSigner) *imageCache {
	return &imageCache{store: st, client: client, signer: signer, cfg: cfg, log: cfg.Log}
}

// resolve returns the image a run should boot. Build trouble degrades to the
// base runner image; only store failures abort the run.
func (c *imageCache) resolve(ctx context.Context, run *types.Run) (string, error) {
	if run.LockfileHash == "" || run.BundleKey == "" {
		return c.cfg.RunnerImage, nil
	}

	img, err := c.store.GetDependencyImage(ctx, run.LockfileHash)
	if errors.Is(err, store.ErrNotFound) {
		return c.build(ctx, run)
	}
	if err != nil {
		return "", fmt.Errorf("machine: image lookup for %s: %w", run.LockfileHash, err)
	}

	switch img.Status {
	case types.ImageReady:
		if img.BaseImageRef == c.cfg.RunnerImage {
			return img.ImageRef, nil
		}
		// The base image moved on; the prebaked layer is stale.
		if err := c.store.DeleteDependencyImage(ctx, run.LockfileHash); err != nil {
			return "", fmt.Errorf("machine: drop stale image for %s: %w", run.LockfileHash, err)
		}
		return c.build(ctx, run)
	case types.ImageBuilding:
		return c.awaitBuild(ctx, run.LockfileHash, "")
	default:
		return c.cfg.RunnerImage, nil
	}
}

// build claims the builder election for the run's lockfile hash. The loser
// of the insert race polls the winner's progress instead of building.
func (c *imageCache) build(ctx context.Context, run *types.Run) (string, error) {
	if c.cfg.BuilderImage == "" {
		return c.cfg.RunnerImage, nil
	}

	ref := c.imageRef(run.LockfileHash)
	inserted, err := c.store.InsertDependencyImage(ctx, types.DependencyImage{
		LockfileHash: run.LockfileHash,
		ImageRef:     ref,
		BaseImageRef: c.cfg.RunnerImage,
		Status:       types.ImageBuilding,
	})
	if err != nil {
		return "", fmt.Errorf("machine: claim build for %s: %w", run.LockfileHash, err)
	}
	if !inserted {
		return c.awaitBuild(ctx, run.LockfileHash, "")
	}

	builderID, err := c.spawnBuilder(ctx, run, ref)
	if err != nil {
		c.failBuild(ctx, run.LockfileHash, err.Error())
		c.log.Warn("builder spawn failed, running on base image",
			"lockfile_hash", run.LockfileHash, "error", err)
		return c.cfg.RunnerImage, nil
	}
	return c.awaitBuild(ctx, run.LockfileHash, builderID)
}

// spawnBuilder provisions the builder machine and stamps its id on the row.
func (c *imageCache) spawnBuilder(ctx context.Context, run *types.Run, ref string) (string, error) {
	bundleURL, err := c.signer.PresignGet(ctx, run.BundleKey, c.cfg.BundleURLTTL)
	if err != nil {
		return "", fmt.Errorf("presign bundle: %w", err)
	}
	payload, err := json.Marshal(BuildJob{
		LockfileHash:   run.LockfileHash,
		BundleURL:      bundleURL,
		BaseImage:      c.cfg.RunnerImage,
		ImageRef:       ref,
		CallbackURL:    c.cfg.BuilderCallbackURL,
		CallbackSecret: c.cfg.CallbackSecret,
	})
	if err != nil {
		return "", fmt.Errorf("encode build job: %w", err)
	}

	m, err := c.client.Create(ctx, CreateRequest{
		Name: "voiceci-deps-" + shortHash(run.LockfileHash),
		Config: MachineConfig{
			Image:       c.cfg.BuilderImage,
			Guest:       builderGuest,
			Env:         map[string]string{EnvBuild: string(payload)},
			AutoDestroy: true,
		},
	})
	if err != nil {
		return "", err
	}
	if err := c.store.BindDependencyImageBuilder(ctx, run.LockfileHash, m.ID); err != nil {
		c.log.Warn("builder machine not recorded on image row",
			"lockfile_hash", run.LockfileHash, "error", err)
	}
	c.log.Info("builder machine created",
		"lockfile_hash", run.LockfileHash, "machine_id", m.ID, "image_ref", ref)
	return m.ID, nil
}

// awaitBuild polls the cache row while a build runs. With builderID set the
// caller owns the build: outlasting the budget marks the row failed and
// destroys the builder. Either way the run proceeds on the base image when
// no prebaked image materialises in time.
func (c *imageCache) awaitBuild(ctx context.Context, hash, builderID string) (string, error) {
	deadline := time.Now().Add(c.cfg.BuildTimeout)
	for {
		select {
		case <-ctx.Done():
			return "", verrors.Wrap(verrors.KindTimeout,
				fmt.Errorf("machine: await image for %s: %w", hash, ctx.Err()))
		case <-time.After(c.cfg.PollInterval):
		}

		img, err := c.store.GetDependencyImage(ctx, hash)
		if errors.Is(err, store.ErrNotFound) {
			return c.cfg.RunnerImage, nil
		}
		if err != nil {
			return "", fmt.Errorf("machine: poll image for %s: %w", hash, err)
		}
		switch img.Status {
		case types.ImageReady:
			return img.ImageRef, nil
		case types.ImageFailed:
			return c.cfg.RunnerImage, nil
		}

		if time.Now().After(deadline) {
			if builderID != "" {
				c.failBuild(ctx, hash, "builder timed out")
				c.destroyBuilder(ctx, builderID)
			} else {
				c.log.Warn("image build exceeded the budget, running on base image",
					"lockfile_hash", hash)
			}
			return c.cfg.RunnerImage, nil
		}
	}
}

// failBuild marks the row failed so pollers stop waiting on it.
func (c *imageCache) failBuild(ctx context.Context, hash, reason string) {
	if err := c.store.UpdateDependencyImage(ctx, hash, types.ImageFailed, "", reason); err != nil {
		c.log.Warn("image build failure not recorded", "lockfile_hash", hash, "error", err)
	}
}

// destroyBuilder best-effort removes a builder, surviving caller
// cancellation.
func (c *imageCache) destroyBuilder(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := c.client.Destroy(ctx, id); err != nil {
		c.log.Warn("builder destroy failed", "machine_id", id, "error", err)
	}
}

// imageRef names a prebaked image after its lockfile hash.
func (c *imageCache) imageRef(hash string) string {
	return c.cfg.ImageRepo + ":deps-" + shortHash(hash)
}

// shortHash trims a lockfile hash to a tag-friendly prefix.
func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
