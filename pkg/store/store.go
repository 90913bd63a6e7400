// Package store defines the persistence interface for runs, per-test results,
// and the dependency-image cache.
//
// The interface is public so that external packages can supply alternative
// backends (PostgreSQL, in-memory, …) without depending on VoiceCI internals.
// The production implementation lives in [store/postgres]; tests use
// [store/mock].
//
// Every implementation must be safe for concurrent use. Runs move through the
// statuses queued → running → {pass, fail} and implementations must refuse to
// move a terminal run: the mark/finish operations are conditional updates, so
// a duplicate callback leaves the database byte-identical.
package store

import (
	"context"
	"errors"

	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// ErrNotFound is returned when a run or dependency image does not exist.
// Implementations wrap their backend's no-rows sentinel into this one.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence surface the RPC layer, scheduler, and callback
// sink share.
type Store interface {
	RunStore
	ImageStore

	// Ping verifies the backing connection is alive. Used by readiness checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close()
}

// RunStore persists runs and their per-test results.
type RunStore interface {
	// CreateRun inserts run and returns the canonical row. If run carries an
	// idempotency key that collides with an earlier run of the same tenant,
	// no row is inserted and the earlier run is returned with created=false.
	CreateRun(ctx context.Context, run *types.Run) (canonical *types.Run, created bool, err error)

	// GetRun returns the run row without its per-test results.
	// Returns ErrNotFound if no such run exists.
	GetRun(ctx context.Context, id string) (*types.Run, error)

	// ListRuns returns the tenant's most recent runs, newest first.
	// limit ≤ 0 applies the implementation default.
	ListRuns(ctx context.Context, tenant string, limit int) ([]types.Run, error)

	// MarkRunRunning moves a queued run to running and stamps started_at.
	// A run that is not queued is left untouched.
	MarkRunRunning(ctx context.Context, id string) error

	// MarkRunFailed moves a non-terminal run to fail with errorText and
	// stamps finished_at. Terminal runs are left untouched.
	MarkRunFailed(ctx context.Context, id string, errorText string) error

	// CompleteRun atomically persists the executor's per-test sub-results
	// and applies the aggregate to the run row: status, aggregate summary,
	// error text, finished_at, duration. If the run is already terminal the
	// whole operation is a no-op and CompleteRun returns false, so duplicate
	// callbacks leave the database unchanged.
	CompleteRun(ctx context.Context, res *types.TestsResult) (bool, error)

	// GetResults returns all persisted sub-results for a run in insertion
	// order. A run with no results yet returns empty slices, not an error.
	GetResults(ctx context.Context, runID string) ([]types.AudioTestResult, []types.ConversationTestResult, error)
}

// ImageStore is the dependency-image cache keyed by lockfile hash. The
// conditional insert is the cross-fleet lock that guarantees at most one
// builder machine per lockfile hash.
type ImageStore interface {
	// InsertDependencyImage inserts img only if no row with its lockfile hash
	// exists. Returns true if this call inserted the row; false if another
	// writer got there first.
	InsertDependencyImage(ctx context.Context, img types.DependencyImage) (bool, error)

	// GetDependencyImage returns the cached image row for a lockfile hash.
	// Returns ErrNotFound if no such row exists.
	GetDependencyImage(ctx context.Context, lockfileHash string) (*types.DependencyImage, error)

	// UpdateDependencyImage sets the status, image ref, and error text of an
	// existing row.
	UpdateDependencyImage(ctx context.Context, lockfileHash string, status types.DependencyImageStatus, imageRef, errorText string) error

	// BindDependencyImageBuilder stamps the builder machine id on an existing
	// row so the machine owning a build can be found later. Binding a missing
	// row is not an error.
	BindDependencyImageBuilder(ctx context.Context, lockfileHash, machineID string) error

	// DeleteDependencyImage removes the row (used when the base image
	// changed and the cache entry is stale). Deleting a missing row is not
	// an error.
	DeleteDependencyImage(ctx context.Context, lockfileHash string) error
}
