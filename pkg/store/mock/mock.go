// Package mock provides an in-memory [store.Store] for tests.
//
// Store behaves like the PostgreSQL implementation — idempotent creates,
// conditional status transitions, the image-cache insert lock — so tests of
// the RPC layer, scheduler, and callback sink exercise real store semantics
// without a database. Err fields inject failures per method.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/pkg/store"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

var _ store.Store = (*Store)(nil)

const defaultListLimit = 50

// Store is an in-memory store.Store. The zero value is not usable; call New.
type Store struct {
	mu     sync.Mutex
	runs   map[string]*types.Run
	order  []string // run ids in insertion order
	audio  map[string][]types.AudioTestResult
	convo  map[string][]types.ConversationTestResult
	images map[string]types.DependencyImage

	// --- Error injection ---

	CreateRunErr   error
	GetRunErr      error
	ListRunsErr    error
	MarkErr        error
	CompleteRunErr error
	GetResultsErr  error
	ImageErr       error
	PingErr        error

	// CompleteRunCalls counts CompleteRun invocations, including no-ops.
	CompleteRunCalls int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		runs:   make(map[string]*types.Run),
		audio:  make(map[string][]types.AudioTestResult),
		convo:  make(map[string][]types.ConversationTestResult),
		images: make(map[string]types.DependencyImage),
	}
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error { return s.PingErr }

// Close implements store.Store.
func (s *Store) Close() {}

// CreateRun implements store.RunStore.
func (s *Store) CreateRun(ctx context.Context, run *types.Run) (*types.Run, bool, error) {
	if s.CreateRunErr != nil {
		return nil, false, s.CreateRunErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.IdempotencyKey != "" {
		for _, id := range s.order {
			existing := s.runs[id]
			if existing.Tenant == run.Tenant && existing.IdempotencyKey == run.IdempotencyKey {
				cp := *existing
				return &cp, false, nil
			}
		}
	}

	cp := *run
	cp.Status = types.RunQueued
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.runs[cp.ID] = &cp
	s.order = append(s.order, cp.ID)
	out := cp
	return &out, true, nil
}

// GetRun implements store.RunStore.
func (s *Store) GetRun(ctx context.Context, id string) (*types.Run, error) {
	if s.GetRunErr != nil {
		return nil, s.GetRunErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// ListRuns implements store.RunStore.
func (s *Store) ListRuns(ctx context.Context, tenant string, limit int) ([]types.Run, error) {
	if s.ListRunsErr != nil {
		return nil, s.ListRunsErr
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []types.Run
	for _, id := range s.order {
		if run := s.runs[id]; run.Tenant == tenant {
			runs = append(runs, *run)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// MarkRunRunning implements store.RunStore.
func (s *Store) MarkRunRunning(ctx context.Context, id string) error {
	if s.MarkErr != nil {
		return s.MarkErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status != types.RunQueued {
		return nil
	}
	now := time.Now()
	run.Status = types.RunRunning
	run.StartedAt = &now
	return nil
}

// MarkRunFailed implements store.RunStore.
func (s *Store) MarkRunFailed(ctx context.Context, id, errorText string) error {
	if s.MarkErr != nil {
		return s.MarkErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status.Terminal() {
		return nil
	}
	now := time.Now()
	run.Status = types.RunFail
	run.ErrorText = errorText
	run.FinishedAt = &now
	return nil
}

// CompleteRun implements store.RunStore.
func (s *Store) CompleteRun(ctx context.Context, res *types.TestsResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CompleteRunCalls++
	if s.CompleteRunErr != nil {
		return false, s.CompleteRunErr
	}
	run, ok := s.runs[res.RunID]
	if !ok || run.Status.Terminal() {
		return false, nil
	}

	now := time.Now()
	if res.Status == types.TestPass {
		run.Status = types.RunPass
	} else {
		run.Status = types.RunFail
	}
	run.Aggregate = fmt.Sprintf("%d/%d passed", res.PassedCount, res.PassedCount+res.FailedCount)
	run.ErrorText = res.ErrorText
	run.FinishedAt = &now
	run.DurationMs = res.DurationMs

	s.audio[res.RunID] = append(s.audio[res.RunID], res.AudioResults...)
	s.convo[res.RunID] = append(s.convo[res.RunID], res.ConversationResults...)
	return true, nil
}

// GetResults implements store.RunStore.
func (s *Store) GetResults(ctx context.Context, runID string) ([]types.AudioTestResult, []types.ConversationTestResult, error) {
	if s.GetResultsErr != nil {
		return nil, nil, s.GetResultsErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	audio := append([]types.AudioTestResult(nil), s.audio[runID]...)
	convo := append([]types.ConversationTestResult(nil), s.convo[runID]...)
	return audio, convo, nil
}

// InsertDependencyImage implements store.ImageStore.
func (s *Store) InsertDependencyImage(ctx context.Context, img types.DependencyImage) (bool, error) {
	if s.ImageErr != nil {
		return false, s.ImageErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.images[img.LockfileHash]; exists {
		return false, nil
	}
	s.images[img.LockfileHash] = img
	return true, nil
}

// GetDependencyImage implements store.ImageStore.
func (s *Store) GetDependencyImage(ctx context.Context, lockfileHash string) (*types.DependencyImage, error) {
	if s.ImageErr != nil {
		return nil, s.ImageErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[lockfileHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := img
	return &cp, nil
}

// UpdateDependencyImage implements store.ImageStore.
func (s *Store) UpdateDependencyImage(ctx context.Context, lockfileHash string, status types.DependencyImageStatus, imageRef, errorText string) error {
	if s.ImageErr != nil {
		return s.ImageErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[lockfileHash]
	if !ok {
		return nil
	}
	img.Status = status
	img.ImageRef = imageRef
	img.ErrorText = errorText
	s.images[lockfileHash] = img
	return nil
}

// BindDependencyImageBuilder implements store.ImageStore.
func (s *Store) BindDependencyImageBuilder(ctx context.Context, lockfileHash, machineID string) error {
	if s.ImageErr != nil {
		return s.ImageErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[lockfileHash]
	if !ok {
		return nil
	}
	img.BuilderMachineID = machineID
	s.images[lockfileHash] = img
	return nil
}

// DeleteDependencyImage implements store.ImageStore.
func (s *Store) DeleteDependencyImage(ctx context.Context, lockfileHash string) error {
	if s.ImageErr != nil {
		return s.ImageErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.images, lockfileHash)
	return nil
}
