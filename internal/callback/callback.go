// Package callback turns machine result posts into finished runs.
//
// Runner machines report executor results to one HTTP endpoint, builder
// machines report dependency-image builds to another, both authenticated by
// a shared-secret header. The same [Sink] is the completion path for
// in-process execution, so a run finishes identically whether it ran on a
// worker goroutine or inside an ephemeral VM.
package callback

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sgzrov/VoiceCI-sub000/pkg/store"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// ResultPusher fans a finished run out to whichever MCP session launched
// it. The RPC session registry satisfies it.
type ResultPusher interface {
	PushRunResult(ctx context.Context, res *types.TestsResult)
}

// Sink persists run results and notifies sessions. It serves the callback
// HTTP surface and doubles as the scheduler's in-process result sink.
type Sink struct {
	store store.Store
	push  ResultPusher
	log   *slog.Logger
}

// NewSink builds a sink over st. A nil push disables session notification.
func NewSink(st store.Store, push ResultPusher, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{store: st, push: push, log: log}
}

// Complete persists a finished run and pushes the result to its session.
// Unknown and already-terminal runs count as success, so machine retries
// and duplicate deliveries leave the database as they found it.
func (s *Sink) Complete(ctx context.Context, res *types.TestsResult) error {
	updated, err := s.store.CompleteRun(ctx, res)
	if err != nil {
		return fmt.Errorf("callback: complete run %s: %w", res.RunID, err)
	}
	if !updated {
		s.log.Info("ignoring duplicate run result", "run_id", res.RunID)
		return nil
	}
	if s.push != nil {
		s.push.PushRunResult(ctx, res)
	}
	s.log.Info("run completed",
		"run_id", res.RunID, "status", res.Status,
		"passed", res.PassedCount, "failed", res.FailedCount)
	return nil
}
