package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sgzrov/VoiceCI-sub000/internal/executor"
	"github.com/sgzrov/VoiceCI-sub000/pkg/store"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const (
	defaultPopTimeout = 5 * time.Second
	queueRetryDelay   = time.Second
)

// Notifier streams per-test progress to whichever session owns the run.
// Satisfied by the RPC registry.
type Notifier interface {
	PushTestEvent(ctx context.Context, runID string, ev executor.TestEvent)
}

// ResultSink persists a finished run and pushes the final result to the
// owning session. In-process runs land here directly; machine runs arrive
// through the HTTP runner callback, which shares the same implementation.
type ResultSink interface {
	Complete(ctx context.Context, res *types.TestsResult) error
}

// Launcher runs one bundle job on an ephemeral machine and blocks until the
// machine finishes or the wait budget expires. Implemented by the machine
// package.
type Launcher interface {
	Launch(ctx context.Context, run *types.Run) error
}

// WorkerConfig wires one worker's collaborators. Queue, Store, and Sink are
// required. Notify and Machines are optional: without Notify nothing streams,
// and without Machines the worker fails bundle jobs instead of running them.
type WorkerConfig struct {
	Queue    *Queue
	Store    store.Store
	Exec     executor.Deps
	Sink     ResultSink
	Notify   Notifier
	Machines Launcher

	// PopTimeout bounds each blocking queue read. Zero means the default.
	PopTimeout time.Duration

	Log *slog.Logger
}

// Worker drains tenant queues and executes or dispatches each job. It runs
// one consumer goroutine per attached queue; per-run parallelism is capped by
// the executor's own task pool, so one worker machine never exceeds the
// executor's concurrency budget per run.
type Worker struct {
	queue      *Queue
	store      store.Store
	exec       executor.Deps
	sink       ResultSink
	notify     Notifier
	machines   Launcher
	popTimeout time.Duration
	log        *slog.Logger

	mu       sync.Mutex
	attached map[string]bool
	wg       sync.WaitGroup
}

// NewWorker validates cfg and builds a Worker. Run starts it.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Queue == nil || cfg.Store == nil || cfg.Sink == nil {
		return nil, errors.New("scheduler: worker needs a queue, a store, and a result sink")
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = defaultPopTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Worker{
		queue:      cfg.Queue,
		store:      cfg.Store,
		exec:       cfg.Exec,
		sink:       cfg.Sink,
		notify:     cfg.Notify,
		machines:   cfg.Machines,
		popTimeout: cfg.PopTimeout,
		log:        cfg.Log,
		attached:   make(map[string]bool),
	}, nil
}

// Run consumes queues until ctx is canceled: it attaches to every queue in
// the active set, then to each queue announced on pub/sub, and returns once
// all consumers have finished their in-flight job.
func (w *Worker) Run(ctx context.Context) error {
	sub := w.queue.subscribeNew(ctx)
	defer sub.Close()

	names, err := w.queue.ActiveQueues(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		w.attach(ctx, name)
	}
	w.log.Info("worker started", "queues", len(names))

	announcements := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return nil
		case msg, ok := <-announcements:
			if !ok {
				w.wg.Wait()
				return nil
			}
			w.attach(ctx, msg.Payload)
		}
	}
}

// attach starts a consumer for the named queue unless one is already running.
func (w *Worker) attach(ctx context.Context, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.attached[name] {
		return
	}
	w.attached[name] = true
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.consume(ctx, name)
	}()
	w.log.Info("attached to queue", "queue", name)
}

// consume is one queue's blocking-pop loop. Jobs pop in FIFO order and run
// to completion before the next pop, so a tenant's runs on one worker never
// race each other.
func (w *Worker) consume(ctx context.Context, name string) {
	for {
		payload, err := w.queue.pop(ctx, name, w.popTimeout)
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("queue read failed", "queue", name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(queueRetryDelay):
			}
			continue
		}

		var job Job
		if err := json.Unmarshal(payload, &job); err != nil {
			w.log.Warn("dropping malformed job", "queue", name, "error", err)
			continue
		}
		if err := job.Validate(); err != nil {
			w.log.Warn("dropping invalid job", "queue", name, "error", err)
			continue
		}

		w.process(ctx, job)
		if ctx.Err() != nil {
			return
		}
	}
}

// process routes one job. A job whose run row vanished or already left the
// queued state is a duplicate or a lost race; both are skipped without
// touching the row.
func (w *Worker) process(ctx context.Context, job Job) {
	log := w.log.With("run_id", job.RunID, "tenant", job.Tenant)

	run, err := w.store.GetRun(ctx, job.RunID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("queued run no longer exists")
		return
	}
	if err != nil {
		log.Error("run lookup failed", "error", err)
		return
	}
	if run.Status != types.RunQueued {
		log.Info("skipping run already picked up", "status", run.Status)
		return
	}
	if err := w.store.MarkRunRunning(ctx, run.ID); err != nil {
		log.Error("marking run running failed", "error", err)
		return
	}

	if runsInProcess(job.Adapter) {
		w.runLocal(ctx, run, job, log)
		return
	}
	w.runRemote(ctx, run, log)
}

// runsInProcess reports whether this worker can reach the agent from its own
// process. A configured endpoint or any dial-out transport runs locally;
// only bundle runs, which need the agent booted beside the caller, go to an
// ephemeral machine.
func runsInProcess(cfg types.AdapterConfig) bool {
	if cfg.AgentURL != "" {
		return true
	}
	switch cfg.Kind {
	case types.AdapterSIP, types.AdapterWebRTC, types.AdapterVapi,
		types.AdapterRetell, types.AdapterElevenLabs, types.AdapterBland:
		return true
	}
	return false
}

func (w *Worker) runLocal(ctx context.Context, run *types.Run, job Job, log *slog.Logger) {
	in := executor.Input{RunID: run.ID, Spec: run.Spec, Adapter: job.Adapter}
	if w.notify != nil {
		in.OnTestComplete = func(ev executor.TestEvent) {
			w.notify.PushTestEvent(ctx, run.ID, ev)
		}
	}

	res := executor.Execute(ctx, w.exec, in)
	if err := w.sink.Complete(ctx, &res); err != nil {
		log.Error("persisting run result failed", "error", err)
		_ = w.store.MarkRunFailed(ctx, run.ID, "persist result: "+err.Error())
		return
	}
	log.Info("run finished", "status", res.Status,
		"passed", res.PassedCount, "failed", res.FailedCount)
}

func (w *Worker) runRemote(ctx context.Context, run *types.Run, log *slog.Logger) {
	if w.machines == nil {
		log.Error("bundle run arrived on a worker without a machine driver")
		_ = w.store.MarkRunFailed(ctx, run.ID, "machine execution is not configured")
		return
	}
	if err := w.machines.Launch(ctx, run); err != nil {
		log.Error("machine run failed", "error", err)
		_ = w.store.MarkRunFailed(ctx, run.ID, err.Error())
		return
	}
	// Results and the terminal status arrive through the runner callback.
	log.Info("machine run finished")
}
