// Package app wires all VoiceCI subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves traffic and drains queues until its context ends,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore, WithRedis,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/sgzrov/VoiceCI-sub000/internal/callback"
	"github.com/sgzrov/VoiceCI-sub000/internal/config"
	"github.com/sgzrov/VoiceCI-sub000/internal/conversation"
	"github.com/sgzrov/VoiceCI-sub000/internal/conversation/judge"
	"github.com/sgzrov/VoiceCI-sub000/internal/executor"
	"github.com/sgzrov/VoiceCI-sub000/internal/health"
	"github.com/sgzrov/VoiceCI-sub000/internal/loadtest"
	"github.com/sgzrov/VoiceCI-sub000/internal/machine"
	"github.com/sgzrov/VoiceCI-sub000/internal/observe"
	"github.com/sgzrov/VoiceCI-sub000/internal/rpc"
	"github.com/sgzrov/VoiceCI-sub000/internal/scheduler"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/llm"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/stt"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/tts"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/vad"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/vad/energy"
	"github.com/sgzrov/VoiceCI-sub000/pkg/store"
	"github.com/sgzrov/VoiceCI-sub000/pkg/store/postgres"
)

// shutdownGrace bounds HTTP server drain during Run teardown.
const shutdownGrace = 10 * time.Second

// Providers holds one interface value per provider slot. Caller, TTS, and
// STT are required; Judge may be nil (scenario evals are then skipped) and a
// nil VAD defaults to the energy detector. Populated by main via the config
// registry, usually wrapped in resilience fallback groups.
type Providers struct {
	TTS    tts.Provider
	STT    stt.Provider
	Caller llm.Provider
	Judge  llm.Provider
	VAD    vad.Engine
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	store    store.Store
	redis    *redis.Client
	queue    *scheduler.Queue
	uploads  *rpc.S3Presigner
	dialer   *Dialer
	load     *loadtest.Runner
	rpc      *rpc.Server
	sink     *callback.Sink
	worker   *scheduler.Worker
	machines *machine.Driver

	metrics *observe.Metrics

	// closers run in reverse-init order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a run store instead of connecting to PostgreSQL.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRedis injects a Redis client instead of dialing config's address.
func WithRedis(c *redis.Client) Option {
	return func(a *App) { a.redis = c }
}

// WithPresigner injects a bundle presigner instead of building an S3 client.
func WithPresigner(p *rpc.S3Presigner) Option {
	return func(a *App) { a.uploads = p }
}

// WithMetrics injects a metrics instance instead of using the global meter
// provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main (populated via the config registry).
//
// New performs all initialisation synchronously: database and Redis
// connections, the S3 presigner, the executor dependency set, the machine
// driver when configured, the RPC surface, and the scheduler worker.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.providers.VAD == nil {
		a.providers.VAD = energy.New()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initRedis(ctx); err != nil {
		return nil, fmt.Errorf("app: init redis: %w", err)
	}
	if err := a.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	a.dialer = NewDialer(cfg.Platforms)

	execDeps := a.executorDeps()
	a.load = loadtest.NewRunner(loadtest.Deps{
		Dial:   a.dialer.Dial,
		TTS:    a.providers.TTS,
		STT:    a.providers.STT,
		VAD:    a.providers.VAD,
		Caller: a.providers.Caller,
		Log:    a.log,
	})
	a.closers = append(a.closers, func() error {
		a.load.Close()
		return nil
	})

	if err := a.initMachines(); err != nil {
		return nil, fmt.Errorf("app: init machines: %w", err)
	}
	if err := a.initRPC(); err != nil {
		return nil, fmt.Errorf("app: init rpc: %w", err)
	}

	a.sink = callback.NewSink(a.store, a.rpc.Registry(), a.log)

	worker, err := scheduler.NewWorker(scheduler.WorkerConfig{
		Queue:    a.queue,
		Store:    a.store,
		Exec:     execDeps,
		Sink:     a.sink,
		Notify:   a.rpc.Registry(),
		Machines: launcherOrNil(a.machines),
		Log:      a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init worker: %w", err)
	}
	a.worker = worker

	return a, nil
}

// initStore connects the PostgreSQL run store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	st, err := postgres.New(ctx, a.cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})
	return nil
}

// initRedis dials Redis, verifies the connection, and builds the queue.
func (a *App) initRedis(ctx context.Context) error {
	if a.redis == nil {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping %s: %w", a.cfg.Redis.Addr, err)
		}
		a.redis = client
		a.closers = append(a.closers, client.Close)
	}
	a.queue = scheduler.NewQueue(a.redis, a.log)
	return nil
}

// initStorage builds the S3 presigner for bundle uploads. An empty bucket
// leaves uploads disabled; prepare_upload then reports config_missing.
func (a *App) initStorage(ctx context.Context) error {
	if a.uploads != nil {
		return nil
	}
	sc := a.cfg.Storage
	if sc.Bucket == "" {
		a.log.Warn("no storage bucket configured, bundle uploads disabled")
		return nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if sc.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(sc.Region))
	}
	if sc.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sc.AccessKeyID, sc.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if sc.Endpoint != "" {
			// MinIO and friends want path-style addressing.
			o.BaseEndpoint = aws.String(sc.Endpoint)
			o.UsePathStyle = true
		}
	})
	a.uploads = rpc.NewS3Presigner(client, sc.Bucket)
	return nil
}

// initMachines builds the ephemeral-machine driver when a control plane is
// configured. Without one, every run executes in-process.
func (a *App) initMachines() error {
	mc := a.cfg.Machine
	if mc.APIURL == "" {
		return nil
	}
	if a.uploads == nil {
		return fmt.Errorf("machine runs need a storage bucket for bundle URLs")
	}

	base := a.cfg.Server.PublicURL
	driver, err := machine.NewDriver(machine.Config{
		APIURL:             mc.APIURL,
		Token:              mc.Token,
		RunnerImage:        mc.RunnerImage,
		BuilderImage:       mc.BuilderImage,
		ImageRepo:          mc.ImageRepo,
		RunnerCallbackURL:  base + callback.RunnerPath,
		BuilderCallbackURL: base + callback.BuilderPath,
		CallbackSecret:     a.cfg.Security.CallbackSecret,
		WaitTimeout:        mc.WaitTimeout.Std(),
		Log:                a.log,
	}, a.store, a.uploads)
	if err != nil {
		return err
	}
	a.machines = driver
	return nil
}

// initRPC builds the MCP/REST surface over the other subsystems.
func (a *App) initRPC() error {
	tokens := make(map[string]rpc.Identity, len(a.cfg.Security.APITokens))
	for _, t := range a.cfg.Security.APITokens {
		tokens[t.Token] = rpc.Identity{Tenant: t.Tenant, KeyID: t.KeyID}
	}

	var uploads rpc.Presigner
	if a.uploads != nil {
		uploads = a.uploads
	}

	srv, err := rpc.New(rpc.ServerConfig{
		Store:    a.store,
		Queue:    a.queue,
		Resolver: rpc.StaticTokens(tokens),
		Uploads:  uploads,
		Load:     a.load,
		Creds:    a.dialer.CheckCredentials,
		Log:      a.log,
	})
	if err != nil {
		return err
	}
	a.rpc = srv
	return nil
}

// executorDeps assembles the per-run execution dependency set.
func (a *App) executorDeps() executor.Deps {
	var eval conversation.Evaluator
	if a.providers.Judge != nil {
		eval = judge.New(a.providers.Judge)
	}
	return executor.Deps{
		Dial:          a.dialer.Dial,
		TTS:           a.providers.TTS,
		STT:           a.providers.STT,
		VAD:           a.providers.VAD,
		Caller:        a.providers.Caller,
		Judge:         eval,
		Log:           a.log,
		Concurrency:   a.cfg.Executor.Concurrency,
		TurnTimeoutMs: a.cfg.Executor.TurnTimeoutMs,
	}
}

// launcherOrNil avoids handing the worker a typed-nil interface value.
func launcherOrNil(d *machine.Driver) scheduler.Launcher {
	if d == nil {
		return nil
	}
	return d
}

// Handler returns the public HTTP surface: the MCP endpoint and dashboard
// reads from the RPC server, plus the machine callback routes, all wrapped
// in the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", a.rpc.Handler())
	mux.Handle("/internal/", a.sink.Handler(a.cfg.Security.CallbackSecret))
	return observe.Middleware(a.metrics)(mux)
}

// OpsHandler returns the operational surface: Prometheus metrics and the
// health probes, served on the separate ops listener.
func (a *App) OpsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	h := health.New(
		health.ForPinger("postgres", a.store),
		health.ForFunc("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}),
	)
	h.Register(mux)
	return mux
}

// Run serves the public and ops listeners and drains the scheduler queues
// until ctx is cancelled, then shuts the servers down gracefully. The
// returned error is the first listener failure, or nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	api := &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: a.Handler(),
	}

	var ops *http.Server
	if a.cfg.Observability.OpsAddr != "" {
		ops = &http.Server{
			Addr:    a.cfg.Observability.OpsAddr,
			Handler: a.OpsHandler(),
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.worker.Run(gctx)
	})

	g.Go(func() error {
		a.log.Info("serving", "addr", api.Addr)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = api.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = api.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: api server: %w", err)
		}
		return nil
	})

	if ops != nil {
		g.Go(func() error {
			a.log.Info("serving ops", "addr", ops.Addr)
			if err := ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("app: ops server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		drain, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := api.Shutdown(drain); err != nil {
			a.log.Warn("api server drain", "err", err)
		}
		if ops != nil {
			if err := ops.Shutdown(drain); err != nil {
				a.log.Warn("ops server drain", "err", err)
			}
		}
		return nil
	})

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
