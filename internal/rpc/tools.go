package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/google/uuid"

	"github.com/sgzrov/VoiceCI-sub000/internal/loadtest"
	"github.com/sgzrov/VoiceCI-sub000/internal/probe"
	"github.com/sgzrov/VoiceCI-sub000/internal/scheduler"
	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
	"github.com/sgzrov/VoiceCI-sub000/pkg/store"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// Tool names exposed by the RPC surface.
const (
	toolConfigureAdapter    = "configure_adapter"
	toolPrepareUpload       = "prepare_upload"
	toolRunSuite            = "run_suite"
	toolLoadTest            = "load_test"
	toolGetStatus           = "get_status"
	toolGetQuickstart       = "get_quickstart"
	toolGetAdapterReference = "get_adapter_reference"
	toolGetTestReference    = "get_test_reference"
)

// ConfigureAdapterOutput is the result of configure_adapter.
type ConfigureAdapterOutput struct {
	AdapterConfigID string `json:"adapter_config_id"`
}

// PrepareUploadInput selects the project the upload command will tar.
type PrepareUploadInput struct {
	ProjectRoot string `json:"project_root,omitempty" jsonschema:"path to the agent project; defaults to the current directory"`
}

// PrepareUploadOutput is the result of prepare_upload.
type PrepareUploadOutput struct {
	BundleKey     string `json:"bundle_key"`
	UploadCommand string `json:"upload_command"`
	ExpiresInSec  int    `json:"expires_in_sec"`
}

// RunSuiteInput is everything run_suite accepts. Exactly one of
// AdapterConfigID and Adapter reaches remote agents; bundle runs may omit
// both.
type RunSuiteInput struct {
	AdapterConfigID string               `json:"adapter_config_id,omitempty" jsonschema:"id returned by configure_adapter"`
	Adapter         *types.AdapterConfig `json:"adapter_config,omitempty" jsonschema:"inline adapter config when no stored id is used"`

	AudioTests        []string                      `json:"audio_tests,omitempty" jsonschema:"audio test names; see get_test_reference"`
	ConversationTests []types.ConversationScenario  `json:"conversation_tests,omitempty"`
	Thresholds        map[string]map[string]float64 `json:"thresholds,omitempty" jsonschema:"per-test threshold overrides"`

	BundleKey    string `json:"bundle_key,omitempty" jsonschema:"key returned by prepare_upload"`
	BundleHash   string `json:"bundle_hash,omitempty" jsonschema:"tarball hash printed by the upload command"`
	LockfileHash string `json:"lockfile_hash,omitempty" jsonschema:"lockfile hash printed by the upload command"`

	IdempotencyKey string `json:"idempotency_key,omitempty" jsonschema:"uuid; repeating it returns the original run"`
}

// RunSuiteOutput is the result of run_suite.
type RunSuiteOutput struct {
	RunID string `json:"run_id"`

	// Reused reports an idempotency-key hit: no new run was created.
	Reused bool `json:"reused,omitempty"`
}

// LoadTestInput configures an in-process load campaign.
type LoadTestInput struct {
	AdapterConfigID string                     `json:"adapter_config_id,omitempty"`
	Adapter         *types.AdapterConfig       `json:"adapter_config,omitempty"`
	Scenario        types.ConversationScenario `json:"scenario"`

	Calls          int     `json:"calls" jsonschema:"total calls to place"`
	CallsPerMinute float64 `json:"calls_per_minute,omitempty" jsonschema:"pacing; defaults to the campaign engine's rate"`
	MaxConcurrent  int     `json:"max_concurrent,omitempty"`
}

// LoadTestOutput is the result of load_test.
type LoadTestOutput struct {
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
}

// GetStatusInput names the run to inspect.
type GetStatusInput struct {
	RunID string `json:"run_id" jsonschema:"id returned by run_suite"`
}

// Timings groups a terminal run's wall-clock fields.
type Timings struct {
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// GetStatusOutput is the result of get_status. Non-terminal runs carry only
// RunID and Status; terminal runs carry the full result set.
type GetStatusOutput struct {
	RunID  string          `json:"run_id"`
	Status types.RunStatus `json:"status"`

	Aggregate           string                         `json:"aggregate,omitempty"`
	AudioResults        []types.AudioTestResult        `json:"audio_results,omitempty"`
	ConversationResults []types.ConversationTestResult `json:"conversation_results,omitempty"`
	ErrorText           string                         `json:"error_text,omitempty"`
	Timings             *Timings                       `json:"timings,omitempty"`
}

// attachTools registers the tool table on the MCP server. Handlers stay
// thin: extract session and progress token, delegate, shape the result.
func (s *Server) attachTools(srv *mcpsdk.Server) {
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolConfigureAdapter,
		Description: "Store an adapter config under this session and return its id for run_suite.",
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, in types.AdapterConfig) (*mcpsdk.CallToolResult, any, error) {
		out, err := s.doConfigureAdapter(ctx, req.Session, in)
		if err != nil {
			return errResult(err), nil, nil
		}
		return jsonResult(out), nil, nil
	})

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolPrepareUpload,
		Description: "Mint a presigned bundle upload URL and the shell command that tars, hashes, and uploads the project.",
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, in PrepareUploadInput) (*mcpsdk.CallToolResult, any, error) {
		s.registry.Touch(req.Session)
		out, err := s.doPrepareUpload(ctx, in)
		if err != nil {
			return errResult(err), nil, nil
		}
		return jsonResult(out), nil, nil
	})

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolRunSuite,
		Description: "Queue a test run against the agent and return its run_id. Results stream to this session and stay fetchable via get_status.",
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, in RunSuiteInput) (*mcpsdk.CallToolResult, any, error) {
		out, err := s.doRunSuite(ctx, req.Session, progressToken(req), in)
		if err != nil {
			return errResult(err), nil, nil
		}
		return jsonResult(out), nil, nil
	})

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolLoadTest,
		Description: "Start an in-process load campaign against the agent and return immediately.",
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, in LoadTestInput) (*mcpsdk.CallToolResult, any, error) {
		s.registry.Touch(req.Session)
		out, err := s.doLoadTest(ctx, req.Session, progressToken(req), in)
		if err != nil {
			return errResult(err), nil, nil
		}
		return jsonResult(out), nil, nil
	})

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolGetStatus,
		Description: "Fetch a run's status; terminal runs include every result, timings, and error text.",
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, in GetStatusInput) (*mcpsdk.CallToolResult, any, error) {
		s.registry.Touch(req.Session)
		out, err := s.doGetStatus(ctx, in)
		if err != nil {
			return errResult(err), nil, nil
		}
		return jsonResult(out), nil, nil
	})

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolGetQuickstart,
		Description: "Walkthrough: adapters, uploads, running suites, collecting results.",
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, any, error) {
		s.registry.Touch(req.Session)
		return textResult(docQuickstart), nil, nil
	})

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolGetAdapterReference,
		Description: "Field reference for the seven adapter transports.",
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, any, error) {
		s.registry.Touch(req.Session)
		return textResult(docAdapterReference), nil, nil
	})

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolGetTestReference,
		Description: "Catalogue of audio tests, threshold keys, and conversation scenario fields.",
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, any, error) {
		s.registry.Touch(req.Session)
		return textResult(docTestReference), nil, nil
	})
}

// progressToken pulls the client-supplied token off the request, if any.
func progressToken(req *mcpsdk.CallToolRequest) any {
	if req == nil || req.Params == nil {
		return nil
	}
	return req.Params.GetProgressToken()
}

func (s *Server) doConfigureAdapter(ctx context.Context, sess pusher, in types.AdapterConfig) (*ConfigureAdapterOutput, error) {
	if _, err := identity(ctx); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, verrors.Wrap(verrors.KindValidation, err)
	}
	id := s.registry.StoreAdapterConfig(sess, in)
	s.log.Debug("adapter config stored", "adapter", in.Kind, "adapter_config_id", id)
	return &ConfigureAdapterOutput{AdapterConfigID: id}, nil
}

func (s *Server) doPrepareUpload(ctx context.Context, in PrepareUploadInput) (*PrepareUploadOutput, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if s.uploads == nil {
		return nil, verrors.New(verrors.KindConfigMissing, "rpc: bundle uploads are not configured on this server")
	}
	key := fmt.Sprintf("bundles/%s/%s.tar.gz", id.Tenant, uuid.NewString())
	url, err := s.uploads.PresignPut(ctx, key, uploadURLTTL)
	if err != nil {
		return nil, verrors.Wrap(verrors.KindUpstream, err)
	}
	return &PrepareUploadOutput{
		BundleKey:     key,
		UploadCommand: buildUploadCommand(in.ProjectRoot, url),
		ExpiresInSec:  int(uploadURLTTL.Seconds()),
	}, nil
}

func (s *Server) doRunSuite(ctx context.Context, sess pusher, progressToken any, in RunSuiteInput) (*RunSuiteOutput, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	spec := types.TestSpec{
		AudioTests:        in.AudioTests,
		ConversationTests: in.ConversationTests,
		Thresholds:        in.Thresholds,
	}
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	source := types.SourceRemote
	if in.BundleKey != "" || in.BundleHash != "" || in.LockfileHash != "" {
		source = types.SourceBundle
		if in.BundleKey == "" || in.BundleHash == "" {
			return nil, verrors.New(verrors.KindValidation, "rpc: bundle runs need both bundle_key and bundle_hash")
		}
	}
	if in.IdempotencyKey != "" {
		if _, err := uuid.Parse(in.IdempotencyKey); err != nil {
			return nil, verrors.New(verrors.KindValidation, "rpc: idempotency_key must be a uuid")
		}
	}

	adapter, err := s.resolveAdapter(sess, source, in.AdapterConfigID, in.Adapter)
	if err != nil {
		return nil, err
	}

	run := &types.Run{
		ID:             uuid.NewString(),
		Tenant:         id.Tenant,
		KeyID:          id.KeyID,
		IdempotencyKey: in.IdempotencyKey,
		Source:         source,
		BundleKey:      in.BundleKey,
		BundleHash:     in.BundleHash,
		LockfileHash:   in.LockfileHash,
		Status:         types.RunQueued,
		Spec:           spec,
	}
	canonical, created, err := s.store.CreateRun(ctx, run)
	if err != nil {
		return nil, verrors.Wrap(verrors.KindInternal, fmt.Errorf("rpc: create run: %w", err))
	}
	if !created {
		// Idempotency hit: the original run already exists (and may already
		// be done); no new queue entry, no new binding.
		return &RunSuiteOutput{RunID: canonical.ID, Reused: true}, nil
	}

	job := scheduler.Job{RunID: canonical.ID, Tenant: id.Tenant, KeyID: id.KeyID, Adapter: adapter}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		// The row exists but nothing will ever pick it up; fail it in place.
		_ = s.store.MarkRunFailed(ctx, canonical.ID, "enqueue failed: "+err.Error())
		return nil, verrors.Wrap(verrors.KindUpstream, fmt.Errorf("rpc: enqueue run: %w", err))
	}

	s.registry.BindRun(sess, canonical.ID, progressToken, spec.Total())
	s.log.Info("run accepted",
		"run_id", canonical.ID, "tenant", id.Tenant, "source", source,
		"adapter", adapter.Kind, "tests", spec.Total())
	return &RunSuiteOutput{RunID: canonical.ID}, nil
}

func (s *Server) doLoadTest(ctx context.Context, sess pusher, progressToken any, in LoadTestInput) (*LoadTestOutput, error) {
	if _, err := identity(ctx); err != nil {
		return nil, err
	}
	if s.load == nil {
		return nil, verrors.New(verrors.KindConfigMissing, "rpc: load testing is not configured on this server")
	}
	if strings.TrimSpace(in.Scenario.CallerPrompt) == "" {
		return nil, verrors.New(verrors.KindValidation, "rpc: load test scenario is missing caller_prompt")
	}
	if in.Scenario.MaxTurns < 1 || in.Scenario.MaxTurns > 50 {
		return nil, verrors.New(verrors.KindValidation, "rpc: load test scenario: max_turns must be 1..50, got %d", in.Scenario.MaxTurns)
	}
	if in.Calls < 1 {
		return nil, verrors.New(verrors.KindValidation, "rpc: load test needs calls >= 1")
	}

	adapter, err := s.resolveAdapter(sess, types.SourceRemote, in.AdapterConfigID, in.Adapter)
	if err != nil {
		return nil, err
	}

	// Waves carry their campaign id, so the binding made below routes them.
	campaignID, err := s.load.Start(ctx, loadtest.Campaign{
		Adapter:        adapter,
		Scenario:       in.Scenario,
		Calls:          in.Calls,
		CallsPerMinute: in.CallsPerMinute,
		MaxConcurrent:  in.MaxConcurrent,
		OnWave: func(st loadtest.Status) {
			s.registry.PushCampaignWave(context.Background(), st)
		},
	})
	if err != nil {
		return nil, verrors.Wrap(verrors.KindInternal, fmt.Errorf("rpc: start load campaign: %w", err))
	}
	s.registry.BindRun(sess, campaignID, progressToken, in.Calls)
	s.log.Info("load campaign started", "campaign_id", campaignID, "calls", in.Calls, "adapter", adapter.Kind)
	return &LoadTestOutput{CampaignID: campaignID, Status: "started"}, nil
}

func (s *Server) doGetStatus(ctx context.Context, in GetStatusInput) (*GetStatusOutput, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if in.RunID == "" {
		return nil, verrors.New(verrors.KindValidation, "rpc: run_id is required")
	}
	run, err := s.store.GetRun(ctx, in.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, verrors.New(verrors.KindValidation, "rpc: unknown run %q", in.RunID)
	}
	if err != nil {
		return nil, verrors.Wrap(verrors.KindInternal, fmt.Errorf("rpc: load run: %w", err))
	}
	if run.Tenant != id.Tenant {
		// Foreign runs are indistinguishable from missing ones.
		return nil, verrors.New(verrors.KindValidation, "rpc: unknown run %q", in.RunID)
	}

	out := &GetStatusOutput{RunID: run.ID, Status: run.Status}
	if !run.Status.Terminal() {
		return out, nil
	}

	audio, convo, err := s.store.GetResults(ctx, run.ID)
	if err != nil {
		return nil, verrors.Wrap(verrors.KindInternal, fmt.Errorf("rpc: load results: %w", err))
	}
	out.Aggregate = run.Aggregate
	out.AudioResults = audio
	out.ConversationResults = convo
	out.ErrorText = run.ErrorText
	out.Timings = &Timings{
		CreatedAt:  run.CreatedAt,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		DurationMs: run.DurationMs,
	}
	return out, nil
}

// resolveAdapter picks the adapter config a request refers to and validates
// it against the run's source type and the server's platform credentials.
func (s *Server) resolveAdapter(sess pusher, source types.SourceType, configID string, inline *types.AdapterConfig) (types.AdapterConfig, error) {
	var cfg types.AdapterConfig
	switch {
	case configID != "":
		stored, ok := s.registry.AdapterConfig(sess.ID(), configID)
		if !ok {
			return cfg, verrors.New(verrors.KindValidation, "rpc: unknown adapter_config_id %q", configID)
		}
		cfg = stored
	case inline != nil:
		cfg = *inline
	case source == types.SourceBundle:
		// Bundle agents boot next to the runner, which supplies the endpoint.
		return types.AdapterConfig{Kind: types.AdapterWSVoice}, nil
	default:
		return cfg, verrors.New(verrors.KindValidation, "rpc: adapter_config_id or adapter_config is required")
	}

	if source == types.SourceBundle {
		if cfg.Kind != types.AdapterWSVoice {
			return cfg, verrors.New(verrors.KindValidation, "rpc: bundle runs support only the ws-voice adapter")
		}
		// agent_url is filled in by the runner.
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return cfg, verrors.Wrap(verrors.KindValidation, err)
	}
	if cfg.Kind != types.AdapterWSVoice && s.creds != nil {
		if err := s.creds(cfg.Kind); err != nil {
			return cfg, verrors.Wrap(verrors.KindConfigMissing, err)
		}
	}
	return cfg, nil
}

// validateSpec rejects empty suites, unknown audio tests, and out-of-range
// scenario bounds before anything is persisted.
func validateSpec(spec types.TestSpec) error {
	if spec.Total() == 0 {
		return verrors.New(verrors.KindValidation, "rpc: a run needs at least one audio test or conversation scenario")
	}
	for _, name := range spec.AudioTests {
		if !probe.Known(name) {
			return verrors.New(verrors.KindValidation,
				"rpc: unknown audio test %q (known: %s)", name, strings.Join(probe.Names(), ", "))
		}
	}
	for i, sc := range spec.ConversationTests {
		if strings.TrimSpace(sc.CallerPrompt) == "" {
			return verrors.New(verrors.KindValidation, "rpc: conversation test %d is missing caller_prompt", i)
		}
		if sc.MaxTurns < 1 || sc.MaxTurns > 50 {
			return verrors.New(verrors.KindValidation,
				"rpc: conversation test %d: max_turns must be 1..50, got %d", i, sc.MaxTurns)
		}
	}
	return nil
}
