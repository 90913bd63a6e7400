// Command voiceci-runner executes one test run inside an ephemeral machine.
// It reads its work order from the VOICECI_JOB environment variable, fetches
// and unpacks the agent bundle, starts the agent, runs the executor against
// it over the local voice WebSocket, and POSTs the aggregate result to the
// control plane's runner callback.
package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/internal/callback"
	"github.com/sgzrov/VoiceCI-sub000/internal/conversation"
	"github.com/sgzrov/VoiceCI-sub000/internal/conversation/judge"
	"github.com/sgzrov/VoiceCI-sub000/internal/executor"
	"github.com/sgzrov/VoiceCI-sub000/internal/machine"
	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel/wsvoice"
	openaillm "github.com/sgzrov/VoiceCI-sub000/pkg/provider/llm/openai"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/stt/deepgram"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/tts/openaitts"
	"github.com/sgzrov/VoiceCI-sub000/pkg/provider/vad/energy"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// Runner environment contract. VOICECI_JOB is set by the machine driver; the
// rest come baked into the runner image or are injected by the control plane.
const (
	envAgentURL = "VOICECI_AGENT_URL"
	envAgentCmd = "VOICECI_AGENT_CMD"

	defaultAgentURL = "ws://127.0.0.1:8765/ws"
	defaultAgentCmd = "./start.sh"
)

const (
	agentWaitTimeout = 90 * time.Second
	callbackTimeout  = 30 * time.Second
	callbackAttempts = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	raw := os.Getenv(machine.EnvJob)
	if raw == "" {
		logger.Error("no job in environment", "var", machine.EnvJob)
		return 1
	}
	var job machine.RunnerJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		logger.Error("malformed job payload", "error", err)
		return 1
	}
	log := logger.With("run_id", job.RunID)
	log.Info("runner starting",
		"audio_tests", len(job.Spec.AudioTests),
		"conversation_tests", len(job.Spec.ConversationTests),
		"bundled", job.BundleURL != "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result := execute(ctx, log, job)

	if err := postResult(ctx, job, result); err != nil {
		log.Error("result not delivered", "error", err)
		return 1
	}
	log.Info("runner finished", "status", result.Status,
		"passed", result.PassedCount, "failed", result.FailedCount)
	if result.Status == types.TestFail {
		return 1
	}
	return 0
}

// execute runs the whole job and never returns a nil result: setup failures
// become a failed TestsResult so the control plane learns why instead of
// waiting out the machine timeout.
func execute(ctx context.Context, log *slog.Logger, job machine.RunnerJob) *types.TestsResult {
	fail := func(err error) *types.TestsResult {
		log.Error("run aborted", "error", err)
		return &types.TestsResult{
			RunID:     job.RunID,
			Status:    types.TestFail,
			ErrorText: err.Error(),
		}
	}

	agentURL := envOr(envAgentURL, defaultAgentURL)

	if job.BundleURL != "" {
		workdir, err := stageBundle(ctx, log, job.BundleURL, job.BundleHash)
		if err != nil {
			return fail(fmt.Errorf("stage bundle: %w", err))
		}
		agent, err := startAgent(ctx, log, workdir)
		if err != nil {
			return fail(fmt.Errorf("start agent: %w", err))
		}
		defer agent.stop(log)
		if err := waitReachable(ctx, agentURL, agentWaitTimeout); err != nil {
			return fail(verrors.New(verrors.KindTimeout, "agent never became reachable at %s: %v", agentURL, err))
		}
		log.Info("agent ready", "agent_url", agentURL)
	}

	deps, err := buildDeps(log)
	if err != nil {
		return fail(err)
	}

	res := executor.Execute(ctx, deps, executor.Input{
		RunID: job.RunID,
		Spec:  job.Spec,
		Adapter: types.AdapterConfig{
			Kind:     types.AdapterWSVoice,
			AgentURL: agentURL,
		},
	})
	return &res
}

// buildDeps assembles the executor's provider set from the runner
// environment. Machines dial providers directly rather than tunnelling
// audio through the control plane.
func buildDeps(log *slog.Logger) (executor.Deps, error) {
	openaiKey := os.Getenv("OPENAI_API_KEY")
	if openaiKey == "" {
		return executor.Deps{}, verrors.New(verrors.KindConfigMissing, "OPENAI_API_KEY is not set")
	}
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if deepgramKey == "" {
		return executor.Deps{}, verrors.New(verrors.KindConfigMissing, "DEEPGRAM_API_KEY is not set")
	}

	ttsProvider, err := openaitts.New(openaiKey)
	if err != nil {
		return executor.Deps{}, fmt.Errorf("create tts provider: %w", err)
	}
	sttProvider, err := deepgram.New(deepgramKey)
	if err != nil {
		return executor.Deps{}, fmt.Errorf("create stt provider: %w", err)
	}
	caller, err := openaillm.New(openaiKey, envOr("VOICECI_CALLER_MODEL", "gpt-4o-mini"))
	if err != nil {
		return executor.Deps{}, fmt.Errorf("create caller llm: %w", err)
	}
	judgeLLM, err := openaillm.New(openaiKey, envOr("VOICECI_JUDGE_MODEL", "gpt-4o"))
	if err != nil {
		return executor.Deps{}, fmt.Errorf("create judge llm: %w", err)
	}

	var evaluator conversation.Evaluator = judge.New(judgeLLM)
	return executor.Deps{
		Dial: func(_ context.Context, cfg types.AdapterConfig) (channel.Channel, error) {
			ch, err := wsvoice.New(cfg.AgentURL)
			if err != nil {
				return nil, err
			}
			return ch, nil
		},
		TTS:    ttsProvider,
		STT:    sttProvider,
		VAD:    energy.New(),
		Caller: caller,
		Judge:  evaluator,
		Log:    log,
	}, nil
}

// stageBundle downloads the agent tarball, verifies its hash, and unpacks it
// into a fresh directory, returning the directory path.
func stageBundle(ctx context.Context, log *slog.Logger, bundleURL, wantHash string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, bundleURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", verrors.New(verrors.KindUpstream, "fetch bundle: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", verrors.New(verrors.KindUpstream, "fetch bundle: object store returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 512<<20))
	if err != nil {
		return "", fmt.Errorf("read bundle: %w", err)
	}
	if wantHash != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != wantHash {
			return "", verrors.New(verrors.KindValidation, "bundle hash mismatch: got %s want %s", got, wantHash)
		}
	}

	workdir, err := os.MkdirTemp("", "voiceci-agent-*")
	if err != nil {
		return "", err
	}
	if err := untar(bytes.NewReader(data), workdir); err != nil {
		return "", fmt.Errorf("unpack bundle: %w", err)
	}
	log.Info("bundle staged", "dir", workdir, "bytes", len(data))
	return workdir, nil
}

func untar(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			// Links inside the bundle are fine; links escaping it are not.
			if _, err := safeJoin(filepath.Dir(target), hdr.Linkname); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("bundle entry %q escapes the extraction directory", name)
	}
	return target, nil
}

type agentProcess struct {
	cmd *exec.Cmd
}

// startAgent launches the bundle's start command with the runner's
// environment. The agent inherits stdout/stderr so its logs land in the
// machine log stream.
func startAgent(ctx context.Context, log *slog.Logger, workdir string) (*agentProcess, error) {
	command := envOr(envAgentCmd, defaultAgentCmd)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = workdir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	log.Info("agent started", "command", command, "pid", cmd.Process.Pid)
	return &agentProcess{cmd: cmd}, nil
}

func (a *agentProcess) stop(log *slog.Logger) {
	// Kill the whole process group so the agent's children go with it.
	_ = syscall.Kill(-a.cmd.Process.Pid, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_, _ = a.cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-a.cmd.Process.Pid, syscall.SIGKILL)
	}
	log.Info("agent stopped")
}

// waitReachable polls the agent's listener until a TCP connect succeeds or
// the deadline passes. A plain connect is enough here: the executor's first
// WebSocket dial surfaces protocol-level failures with a better error.
func waitReachable(ctx context.Context, agentURL string, timeout time.Duration) error {
	u, err := url.Parse(agentURL)
	if err != nil {
		return fmt.Errorf("parse agent url: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "wss", "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	deadline := time.Now().Add(timeout)
	var dialer net.Dialer
	for {
		connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		conn, err := dialer.DialContext(connCtx, "tcp", host)
		cancel()
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// postResult delivers the aggregate to the control plane, retrying on
// transient failures. A lost callback strands the run as "running" until the
// worker's machine timeout, so the retries are worth their wait.
func postResult(ctx context.Context, job machine.RunnerJob, result *types.TestsResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= callbackAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, callbackTimeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
		if err != nil {
			cancel()
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(callback.HeaderSecret, job.CallbackSecret)

		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("callback returned %d", resp.StatusCode)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 2 * time.Second):
		}
	}
	return lastErr
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
