package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sgzrov/VoiceCI-sub000/internal/scheduler"
	"github.com/sgzrov/VoiceCI-sub000/pkg/store"
	storemock "github.com/sgzrov/VoiceCI-sub000/pkg/store/mock"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// The sink is the worker's in-process completion path.
var _ scheduler.ResultSink = (*Sink)(nil)

const testSecret = "cb-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePusher struct {
	mu      sync.Mutex
	results []*types.TestsResult
}

func (p *fakePusher) PushRunResult(_ context.Context, res *types.TestsResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, res)
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.results)
}

func newTestHandler(t *testing.T) (*storemock.Store, *fakePusher, http.Handler) {
	t.Helper()
	st := storemock.New()
	push := &fakePusher{}
	sink := NewSink(st, push, testLogger())
	return st, push, sink.Handler(testSecret)
}

func seedRun(t *testing.T, st *storemock.Store, id string) {
	t.Helper()
	if _, _, err := st.CreateRun(context.Background(), &types.Run{
		ID:     id,
		Tenant: "t1",
		KeyID:  "k1",
	}); err != nil {
		t.Fatalf("seed run %s: %v", id, err)
	}
}

func post(t *testing.T, h http.Handler, path, secret string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if secret != "" {
		req.Header.Set(HeaderSecret, secret)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	return data
}

func passResult(runID string) *types.TestsResult {
	return &types.TestsResult{
		RunID:       runID,
		Status:      types.TestPass,
		PassedCount: 2,
		FailedCount: 0,
		DurationMs:  4200,
		AudioResults: []types.AudioTestResult{
			{Name: "echo", Status: types.TestPass, DurationMs: 900},
		},
		ConversationResults: []types.ConversationTestResult{
			{CallerPrompt: "Ask about opening hours.", Status: types.TestPass, DurationMs: 3300},
		},
	}
}

func TestRunnerCallbackPersistsAndPushes(t *testing.T) {
	st, push, h := newTestHandler(t)
	seedRun(t, st, "run-cb")

	rec := post(t, h, RunnerPath, testSecret, encode(t, passResult("run-cb")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	run, err := st.GetRun(context.Background(), "run-cb")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != types.RunPass {
		t.Errorf("run status = %s, want %s", run.Status, types.RunPass)
	}
	if run.Aggregate != "2/2 passed" {
		t.Errorf("aggregate = %q", run.Aggregate)
	}
	if run.FinishedAt == nil || run.DurationMs != 4200 {
		t.Errorf("finish stamps missing: finished_at=%v duration=%d", run.FinishedAt, run.DurationMs)
	}

	audio, convo, err := st.GetResults(context.Background(), "run-cb")
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	if len(audio) != 1 || len(convo) != 1 {
		t.Errorf("stored %d audio and %d conversation results, want 1 each", len(audio), len(convo))
	}

	if push.count() != 1 {
		t.Errorf("pushed %d results, want 1", push.count())
	}
}

func TestRunnerCallbackDuplicateIsIdempotent(t *testing.T) {
	st, push, h := newTestHandler(t)
	seedRun(t, st, "run-dup")
	body := encode(t, passResult("run-dup"))

	if rec := post(t, h, RunnerPath, testSecret, body); rec.Code != http.StatusOK {
		t.Fatalf("first delivery: status = %d", rec.Code)
	}
	if rec := post(t, h, RunnerPath, testSecret, body); rec.Code != http.StatusOK {
		t.Fatalf("second delivery: status = %d", rec.Code)
	}

	run, err := st.GetRun(context.Background(), "run-dup")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != types.RunPass {
		t.Errorf("run status = %s after duplicate", run.Status)
	}
	if push.count() != 1 {
		t.Errorf("pushed %d results, want 1: duplicates must not re-notify", push.count())
	}
}

func TestRunnerCallbackUnknownRunIsSuccess(t *testing.T) {
	_, push, h := newTestHandler(t)

	rec := post(t, h, RunnerPath, testSecret, encode(t, passResult("run-gone")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for an unknown run", rec.Code)
	}
	if push.count() != 0 {
		t.Errorf("pushed %d results for an unknown run", push.count())
	}
}

func TestRunnerCallbackRejectsBadSecret(t *testing.T) {
	st, push, h := newTestHandler(t)
	seedRun(t, st, "run-auth")
	body := encode(t, passResult("run-auth"))

	for name, secret := range map[string]string{"wrong": "not-the-secret", "missing": ""} {
		rec := post(t, h, RunnerPath, secret, body)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s secret: status = %d, want 401", name, rec.Code)
		}
	}

	run, err := st.GetRun(context.Background(), "run-auth")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != types.RunQueued {
		t.Errorf("unauthenticated callback changed the run: status = %s", run.Status)
	}
	if push.count() != 0 {
		t.Errorf("unauthenticated callback pushed %d results", push.count())
	}
}

func TestRunnerCallbackRejectsMalformedBody(t *testing.T) {
	_, _, h := newTestHandler(t)

	rec := post(t, h, RunnerPath, testSecret, []byte("not json"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", rec.Code)
	}

	rec = post(t, h, RunnerPath, testSecret, encode(t, &types.TestsResult{Status: types.TestPass}))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing run_id: status = %d, want 400", rec.Code)
	}
}

func TestRunnerCallbackSurfacesStoreFailure(t *testing.T) {
	st, _, h := newTestHandler(t)
	seedRun(t, st, "run-db")
	st.CompleteRunErr = errors.New("connection refused")

	rec := post(t, h, RunnerPath, testSecret, encode(t, passResult("run-db")))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("store failure: status = %d, want 500", rec.Code)
	}
}

func TestBuilderCallbackMarksImageReady(t *testing.T) {
	st, _, h := newTestHandler(t)
	if _, err := st.InsertDependencyImage(context.Background(), types.DependencyImage{
		LockfileHash:     "cafef00d",
		ImageRef:         "registry.test/deps:deps-cafef00d",
		BaseImageRef:     "registry.test/runner:v3",
		Status:           types.ImageBuilding,
		BuilderMachineID: "m-7",
	}); err != nil {
		t.Fatalf("seed image: %v", err)
	}

	rec := post(t, h, BuilderPath, testSecret, encode(t, BuildResult{
		LockfileHash: "cafef00d",
		ImageRef:     "registry.test/deps:deps-cafef00d",
		Status:       types.ImageReady,
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	img, err := st.GetDependencyImage(context.Background(), "cafef00d")
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if img.Status != types.ImageReady || img.ImageRef != "registry.test/deps:deps-cafef00d" {
		t.Errorf("image row = %+v, want ready with its ref", img)
	}
}

func TestBuilderCallbackMarksImageFailed(t *testing.T) {
	st, _, h := newTestHandler(t)
	if _, err := st.InsertDependencyImage(context.Background(), types.DependencyImage{
		LockfileHash: "cafef00d",
		ImageRef:     "registry.test/deps:deps-cafef00d",
		Status:       types.ImageBuilding,
	}); err != nil {
		t.Fatalf("seed image: %v", err)
	}

	rec := post(t, h, BuilderPath, testSecret, encode(t, BuildResult{
		LockfileHash: "cafef00d",
		Status:       types.ImageFailed,
		ErrorText:    "npm install exited 1",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	img, err := st.GetDependencyImage(context.Background(), "cafef00d")
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if img.Status != types.ImageFailed || img.ImageRef != "" {
		t.Errorf("image row = %+v, want failed with no ref", img)
	}
	if !strings.Contains(img.ErrorText, "npm install") {
		t.Errorf("error text = %q", img.ErrorText)
	}
}

func TestBuilderCallbackToleratesVanishedRow(t *testing.T) {
	st, _, h := newTestHandler(t)

	// The base image moved on and the row was dropped while this builder ran.
	rec := post(t, h, BuilderPath, testSecret, encode(t, BuildResult{
		LockfileHash: "stalehash",
		ImageRef:     "registry.test/deps:deps-stalehash",
		Status:       types.ImageReady,
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a vanished row", rec.Code)
	}
	if _, err := st.GetDependencyImage(context.Background(), "stalehash"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale builder callback resurrected the row: err=%v", err)
	}
}

func TestBuilderCallbackValidatesBody(t *testing.T) {
	_, _, h := newTestHandler(t)

	cases := map[string]BuildResult{
		"no hash":       {Status: types.ImageReady, ImageRef: "r"},
		"bad status":    {LockfileHash: "h", Status: "cooking"},
		"ready, no ref": {LockfileHash: "h", Status: types.ImageReady},
	}
	for name, body := range cases {
		if rec := post(t, h, BuilderPath, testSecret, encode(t, body)); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
}

func TestCallbackRoutesRejectWrongMethod(t *testing.T) {
	_, _, h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, RunnerPath, nil)
	req.Header.Set(HeaderSecret, testSecret)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET %s: status = %d, want 405", RunnerPath, rec.Code)
	}
}

func TestSinkCompleteWithoutPusher(t *testing.T) {
	st := storemock.New()
	seedRun(t, st, "run-headless")
	sink := NewSink(st, nil, testLogger())

	if err := sink.Complete(context.Background(), passResult("run-headless")); err != nil {
		t.Fatalf("complete: %v", err)
	}
	run, err := st.GetRun(context.Background(), "run-headless")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != types.RunPass {
		t.Errorf("run status = %s", run.Status)
	}
}
