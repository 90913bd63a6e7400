package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sgzrov/VoiceCI-sub000/pkg/store"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

// ---------------------------------------------------------------------------
// Test helpers — mock DB types
// ---------------------------------------------------------------------------

type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		case **time.Time:
			if v == nil {
				*d = nil
			} else {
				t := v.(time.Time)
				*d = &t
			}
		case *int64:
			*d = v.(int64)
		case *types.SourceType:
			*d = types.SourceType(v.(string))
		case *types.RunStatus:
			*d = types.RunStatus(v.(string))
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	beginFunc    func(ctx context.Context) (pgx.Tx, error)
}

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (m *mockDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if m.beginFunc != nil {
		return m.beginFunc(ctx)
	}
	return nil, errors.New("begin not stubbed")
}

func (m *mockDB) Ping(ctx context.Context) error { return nil }

// mockTx stubs the transaction methods CompleteRun uses; everything else
// panics via the embedded nil interface.
type mockTx struct {
	pgx.Tx
	execFunc  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	batched   int
	commits   int
	rollbacks int
}

func (t *mockTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.execFunc(ctx, sql, args...)
}

func (t *mockTx) Commit(ctx context.Context) error   { t.commits++; return nil }
func (t *mockTx) Rollback(ctx context.Context) error { t.rollbacks++; return nil }

func (t *mockTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	t.batched += b.Len()
	return &mockBatchResults{}
}

type mockBatchResults struct{}

func (mockBatchResults) Exec() (pgconn.CommandTag, error) { return pgconn.CommandTag{}, nil }
func (mockBatchResults) Query() (pgx.Rows, error)         { return &mockRows{}, nil }
func (mockBatchResults) QueryRow() pgx.Row                { return &mockRow{scanFunc: func(...any) error { return nil }} }
func (mockBatchResults) Close() error                     { return nil }

// runRow builds a scan row matching runColumns order.
func runRow(id, tenant string, status types.RunStatus, spec types.TestSpec) []any {
	specJSON, _ := json.Marshal(spec)
	return []any{
		id, tenant, "key-1", "", "remote",
		"", "", "", string(status), specJSON,
		"", "", time.Now(), nil, nil, int64(0),
	}
}

// ---------------------------------------------------------------------------
// Run store
// ---------------------------------------------------------------------------

func TestGetRun_NotFound(t *testing.T) {
	db := &mockDB{
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			return &mockRows{}, nil
		},
	}
	s := NewFromDB(db)
	if _, err := s.GetRun(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetRun_ScansRow(t *testing.T) {
	spec := types.TestSpec{AudioTests: []string{"echo", "ttfb"}}
	db := &mockDB{
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			if len(args) != 1 || args[0] != "run-1" {
				t.Errorf("query args = %v", args)
			}
			return &mockRows{data: [][]any{runRow("run-1", "acme", types.RunQueued, spec)}}, nil
		},
	}
	s := NewFromDB(db)
	run, err := s.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.ID != "run-1" || run.Tenant != "acme" || run.Status != types.RunQueued {
		t.Fatalf("run = %+v", run)
	}
	if len(run.Spec.AudioTests) != 2 {
		t.Fatalf("spec round trip lost tests: %+v", run.Spec)
	}
}

func TestCreateRun_IdempotentConflictReturnsExisting(t *testing.T) {
	spec := types.TestSpec{AudioTests: []string{"echo"}}
	var sawInsert, sawSelect bool
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if !strings.Contains(sql, "ON CONFLICT") {
				t.Errorf("insert lacks conflict clause:\n%s", sql)
			}
			sawInsert = true
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		},
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			sawSelect = true
			if len(args) != 2 || args[0] != "acme" || args[1] != "idem-1" {
				t.Errorf("select args = %v", args)
			}
			return &mockRows{data: [][]any{runRow("run-old", "acme", types.RunPass, spec)}}, nil
		},
	}
	s := NewFromDB(db)
	run, created, err := s.CreateRun(context.Background(), &types.Run{
		ID: "run-new", Tenant: "acme", IdempotencyKey: "idem-1", Source: types.SourceRemote, Spec: spec,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if created {
		t.Fatal("created = true on idempotency conflict")
	}
	if run.ID != "run-old" {
		t.Fatalf("canonical run = %q, want run-old", run.ID)
	}
	if !sawInsert || !sawSelect {
		t.Fatalf("insert=%v select=%v, want both", sawInsert, sawSelect)
	}
}

func TestMarkTransitionsAreConditional(t *testing.T) {
	var sqls []string
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			sqls = append(sqls, sql)
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	s := NewFromDB(db)
	if err := s.MarkRunRunning(context.Background(), "run-1"); err != nil {
		t.Fatalf("MarkRunRunning: %v", err)
	}
	if err := s.MarkRunFailed(context.Background(), "run-1", "boom"); err != nil {
		t.Fatalf("MarkRunFailed: %v", err)
	}
	if !strings.Contains(sqls[0], "status = $3") {
		t.Errorf("running transition is not conditional:\n%s", sqls[0])
	}
	if !strings.Contains(sqls[1], "NOT IN") {
		t.Errorf("fail transition does not exclude terminal runs:\n%s", sqls[1])
	}
}

func TestCompleteRun_PersistsResultsInOneTransaction(t *testing.T) {
	tx := &mockTx{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if !strings.Contains(sql, "NOT IN") {
				t.Errorf("complete update is not conditional:\n%s", sql)
			}
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	db := &mockDB{beginFunc: func(ctx context.Context) (pgx.Tx, error) { return tx, nil }}
	s := NewFromDB(db)

	applied, err := s.CompleteRun(context.Background(), &types.TestsResult{
		RunID:  "run-1",
		Status: types.TestPass,
		AudioResults: []types.AudioTestResult{
			{Name: "echo", Status: types.TestPass},
			{Name: "ttfb", Status: types.TestPass},
		},
		ConversationResults: []types.ConversationTestResult{
			{CallerPrompt: "book a table", Status: types.TestPass},
		},
		PassedCount: 3,
	})
	if err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if !applied {
		t.Fatal("applied = false, want true")
	}
	if tx.batched != 3 {
		t.Fatalf("batched %d result inserts, want 3", tx.batched)
	}
	if tx.commits != 1 {
		t.Fatalf("commits = %d, want 1", tx.commits)
	}
}

func TestCompleteRun_TerminalRunIsNoop(t *testing.T) {
	tx := &mockTx{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	db := &mockDB{beginFunc: func(ctx context.Context) (pgx.Tx, error) { return tx, nil }}
	s := NewFromDB(db)

	applied, err := s.CompleteRun(context.Background(), &types.TestsResult{RunID: "run-1", Status: types.TestPass})
	if err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if applied {
		t.Fatal("applied = true for terminal run")
	}
	if tx.batched != 0 {
		t.Fatalf("batched %d inserts on no-op, want 0", tx.batched)
	}
	if tx.commits != 0 {
		t.Fatalf("commits = %d on no-op, want 0", tx.commits)
	}
	if tx.rollbacks == 0 {
		t.Fatal("transaction never rolled back")
	}
}

// ---------------------------------------------------------------------------
// Image store
// ---------------------------------------------------------------------------

func TestInsertDependencyImage_Lock(t *testing.T) {
	inserted := false
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if !strings.Contains(sql, "ON CONFLICT (lockfile_hash) DO NOTHING") {
				t.Errorf("insert lacks conflict clause:\n%s", sql)
			}
			if inserted {
				return pgconn.NewCommandTag("INSERT 0 0"), nil
			}
			inserted = true
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	s := NewFromDB(db)
	img := types.DependencyImage{LockfileHash: "sha256:abc", Status: types.ImageBuilding}

	won, err := s.InsertDependencyImage(context.Background(), img)
	if err != nil {
		t.Fatalf("InsertDependencyImage: %v", err)
	}
	if !won {
		t.Fatal("first insert should win the build lock")
	}
	won, err = s.InsertDependencyImage(context.Background(), img)
	if err != nil {
		t.Fatalf("second InsertDependencyImage: %v", err)
	}
	if won {
		t.Fatal("second insert should lose the build lock")
	}
}

func TestGetDependencyImage_NotFound(t *testing.T) {
	s := NewFromDB(&mockDB{})
	if _, err := s.GetDependencyImage(context.Background(), "sha256:missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetResults_SplitsByKind(t *testing.T) {
	audioJSON, _ := json.Marshal(types.AudioTestResult{Name: "echo", Status: types.TestPass})
	convoJSON, _ := json.Marshal(types.ConversationTestResult{CallerPrompt: "hi", Status: types.TestFail})
	db := &mockDB{
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			return &mockRows{data: [][]any{
				{"audio", audioJSON},
				{"conversation", convoJSON},
			}}, nil
		},
	}
	s := NewFromDB(db)
	audio, convo, err := s.GetResults(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if len(audio) != 1 || audio[0].Name != "echo" {
		t.Fatalf("audio = %+v", audio)
	}
	if len(convo) != 1 || convo[0].Status != types.TestFail {
		t.Fatalf("convo = %+v", convo)
	}
}
