package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sgzrov/VoiceCI-sub000/pkg/store"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

var _ store.Store = (*Store)(nil)

// defaultListLimit bounds ListRuns when the caller passes no limit.
const defaultListLimit = 50

// Result kinds in run_results.
const (
	kindAudio        = "audio"
	kindConversation = "conversation"
)

// DB is the database surface [Store] uses. *pgxpool.Pool satisfies it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store implements [store.Store] on a pgx connection pool. All methods are
// safe for concurrent use.
type Store struct {
	db      DB
	closeFn func()
}

// New connects to the database at dsn, verifies the connection, and runs
// [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{db: pool, closeFn: pool.Close}, nil
}

// NewFromDB wraps an existing connection without migrating or taking
// ownership of its lifetime. Intended for tests and shared-pool setups.
func NewFromDB(db DB) *Store { return &Store{db: db} }

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// Close implements [store.Store].
func (s *Store) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

const runColumns = `
	id, tenant, key_id, COALESCE(idempotency_key, ''), source_type,
	bundle_key, bundle_hash, lockfile_hash, status, test_spec,
	aggregate, error_text, created_at, started_at, finished_at, duration_ms
	`

// rowToRun scans one runs row.
func rowToRun(row pgx.CollectableRow) (types.Run, error) {
	var (
		run      types.Run
		specJSON []byte
	)
	err := row.Scan(
		&run.ID, &run.Tenant, &run.KeyID, &run.IdempotencyKey, &run.Source,
		&run.BundleKey, &run.BundleHash, &run.LockfileHash, &run.Status, &specJSON,
		&run.Aggregate, &run.ErrorText, &run.CreatedAt, &run.StartedAt, &run.FinishedAt, &run.DurationMs,
	)
	if err != nil {
		return types.Run{}, err
	}
	if err := json.Unmarshal(specJSON, &run.Spec); err != nil {
		return types.Run{}, fmt.Errorf("decode test_spec: %w", err)
	}
	return run, nil
}

// CreateRun implements [store.RunStore]. Idempotency keys are stored as NULL
// when empty so the partial unique index only guards real keys.
func (s *Store) CreateRun(ctx context.Context, run *types.Run) (*types.Run, bool, error) {
	specJSON, err := json.Marshal(run.Spec)
	if err != nil {
		return nil, false, fmt.Errorf("postgres store: encode test_spec: %w", err)
	}

	const q = `
		INSERT INTO runs
		    (id, tenant, key_id, idempotency_key, source_type,
		     bundle_key, bundle_hash, lockfile_hash, status, test_spec)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant, idempotency_key) WHERE idempotency_key IS NOT NULL
		DO NOTHING`

	tag, err := s.db.Exec(ctx, q,
		run.ID, run.Tenant, run.KeyID, run.IdempotencyKey, run.Source,
		run.BundleKey, run.BundleHash, run.LockfileHash, types.RunQueued, specJSON,
	)
	if err != nil {
		return nil, false, fmt.Errorf("postgres store: create run: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// An earlier run of this tenant already claimed the idempotency key.
		const sel = `SELECT` + runColumns + `FROM runs WHERE tenant = $1 AND idempotency_key = $2`
		rows, err := s.db.Query(ctx, sel, run.Tenant, run.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("postgres store: load idempotent run: %w", err)
		}
		existing, err := pgx.CollectOneRow(rows, rowToRun)
		if err != nil {
			return nil, false, fmt.Errorf("postgres store: load idempotent run: %w", err)
		}
		return &existing, false, nil
	}

	created, err := s.GetRun(ctx, run.ID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// GetRun implements [store.RunStore].
func (s *Store) GetRun(ctx context.Context, id string) (*types.Run, error) {
	const q = `SELECT` + runColumns + `FROM runs WHERE id = $1`
	rows, err := s.db.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get run: %w", err)
	}
	run, err := pgx.CollectOneRow(rows, rowToRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get run: %w", err)
	}
	return &run, nil
}

// ListRuns implements [store.RunStore].
func (s *Store) ListRuns(ctx context.Context, tenant string, limit int) ([]types.Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	const q = `SELECT` + runColumns + `FROM runs WHERE tenant = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.db.Query(ctx, q, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, rowToRun)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list runs: %w", err)
	}
	return runs, nil
}

// MarkRunRunning implements [store.RunStore].
func (s *Store) MarkRunRunning(ctx context.Context, id string) error {
	const q = `
		UPDATE runs
		SET    status = $2, started_at = now()
		WHERE  id = $1 AND status = $3`
	if _, err := s.db.Exec(ctx, q, id, types.RunRunning, types.RunQueued); err != nil {
		return fmt.Errorf("postgres store: mark run running: %w", err)
	}
	return nil
}

// MarkRunFailed implements [store.RunStore].
func (s *Store) MarkRunFailed(ctx context.Context, id, errorText string) error {
	const q = `
		UPDATE runs
		SET    status = $2, error_text = $3, finished_at = now()
		WHERE  id = $1 AND status NOT IN ($4, $5)`
	if _, err := s.db.Exec(ctx, q, id, types.RunFail, errorText, types.RunPass, types.RunFail); err != nil {
		return fmt.Errorf("postgres store: mark run failed: %w", err)
	}
	return nil
}

// CompleteRun implements [store.RunStore]. The run-row update and the
// sub-result inserts commit together; a duplicate callback sees a terminal
// run, updates nothing, and returns false.
func (s *Store) CompleteRun(ctx context.Context, res *types.TestsResult) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres store: complete run: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	status := types.RunPass
	if res.Status != types.TestPass {
		status = types.RunFail
	}
	aggregate := fmt.Sprintf("%d/%d passed", res.PassedCount, res.PassedCount+res.FailedCount)

	const q = `
		UPDATE runs
		SET    status = $2, aggregate = $3, error_text = $4,
		       finished_at = now(), duration_ms = $5
		WHERE  id = $1 AND status NOT IN ($6, $7)`
	tag, err := tx.Exec(ctx, q, res.RunID, status, aggregate, res.ErrorText, res.DurationMs, types.RunPass, types.RunFail)
	if err != nil {
		return false, fmt.Errorf("postgres store: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	const ins = `INSERT INTO run_results (run_id, kind, result) VALUES ($1, $2, $3)`
	batch := &pgx.Batch{}
	for _, ar := range res.AudioResults {
		data, err := json.Marshal(ar)
		if err != nil {
			return false, fmt.Errorf("postgres store: encode audio result: %w", err)
		}
		batch.Queue(ins, res.RunID, kindAudio, data)
	}
	for _, cr := range res.ConversationResults {
		data, err := json.Marshal(cr)
		if err != nil {
			return false, fmt.Errorf("postgres store: encode conversation result: %w", err)
		}
		batch.Queue(ins, res.RunID, kindConversation, data)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return false, fmt.Errorf("postgres store: insert results: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("postgres store: complete run: commit: %w", err)
	}
	return true, nil
}

// GetResults implements [store.RunStore].
func (s *Store) GetResults(ctx context.Context, runID string) ([]types.AudioTestResult, []types.ConversationTestResult, error) {
	const q = `SELECT kind, result FROM run_results WHERE run_id = $1 ORDER BY id`
	rows, err := s.db.Query(ctx, q, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres store: get results: %w", err)
	}
	defer rows.Close()

	var (
		audio []types.AudioTestResult
		convo []types.ConversationTestResult
	)
	for rows.Next() {
		var (
			kind string
			data []byte
		)
		if err := rows.Scan(&kind, &data); err != nil {
			return nil, nil, fmt.Errorf("postgres store: get results: %w", err)
		}
		switch kind {
		case kindAudio:
			var r types.AudioTestResult
			if err := json.Unmarshal(data, &r); err != nil {
				return nil, nil, fmt.Errorf("postgres store: decode audio result: %w", err)
			}
			audio = append(audio, r)
		case kindConversation:
			var r types.ConversationTestResult
			if err := json.Unmarshal(data, &r); err != nil {
				return nil, nil, fmt.Errorf("postgres store: decode conversation result: %w", err)
			}
			convo = append(convo, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("postgres store: get results: %w", err)
	}
	return audio, convo, nil
}

// InsertDependencyImage implements [store.ImageStore]. The conditional insert
// is the cross-fleet build lock: exactly one caller per hash wins.
func (s *Store) InsertDependencyImage(ctx context.Context, img types.DependencyImage) (bool, error) {
	const q = `
		INSERT INTO dependency_images
		    (lockfile_hash, image_ref, base_image_ref, status, builder_machine_id, error_text)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (lockfile_hash) DO NOTHING`
	tag, err := s.db.Exec(ctx, q,
		img.LockfileHash, img.ImageRef, img.BaseImageRef, img.Status, img.BuilderMachineID, img.ErrorText,
	)
	if err != nil {
		return false, fmt.Errorf("postgres store: insert dependency image: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetDependencyImage implements [store.ImageStore].
func (s *Store) GetDependencyImage(ctx context.Context, lockfileHash string) (*types.DependencyImage, error) {
	const q = `
		SELECT lockfile_hash, image_ref, base_image_ref, status, builder_machine_id, error_text
		FROM   dependency_images
		WHERE  lockfile_hash = $1`
	var img types.DependencyImage
	err := s.db.QueryRow(ctx, q, lockfileHash).Scan(
		&img.LockfileHash, &img.ImageRef, &img.BaseImageRef, &img.Status, &img.BuilderMachineID, &img.ErrorText,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get dependency image: %w", err)
	}
	return &img, nil
}

// UpdateDependencyImage implements [store.ImageStore].
func (s *Store) UpdateDependencyImage(ctx context.Context, lockfileHash string, status types.DependencyImageStatus, imageRef, errorText string) error {
	const q = `
		UPDATE dependency_images
		SET    status = $2, image_ref = $3, error_text = $4, updated_at = now()
		WHERE  lockfile_hash = $1`
	if _, err := s.db.Exec(ctx, q, lockfileHash, status, imageRef, errorText); err != nil {
		return fmt.Errorf("postgres store: update dependency image: %w", err)
	}
	return nil
}

// BindDependencyImageBuilder implements [store.ImageStore].
func (s *Store) BindDependencyImageBuilder(ctx context.Context, lockfileHash, machineID string) error {
	const q = `
		UPDATE dependency_images
		SET    builder_machine_id = $2, updated_at = now()
		WHERE  lockfile_hash = $1`
	if _, err := s.db.Exec(ctx, q, lockfileHash, machineID); err != nil {
		return fmt.Errorf("postgres store: bind builder machine: %w", err)
	}
	return nil
}

// DeleteDependencyImage implements [store.ImageStore].
func (s *Store) DeleteDependencyImage(ctx context.Context, lockfileHash string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM dependency_images WHERE lockfile_hash = $1`, lockfileHash); err != nil {
		return fmt.Errorf("postgres store: delete dependency image: %w", err)
	}
	return nil
}
