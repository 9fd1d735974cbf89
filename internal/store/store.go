package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Store persists terminal jobs in Postgres. It is both the orchestrator's
// result sink and its archive for jobs evicted from memory.
type Store struct {
	DB *sql.DB
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

var (
	metricsOnce  sync.Once
	savedCounter otelmetric.Int64Counter
)

func initStoreMetrics() {
	meter := otel.Meter("ecoagent/internal/store")
	savedCounter, _ = meter.Int64Counter("ecoagent_store_jobs_saved_total")
}

// New opens the database described by the storage config.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Ping backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// Name implements core.ResultSink.
func (s *Store) Name() string { return "postgres" }

// Consume implements core.ResultSink.
func (s *Store) Consume(ctx context.Context, rec core.JobRecord) error {
	return s.SaveJob(ctx, rec)
}

// SaveJob writes the job row, its url tasks and aggregated indicators in one
// transaction. Saving the same job again replaces the children.
func (s *Store) SaveJob(ctx context.Context, rec core.JobRecord) (err error) {
	if _, perr := uuid.Parse(rec.ID); perr != nil {
		return fmt.Errorf("job id %q is not a uuid", rec.ID)
	}
	reqBytes, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	resBytes, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	errKind, errMsg := taskErrorColumns(rec.Error)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO jobs (id, status, source, analysis_mode, trigger, request, result, error_kind, error_message, created_at, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
  status        = EXCLUDED.status,
  result        = EXCLUDED.result,
  error_kind    = EXCLUDED.error_kind,
  error_message = EXCLUDED.error_message,
  started_at    = EXCLUDED.started_at,
  finished_at   = EXCLUDED.finished_at;
`, rec.ID, string(rec.Status), nullableString(rec.Request.Source), string(rec.Request.AnalysisMode), nullableString(rec.Request.Trigger),
		reqBytes, resBytes, errKind, errMsg, rec.CreatedAt, nullableTime(rec.StartedAt), rec.FinishedAt); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM url_tasks WHERE job_id=$1`, rec.ID); err != nil {
		return fmt.Errorf("delete url tasks: %w", err)
	}
	for i, t := range rec.Tasks {
		var extraction, analysis []byte
		if t.Extraction != nil {
			summary := *t.Extraction
			summary.Content = ""
			if extraction, err = json.Marshal(summary); err != nil {
				return fmt.Errorf("marshal extraction: %w", err)
			}
		}
		if t.Analysis != nil {
			if analysis, err = json.Marshal(t.Analysis); err != nil {
				return fmt.Errorf("marshal analysis: %w", err)
			}
		}
		kind, msg := taskErrorColumns(t.Error)
		if _, err := tx.ExecContext(ctx, `
INSERT INTO url_tasks (job_id, position, url, state, strategy, attempts, enriched, error_kind, error_message, extraction, analysis, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`, rec.ID, i, t.URL, string(t.State), nullableString(string(t.Strategy)), t.Attempts, t.Enriched, kind, msg,
			nullableBytes(extraction), nullableBytes(analysis), nullableTime(t.StartedAt), nullableTime(t.FinishedAt)); err != nil {
			return fmt.Errorf("insert url task: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM indicators WHERE job_id=$1`, rec.ID); err != nil {
		return fmt.Errorf("delete indicators: %w", err)
	}
	for _, ind := range rec.Result.Indicators {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO indicators (job_id, name, value, unit, period, category, source_url, confidence, enriched)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, rec.ID, ind.Name, ind.Value, nullableString(ind.Unit), nullableString(ind.Period), nullableString(ind.Category),
			ind.SourceURL, ind.Confidence, ind.Enriched); err != nil {
			return fmt.Errorf("insert indicator: %w", err)
		}
	}

	metricsOnce.Do(initStoreMetrics)
	if savedCounter != nil {
		savedCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", string(rec.Status))))
	}
	return nil
}

const jobColumns = "id::text, status, request, result, error_kind, error_message, created_at, started_at, finished_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (core.JobRecord, error) {
	var (
		rec                core.JobRecord
		status             string
		reqBytes, resBytes []byte
		errKind, errMsg    sql.NullString
		startedAt          sql.NullTime
	)
	if err := row.Scan(&rec.ID, &status, &reqBytes, &resBytes, &errKind, &errMsg, &rec.CreatedAt, &startedAt, &rec.FinishedAt); err != nil {
		return core.JobRecord{}, err
	}
	rec.Status = core.JobStatus(status)
	if startedAt.Valid {
		rec.StartedAt = startedAt.Time
	}
	if errKind.Valid {
		rec.Error = &core.TaskError{Kind: core.ErrorKind(errKind.String), Message: errMsg.String}
	}
	if len(reqBytes) > 0 {
		if err := json.Unmarshal(reqBytes, &rec.Request); err != nil {
			return core.JobRecord{}, fmt.Errorf("decode request: %w", err)
		}
	}
	if len(resBytes) > 0 {
		if err := json.Unmarshal(resBytes, &rec.Result); err != nil {
			return core.JobRecord{}, fmt.Errorf("decode result: %w", err)
		}
	}
	return rec, nil
}

// GetJob implements core.JobArchive.
func (s *Store) GetJob(ctx context.Context, id string) (core.JobRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return core.JobRecord{}, core.ErrJobNotFound
	}
	rec, err := scanJob(s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.JobRecord{}, core.ErrJobNotFound
	}
	if err != nil {
		return core.JobRecord{}, err
	}
	tasks, err := s.loadTasks(ctx, []string{rec.ID})
	if err != nil {
		return core.JobRecord{}, err
	}
	rec.Tasks = tasks[rec.ID]
	return rec, nil
}

// ListJobs implements core.JobArchive, newest first.
func (s *Store) ListJobs(ctx context.Context, filter core.JobFilter) ([]core.JobRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	q := sq.Select(jobColumns).
		From("jobs").
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Dollar)
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out []core.JobRecord
		ids []string
	)
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		ids = append(ids, rec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}
	tasks, err := s.loadTasks(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Tasks = tasks[out[i].ID]
	}
	return out, nil
}

func (s *Store) loadTasks(ctx context.Context, jobIDs []string) (map[string][]core.UrlTask, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT job_id::text, url, state, strategy, attempts, enriched, error_kind, error_message, extraction, analysis, started_at, finished_at
FROM url_tasks
WHERE job_id = ANY($1)
ORDER BY job_id, position`, pq.Array(jobIDs))
	if err != nil {
		return nil, fmt.Errorf("load url tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]core.UrlTask, len(jobIDs))
	for rows.Next() {
		var (
			jobID, state          string
			t                     core.UrlTask
			strategy              sql.NullString
			errKind, errMsg       sql.NullString
			extraction, analysis  []byte
			startedAt, finishedAt sql.NullTime
		)
		if err := rows.Scan(&jobID, &t.URL, &state, &strategy, &t.Attempts, &t.Enriched, &errKind, &errMsg, &extraction, &analysis, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		t.State = core.UrlState(state)
		t.Strategy = core.StrategyKind(strategy.String)
		if errKind.Valid {
			t.Error = &core.TaskError{Kind: core.ErrorKind(errKind.String), Message: errMsg.String}
		}
		if len(extraction) > 0 {
			var ex core.ExtractionResult
			if err := json.Unmarshal(extraction, &ex); err == nil {
				t.Extraction = &ex
			}
		}
		if len(analysis) > 0 {
			var an core.AnalysisResult
			if err := json.Unmarshal(analysis, &an); err == nil {
				t.Analysis = &an
			}
		}
		if startedAt.Valid {
			t.StartedAt = startedAt.Time
		}
		if finishedAt.Valid {
			t.FinishedAt = finishedAt.Time
		}
		out[jobID] = append(out[jobID], t)
	}
	return out, rows.Err()
}

// ClaimIdempotency attempts to register a processed event. It returns false if the key already exists.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	var inserted bool
	err := s.DB.QueryRowContext(ctx, `INSERT INTO idempotency_keys (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`, scope, key).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func taskErrorColumns(e *core.TaskError) (any, any) {
	if e == nil {
		return nil, nil
	}
	return string(e.Kind), e.Message
}

func nullableString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

var (
	_ core.ResultSink = (*Store)(nil)
	_ core.JobArchive = (*Store)(nil)
)
