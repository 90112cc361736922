// Package db is the optional Postgres run archive. Completed runs are
// recorded best-effort through a small async queue; with no database
// configured the service runs without an archive.
package db

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/config"
)

const (
	queueSize    = 64
	pingTimeout  = 5 * time.Second
	saveTimeout  = 10 * time.Second
	drainTimeout = 10 * time.Second
)

// JSONB maps to a Postgres jsonb column.
type JSONB map[string]any

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	raw, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(raw, j)
}

// RunRecord is one archived research run, idempotent by run id.
type RunRecord struct {
	RunID          string    `db:"run_id"`
	ThreadID       string    `db:"thread_id"`
	Query          string    `db:"query"`
	Intent         string    `db:"intent"`
	Status         string    `db:"status"`
	QualityScore   *int      `db:"quality_score"`
	RefinementUsed bool      `db:"refinement_used"`
	QuotaExhausted bool      `db:"quota_exhausted"`
	SubQuestions   int       `db:"sub_questions"`
	SourceCount    int       `db:"source_count"`
	SearchCalls    int       `db:"search_calls"`
	Report         JSONB     `db:"report"`
	Timings        JSONB     `db:"timings"`
	RunErrors      JSONB     `db:"run_errors"`
	StartedAt      time.Time `db:"started_at"`
	CompletedAt    time.Time `db:"completed_at"`
	CreatedAt      time.Time `db:"created_at"`
}

// Archive persists run records. A nil *Archive is a valid no-op handle, so
// callers archive unconditionally whether or not a database is configured.
type Archive struct {
	db     *sqlx.DB
	logger *zap.Logger

	queue  chan RunRecord
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open connects the archive and verifies connectivity. An unconfigured
// database yields a nil archive and no error.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*Archive, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	pool, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open run archive: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	pool.SetMaxOpenConns(maxOpen)
	pool.SetMaxIdleConns(maxIdle)
	pool.SetConnMaxLifetime(lifetime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping run archive: %w", err)
	}

	a := newArchive(pool, logger)
	logger.Info("run archive connected",
		zap.Int("max_open_conns", maxOpen),
		zap.Int("queue_size", queueSize),
	)
	return a, nil
}

func newArchive(pool *sqlx.DB, logger *zap.Logger) *Archive {
	a := &Archive{
		db:     pool,
		logger: logger,
		queue:  make(chan RunRecord, queueSize),
		stopCh: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.worker()
	return a
}

// Enqueue archives a run asynchronously. When the queue is full the write
// happens synchronously rather than being dropped.
func (a *Archive) Enqueue(rec RunRecord) {
	if a == nil {
		return
	}
	select {
	case a.queue <- rec:
	default:
		a.logger.Warn("run archive queue full, writing synchronously",
			zap.String("run_id", rec.RunID))
		a.save(rec)
	}
}

func (a *Archive) worker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopCh:
			a.drain()
			return
		case rec := <-a.queue:
			a.save(rec)
		}
	}
}

func (a *Archive) save(rec RunRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := a.SaveRun(ctx, &rec); err != nil {
		a.logger.Error("failed to archive run",
			zap.String("run_id", rec.RunID),
			zap.String("thread_id", rec.ThreadID),
			zap.Error(err),
		)
	}
}

func (a *Archive) drain() {
	deadline := time.After(drainTimeout)
	for {
		select {
		case rec := <-a.queue:
			a.save(rec)
		case <-deadline:
			a.logger.Warn("timeout draining run archive queue",
				zap.Int("remaining", len(a.queue)))
			return
		default:
			return
		}
	}
}

const upsertRun = `
	INSERT INTO runs (
		run_id, thread_id, query, intent, status,
		quality_score, refinement_used, quota_exhausted,
		sub_questions, source_count, search_calls,
		report, timings, run_errors,
		started_at, completed_at, created_at
	) VALUES (
		:run_id, :thread_id, :query, :intent, :status,
		:quality_score, :refinement_used, :quota_exhausted,
		:sub_questions, :source_count, :search_calls,
		:report, :timings, :run_errors,
		:started_at, :completed_at, :created_at
	)
	ON CONFLICT (run_id) DO UPDATE SET
		status = EXCLUDED.status,
		quality_score = EXCLUDED.quality_score,
		refinement_used = EXCLUDED.refinement_used,
		quota_exhausted = EXCLUDED.quota_exhausted,
		sub_questions = EXCLUDED.sub_questions,
		source_count = EXCLUDED.source_count,
		search_calls = EXCLUDED.search_calls,
		report = EXCLUDED.report,
		timings = CASE
			WHEN EXCLUDED.timings IS NULL OR EXCLUDED.timings = '{}'::jsonb THEN runs.timings
			ELSE EXCLUDED.timings
		END,
		run_errors = EXCLUDED.run_errors,
		completed_at = EXCLUDED.completed_at`

// SaveRun inserts or updates one run record, idempotent by run id.
func (a *Archive) SaveRun(ctx context.Context, rec *RunRecord) error {
	if a == nil {
		return nil
	}
	if rec.RunID == "" {
		rec.RunID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = rec.CreatedAt
	}

	if _, err := a.db.NamedExecContext(ctx, upsertRun, rec); err != nil {
		return fmt.Errorf("save run %s: %w", rec.RunID, err)
	}
	a.logger.Debug("run archived",
		zap.String("run_id", rec.RunID),
		zap.String("thread_id", rec.ThreadID),
		zap.String("status", rec.Status),
	)
	return nil
}

// Ping reports archive connectivity for health checks.
func (a *Archive) Ping(ctx context.Context) error {
	if a == nil {
		return errors.New("run archive not configured")
	}
	return a.db.PingContext(ctx)
}

// Close drains the write queue and closes the pool.
func (a *Archive) Close() error {
	if a == nil {
		return nil
	}
	close(a.stopCh)
	a.wg.Wait()
	return a.db.Close()
}
