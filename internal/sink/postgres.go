package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlgate/crawlgate/internal/config"
	errs "github.com/crawlgate/crawlgate/internal/errors"
	"github.com/crawlgate/crawlgate/internal/logging"
)

const defaultPGBatch = 64

// Postgres writes results to a single table, buffering them and
// inserting in batches. Re-delivered results are absorbed by the
// task_id primary key (ON CONFLICT DO NOTHING), so replays after a
// partial flush are safe.
type Postgres struct {
	mu        sync.Mutex
	buf       []Result
	closed    bool
	pool      *pgxpool.Pool
	insert    string
	batchSize int
	logger    *logging.Logger
}

// NewPostgres connects to the database in cfg, creates the results
// table when missing, and returns a sink flushing every
// cfg.BatchSize results.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig, logger *logging.Logger) (*Postgres, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errs.Wrap(err, "parse postgres dsn")
	}
	if cfg.ViaBouncer {
		// Transaction-pooling proxies cannot track prepared statements.
		pc.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errs.Wrap(err, "connect postgres")
	}

	table := cfg.Table
	if table == "" {
		table = "crawl_results"
	}
	quoted := pgx.Identifier{table}.Sanitize()

	if _, err := pool.Exec(ctx, schemaSQL(quoted)); err != nil {
		pool.Close()
		return nil, errs.Wrap(err, "ensure results table")
	}

	batch := cfg.BatchSize
	if batch < 1 {
		batch = defaultPGBatch
	}

	return &Postgres{
		pool:      pool,
		insert:    insertSQL(quoted),
		batchSize: batch,
		logger:    logger.WithComponent("sink"),
	}, nil
}

func schemaSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		task_id      TEXT PRIMARY KEY,
		domain       TEXT NOT NULL,
		payload      TEXT NOT NULL,
		status       TEXT NOT NULL,
		category     TEXT,
		error        TEXT,
		data         TEXT,
		attempts     INT NOT NULL,
		attempt_log  JSONB,
		submitted_at TIMESTAMPTZ,
		resolved_at  TIMESTAMPTZ
	)`, table)
}

func insertSQL(table string) string {
	return fmt.Sprintf(`INSERT INTO %s
		(task_id, domain, payload, status, category, error, data,
		 attempts, attempt_log, submitted_at, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (task_id) DO NOTHING`, table)
}

// OnResult buffers the result, flushing once the batch size is
// reached.
func (p *Postgres) OnResult(ctx context.Context, r Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errSinkClosed
	}
	p.buf = append(p.buf, r)
	if len(p.buf) < p.batchSize {
		return nil
	}
	return p.flushLocked(ctx)
}

// Flush writes any buffered results immediately.
func (p *Postgres) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errSinkClosed
	}
	return p.flushLocked(ctx)
}

func (p *Postgres) flushLocked(ctx context.Context) error {
	if len(p.buf) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, r := range p.buf {
		log, err := json.Marshal(r.Attempts)
		if err != nil {
			return errs.Wrap(err, "encode attempt log")
		}
		b.Queue(p.insert,
			r.TaskID, r.Domain, r.Payload, string(r.Status), r.Category, r.Error,
			r.Data, len(r.Attempts), log, r.SubmittedAt, r.ResolvedAt,
		)
	}

	br := p.pool.SendBatch(ctx, b)
	inserted := 0
	for range len(p.buf) {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return errs.Wrap(err, "insert results")
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return errs.Wrap(err, "close batch")
	}

	p.logger.Debug("results flushed",
		"count", len(p.buf),
		"inserted", inserted)
	p.buf = p.buf[:0]
	return nil
}

// Close flushes the remaining buffer and releases the connection
// pool.
func (p *Postgres) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	err := p.flushLocked(ctx)
	p.pool.Close()
	return err
}
