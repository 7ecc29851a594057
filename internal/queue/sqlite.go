package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "relaybot/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	key          TEXT NOT NULL DEFAULT '',
	payload      BLOB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	available_at INTEGER NOT NULL,
	lease_until  INTEGER,
	created_at   INTEGER NOT NULL,
	finished_at  INTEGER,
	last_error   TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, available_at);
`

// sqliteQueue is a single-process durable queue. Claiming uses short leases
// (lease_until) so jobs survive a crash mid-execution: expired leases are
// returned to pending, which is where the at-least-once caveat comes from.
type sqliteQueue struct {
	db     *sql.DB
	cfg    Config
	log    logx.Logger
	locks  *keyLocks
	closed atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger) (Queue, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("queue.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue migrate: %w", err)
	}

	return &sqliteQueue{db: db, cfg: cfg, log: log, locks: newKeyLocks()}, nil
}

func (q *sqliteQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	q.closed.Store(true)
	return q.db.Close()
}

func (q *sqliteQueue) Enqueue(ctx context.Context, jobType, key string, payload []byte) (string, error) {
	if q.closed.Load() {
		return "", ErrClosed
	}
	id := uuid.NewString()
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO jobs(id, type, key, payload, status, available_at, created_at)
		 VALUES(?,?,?,?,'pending',?,?)`,
		id, jobType, key, payload, now, now,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (q *sqliteQueue) Run(ctx context.Context, handlers map[string]Handler) error {
	done := make(chan struct{})
	for i := 0; i < q.cfg.Workers; i++ {
		go q.worker(ctx, handlers, done)
	}
	<-ctx.Done()
	close(done)
	return ctx.Err()
}

func (q *sqliteQueue) worker(ctx context.Context, handlers map[string]Handler, done <-chan struct{}) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		}

		// Drain everything claimable before going back to sleep.
		for {
			job, ok := q.claim(ctx)
			if !ok {
				break
			}
			q.execute(ctx, handlers, job)
		}
	}
}

// claim picks the oldest ready job whose key is not in flight, marks it
// running and leases it. Expired leases are recovered first.
func (q *sqliteQueue) claim(ctx context.Context) (Job, bool) {
	now := time.Now().UnixMilli()

	// Crash recovery: running jobs whose lease expired go back to pending.
	_, _ = q.db.ExecContext(ctx,
		`UPDATE jobs SET status='pending', lease_until=NULL WHERE status='running' AND lease_until < ?`, now)

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, type, key, payload, attempts FROM jobs
		 WHERE status='pending' AND available_at <= ?
		 ORDER BY created_at, id LIMIT 16`, now)
	if err != nil {
		if ctx.Err() == nil {
			q.log.Warn("queue claim query failed", logx.Err(err))
		}
		return Job{}, false
	}
	candidates := make([]Job, 0, 16)
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Type, &j.Key, &j.Payload, &j.Attempt); err != nil {
			continue
		}
		candidates = append(candidates, j)
	}
	_ = rows.Close()

	for _, j := range candidates {
		if !q.locks.tryAcquire(j.Key) {
			continue
		}
		lease := time.Now().Add(q.cfg.LeaseTimeout).UnixMilli()
		res, err := q.db.ExecContext(ctx,
			`UPDATE jobs SET status='running', attempts=attempts+1, lease_until=?
			 WHERE id=? AND status='pending'`, lease, j.ID)
		if err != nil {
			q.locks.release(j.Key)
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Another worker claimed it between SELECT and UPDATE.
			q.locks.release(j.Key)
			continue
		}
		j.Attempt++
		return j, true
	}
	return Job{}, false
}

func (q *sqliteQueue) execute(ctx context.Context, handlers map[string]Handler, job Job) {
	defer q.locks.release(job.Key)

	h := handlers[job.Type]
	if h == nil {
		q.log.Error("no handler registered for job type", logx.String("type", job.Type), logx.String("id", job.ID))
		q.finish(job.ID, "failed", "no handler for type "+job.Type)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, q.cfg.LeaseTimeout)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				q.log.Error("job handler panicked", logx.String("type", job.Type), logx.String("id", job.ID), logx.Any("panic", r))
			}
		}()
		return h(runCtx, job)
	}()
	cancel()

	if err == nil {
		q.finish(job.ID, "done", "")
		return
	}

	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		// Shutdown interrupted the handler; that is not a verdict on the job.
		// Put it back with the attempt refunded so the next run picks it up.
		_, uerr := q.db.Exec(
			`UPDATE jobs SET status='pending', lease_until=NULL, attempts=attempts-1 WHERE id=?`, job.ID)
		if uerr != nil {
			q.log.Error("queue requeue update failed", logx.String("id", job.ID), logx.Err(uerr))
		}
		return
	}

	if job.Attempt <= q.cfg.RetryMax {
		// Queue-level redelivery with a flat delay; fine-grained backoff
		// belongs to the handler.
		next := time.Now().Add(time.Duration(job.Attempt) * 5 * time.Second).UnixMilli()
		_, uerr := q.db.Exec(
			`UPDATE jobs SET status='pending', lease_until=NULL, available_at=?, last_error=? WHERE id=?`,
			next, err.Error(), job.ID)
		if uerr != nil {
			q.log.Error("queue redeliver update failed", logx.String("id", job.ID), logx.Err(uerr))
		}
		return
	}

	q.log.Warn("job failed", logx.String("type", job.Type), logx.String("id", job.ID), logx.Int("attempt", job.Attempt), logx.Err(err))
	q.finish(job.ID, "failed", err.Error())
}

func (q *sqliteQueue) finish(id, status, lastErr string) {
	now := time.Now().UnixMilli()
	var errVal any
	if lastErr != "" {
		errVal = lastErr
	}
	_, err := q.db.Exec(
		`UPDATE jobs SET status=?, lease_until=NULL, finished_at=?, last_error=? WHERE id=?`,
		status, now, errVal, id)
	if err != nil {
		q.log.Error("queue finish update failed", logx.String("id", id), logx.Err(err))
	}
}

func (q *sqliteQueue) Prune(ctx context.Context) error {
	cutoff := time.Now().Add(-q.cfg.Retention).UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ('done','failed') AND finished_at < ?`, cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.log.Debug("pruned finished jobs", logx.Int64("count", n))
	}
	return nil
}
