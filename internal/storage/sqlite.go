package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	logx "litmusrt/pkg/logx"
)

// schemaVersion is stored in PRAGMA user_version. Bump it together with
// migrations.sql.
const schemaVersion = 2

const defaultBusyTimeout = 5 * time.Second

//go:embed migrations.sql
var schemaSQL string

const (
	insertRunSQL = `INSERT INTO runs(id, started_at_ns, threads, exec_cost_ns, period_ns, relative_deadline, class, lock_protocol, lock_k)
VALUES(?,?,?,?,?,?,?,?,?)`
	insertJobSQL = `INSERT INTO jobs(run_id, tid, job, at_ns, release, deadline, slot, hold_ns, err)
VALUES(?,?,?,?,?,?,?,?,?)`
	selectRunsSQL = `SELECT id, started_at_ns, threads, exec_cost_ns, period_ns, relative_deadline, class, lock_protocol, lock_k
FROM (SELECT * FROM runs ORDER BY seq DESC LIMIT ?) ORDER BY seq`
	selectJobsSQL = `SELECT run_id, tid, job, at_ns, release, deadline, slot, hold_ns, err
FROM (SELECT * FROM jobs WHERE ?1 = '' OR run_id = ?1 ORDER BY seq DESC LIMIT ?2) ORDER BY seq`
)

type sqliteStore struct {
	log logx.Logger

	mu        sync.RWMutex
	db        *sql.DB
	insertRun *sql.Stmt
	insertJob *sql.Stmt
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps per-connection pragmas in effect.
	db.SetMaxOpenConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.init(context.Background(), cfg.BusyTimeout); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("sqlite %s: %w", path, err)
	}
	return st, nil
}

func (s *sqliteStore) init(ctx context.Context, busy time.Duration) error {
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	switch {
	case version == schemaVersion:
	case version == 0:
		if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return err
		}
		s.log.Debug("sqlite schema created", logx.Int("version", schemaVersion))
	default:
		return fmt.Errorf("unsupported schema version %d (want %d)", version, schemaVersion)
	}

	var err error
	if s.insertRun, err = s.db.PrepareContext(ctx, insertRunSQL); err != nil {
		return err
	}
	s.insertJob, err = s.db.PrepareContext(ctx, insertJobSQL)
	return err
}

// conn returns the open handle, or ErrClosed.
func (s *sqliteStore) conn() (*sql.DB, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

func (s *sqliteStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	for _, st := range []*sql.Stmt{s.insertRun, s.insertJob} {
		if st != nil {
			_ = st.Close()
		}
	}
	err := s.db.Close()
	s.db, s.insertRun, s.insertJob = nil, nil, nil
	return err
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunEntry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.conn(); err != nil {
		return err
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.insertRun.ExecContext(ctx,
		r.ID, r.StartedAt.UnixNano(), r.Threads, int64(r.ExecCost), int64(r.Period),
		int64(r.RelativeDeadline), r.Class, optional(r.LockProtocol), r.LockK,
	)
	return err
}

func (s *sqliteStore) AppendJob(ctx context.Context, j JobEntry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.conn(); err != nil {
		return err
	}
	if j.At.IsZero() {
		j.At = time.Now()
	}
	_, err := s.insertJob.ExecContext(ctx,
		j.RunID, j.TID, int64(j.Job), j.At.UnixNano(), int64(j.Release), int64(j.Deadline),
		j.Slot, int64(j.Hold), optional(j.Error),
	)
	return err
}

func (s *sqliteStore) Runs(ctx context.Context, limit int) ([]RunEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, selectRunsSQL, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	return collect(rows, func(rows *sql.Rows) (RunEntry, error) {
		var (
			r                             RunEntry
			at, execCost, period, relDead int64
			lockProto                     sql.NullString
		)
		err := rows.Scan(&r.ID, &at, &r.Threads, &execCost, &period, &relDead, &r.Class, &lockProto, &r.LockK)
		r.StartedAt = time.Unix(0, at)
		r.ExecCost = time.Duration(execCost)
		r.Period = time.Duration(period)
		r.RelativeDeadline = time.Duration(relDead)
		r.LockProtocol = lockProto.String
		return r, err
	})
}

func (s *sqliteStore) Jobs(ctx context.Context, runID string, limit int) ([]JobEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, selectJobsSQL, runID, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	return collect(rows, func(rows *sql.Rows) (JobEntry, error) {
		var (
			j                              JobEntry
			job, at, release, deadline, ns int64
			msg                            sql.NullString
		)
		err := rows.Scan(&j.RunID, &j.TID, &job, &at, &release, &deadline, &j.Slot, &ns, &msg)
		j.Job = uint32(job)
		j.At = time.Unix(0, at)
		j.Release = uint64(release)
		j.Deadline = uint64(deadline)
		j.Hold = time.Duration(ns)
		j.Error = msg.String
		return j, err
	})
}

func collect[T any](rows *sql.Rows, scan func(*sql.Rows) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func optional(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
