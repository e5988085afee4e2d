package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "litmusrt/pkg/logx"
)

// fileStore is a database-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl (append-only JSON Lines)
//   - <prefix>.jobs.jsonl (append-only JSON Lines)
//
// Reads scan the whole file; malformed lines (e.g. a torn last write) are
// skipped.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsFile *os.File
	jobsFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	rf, err := os.OpenFile(prefix+".runs.jsonl", os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(prefix+".jobs.jsonl", os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}
	return &fileStore{log: log, runsFile: rf, jobsFile: jf}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.runsFile != nil {
		err1 = s.runsFile.Close()
		s.runsFile = nil
	}
	if s.jobsFile != nil {
		err2 = s.jobsFile.Close()
		s.jobsFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) AppendRun(ctx context.Context, r RunEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runsFile).Encode(r)
}

func (s *fileStore) AppendJob(ctx context.Context, j JobEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.jobsFile).Encode(j)
}

func (s *fileStore) Runs(ctx context.Context, limit int) ([]RunEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil, ErrClosed
	}
	var out []RunEntry
	err := scanJSONL(ctx, s.runsFile, func(r RunEntry) bool {
		out = append(out, r)
		return true
	}, s.log)
	return tail(out, limit), err
}

func (s *fileStore) Jobs(ctx context.Context, runID string, limit int) ([]JobEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsFile == nil {
		return nil, ErrClosed
	}
	var out []JobEntry
	err := scanJSONL(ctx, s.jobsFile, func(j JobEntry) bool {
		if runID == "" || j.RunID == runID {
			out = append(out, j)
		}
		return true
	}, s.log)
	return tail(out, limit), err
}

// scanJSONL decodes every line of f from the start. Appends are unaffected:
// O_APPEND writes always go to the end regardless of the read offset.
func scanJSONL[T any](ctx context.Context, f *os.File, fn func(T) bool, log logx.Logger) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if line%1024 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			log.Debug("skipping malformed record", logx.String("file", f.Name()), logx.Int("line", line), logx.Err(err))
			continue
		}
		if !fn(v) {
			break
		}
	}
	return sc.Err()
}
