package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"litmusrt/internal/config"
	"litmusrt/pkg/litmus/litmustest"
	logx "litmusrt/pkg/logx"
)

type notifications struct {
	mu     sync.Mutex
	states []string
}

func (n *notifications) notify(_ bool, state string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
	return true, nil
}

func (n *notifications) has(prefix string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.states {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "rtctl.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunToCompletion(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `
logging:
  level: warn
task:
  exec_cost: 1ms
  period: 10ms
  threads: 2
  jobs: 3
  hold_time: 20us
lock:
  namespace: `+filepath.Join(dir, ".kfmlp_lock")+`
  id: 1
  k: 2
storage:
  driver: sqlite
  path: `+filepath.Join(dir, "rtctl.db")+`
`)
	k := litmustest.New(litmustest.WithCPUs(2))
	var n notifications
	a, err := New(cfgPath, WithKernel(k), WithNotifier(n.notify))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	select {
	case <-a.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("task threads did not finish")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopJobsDone); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if !n.has("READY=1") || !n.has("STOPPING=1") {
		t.Fatalf("sd_notify states = %v, want READY=1 and STOPPING=1", n.states)
	}
	if k.OpenObjects() != 0 || k.Inited() {
		t.Fatalf("kernel not cleaned up: objects=%d inited=%v", k.OpenObjects(), k.Inited())
	}

	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	st, err := OpenStore(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("OpenStore error: %v", err)
	}
	defer st.Close()
	runs, err := st.Runs(ctx, 0)
	if err != nil || len(runs) != 1 || runs[0].ID != a.RunID() || runs[0].LockK != 2 {
		t.Fatalf("runs = %+v, %v; want one run %s with k=2", runs, err, a.RunID())
	}
	jobs, err := st.Jobs(ctx, a.RunID(), 0)
	if err != nil {
		t.Fatalf("Jobs error: %v", err)
	}
	if len(jobs) != 6 {
		t.Fatalf("stored jobs = %d, want 6", len(jobs))
	}
}

func TestStopCancelsEndlessRun(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `
logging:
  level: error
task:
  exec_cost: 1ms
  period: 10ms
`)
	a, err := New(cfgPath, WithKernel(litmustest.New()), WithNotifier(nil))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSIGTERM); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	// Stop is idempotent.
	if err := a.Stop(ctx, StopSIGTERM); err != nil {
		t.Fatalf("second Stop error: %v", err)
	}
}

func TestDebugListenerServesStatus(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `
logging:
  level: error
task:
  exec_cost: 1ms
  period: 10ms
  threads: 2
pprof:
  enabled: true
  addr: 127.0.0.1:0
`)
	a, err := New(cfgPath, WithKernel(litmustest.New()), WithNotifier(nil))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer a.Stop(ctx, StopSIGTERM)

	deadline := time.Now().Add(5 * time.Second)
	for a.DebugAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("debug listener never came up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + a.DebugAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.RunID != a.RunID() || st.Threads != 2 || st.StartedAt.IsZero() {
		t.Fatalf("status = %+v", st)
	}
}

func TestStartFailsWithoutKernel(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "task: {exec_cost: 1ms, period: 10ms}\nlogging: {level: error}\n")
	k := litmustest.New()
	k.FailNext(litmustest.CallInit, syscall.ENOENT)
	a, err := New(cfgPath, WithKernel(k), WithNotifier(nil))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded without a kernel")
	}
	if err := a.Stop(context.Background(), StopFatalError); err != nil {
		t.Fatalf("Stop after failed Start: %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
		opts []Option
	}{
		{"missing period", "task: {exec_cost: 1ms}\n", nil},
		{"bad log level flag", "task: {exec_cost: 1ms, period: 10ms}\n", []Option{WithLogLevel("loud")}},
		{"sqlite without path", "task: {exec_cost: 1ms, period: 10ms}\nstorage: {driver: sqlite}\n", nil},
	}
	for i, tt := range tests {
		path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".yaml")
		if err := os.WriteFile(path, []byte(tt.body), 0o644); err != nil {
			t.Fatalf("%d: write: %v", i, err)
		}
		if _, err := New(path, append(tt.opts, WithKernel(litmustest.New()))...); err == nil {
			t.Fatalf("%s: New succeeded", tt.name)
		}
	}
}

func TestApplyConfigKeepsLevelOverride(t *testing.T) {
	t.Parallel()
	if got := withLevel(logx.Config{Level: "info"}, "debug").Level; got != "debug" {
		t.Fatalf("level = %q, want debug", got)
	}
	if got := withLevel(logx.Config{Level: "info"}, "").Level; got != "info" {
		t.Fatalf("level = %q, want info", got)
	}
}
