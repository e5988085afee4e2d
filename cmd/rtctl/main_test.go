package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"litmusrt/internal/config"
	"litmusrt/internal/storage"
	"litmusrt/pkg/litmus"
	"litmusrt/pkg/litmus/litmustest"
	logx "litmusrt/pkg/logx"
	"litmusrt/pkg/systemdmanager"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func useKernel(t *testing.T, k litmus.Kernel) {
	t.Helper()
	prev := newKernel
	newKernel = func(*config.Config) litmus.Kernel { return k }
	t.Cleanup(func() { newKernel = prev })
}

func TestProtocolsCommand(t *testing.T) {
	out, err := execute(t, "protocols")
	if err != nil {
		t.Fatalf("protocols error: %v", err)
	}
	for _, want := range []string{"ID", "FMLP", "MPCP-VS", "KFMLP"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "protocols", "kfmlp", "4")
	if err != nil {
		t.Fatalf("protocols lookup error: %v", err)
	}
	if !strings.Contains(out, "7") || !strings.Contains(out, "KFMLP") || !strings.Contains(out, "DPCP") {
		t.Fatalf("unexpected lookup output:\n%s", out)
	}

	if _, err := execute(t, "protocols", "nope"); err == nil {
		t.Fatal("unknown protocol name accepted")
	}
	if _, err := execute(t, "protocols", "99"); err == nil {
		t.Fatal("unknown protocol id accepted")
	}
}

func TestReleaseCommand(t *testing.T) {
	k := litmustest.New()
	useKernel(t, k)
	c := litmus.New(k)
	if err := c.Init(); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	defer c.Exit()

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			th := c.Attach()
			defer th.Detach()
			if err := th.SetParams(litmus.NewTaskParams(time.Millisecond, 10*time.Millisecond)); err != nil {
				done <- err
				return
			}
			if err := th.SetTaskMode(true); err != nil {
				done <- err
				return
			}
			done <- th.WaitForTSRelease()
		}()
	}

	out, err := execute(t, "release", "-n", "2", "--delay", "1ms", "--poll-rate", "200", "--timeout", "5s")
	if err != nil {
		t.Fatalf("release error: %v", err)
	}
	if !strings.Contains(out, "released 2 task(s)") {
		t.Fatalf("unexpected output: %s", out)
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("waiter error: %v", err)
		}
	}

	if _, err := execute(t, "release", "--schedule", "bogus schedule!"); err == nil {
		t.Fatal("bad schedule accepted")
	}
}

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "rtctl.db")
	cfgPath := filepath.Join(dir, "rtctl.yaml")
	body := "storage:\n  driver: sqlite\n  path: " + dbPath + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: dbPath}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open error: %v", err)
	}
	ctx := context.Background()
	run := storage.RunEntry{ID: "0f8fad5b-d9cb-469f-a165-70867728950e", StartedAt: time.Now(), Threads: 1, ExecCost: time.Millisecond, Period: 10 * time.Millisecond, Class: "soft", LockProtocol: "KFMLP", LockK: 2}
	if err := st.AppendRun(ctx, run); err != nil {
		t.Fatalf("AppendRun error: %v", err)
	}
	for job := uint32(1); job <= 3; job++ {
		j := storage.JobEntry{RunID: run.ID, TID: 1001, Job: job, At: time.Now(), Slot: int(job % 2), Hold: 300 * time.Microsecond}
		if job == 3 {
			j.Slot = -1
			j.Error = "litmus_lock failed"
		}
		if err := st.AppendJob(ctx, j); err != nil {
			t.Fatalf("AppendJob error: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	out, err := execute(t, "--config", cfgPath, "history")
	if err != nil {
		t.Fatalf("history error: %v", err)
	}
	for _, want := range []string{"0f8fad5b", "1001", "litmus_lock failed", "3 job(s), 1 failed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("history output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "--config", cfgPath, "history", "--runs")
	if err != nil {
		t.Fatalf("history --runs error: %v", err)
	}
	if !strings.Contains(out, run.ID) || !strings.Contains(out, "KFMLP k=2") {
		t.Fatalf("runs output:\n%s", out)
	}
}

func TestHistoryWithoutStorage(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "rtctl.yaml")
	if err := os.WriteFile(cfgPath, []byte("logging: {level: error}\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := execute(t, "--config", cfgPath, "history"); err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Fatalf("history err = %v, want storage disabled", err)
	}
}

func TestClockCommand(t *testing.T) {
	useKernel(t, litmustest.New())
	out, err := execute(t, "clock")
	if err != nil {
		t.Fatalf("clock error: %v", err)
	}
	if !strings.Contains(out, "clock:") || !strings.Contains(out, "release waiters: 0") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestMissingExplicitConfig(t *testing.T) {
	if _, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "clock"); err == nil {
		t.Fatal("missing explicit config accepted")
	}
}

type fakeUnits struct {
	status systemdmanager.UnitStatus
	calls  []string
	failOn string
	closed bool
}

func (f *fakeUnits) Status(_ context.Context, unit string) (*systemdmanager.UnitStatus, error) {
	f.calls = append(f.calls, "status "+unit)
	st := f.status
	st.Name = systemdmanager.UnitName(unit)
	return &st, nil
}

func (f *fakeUnits) do(action, unit string) error {
	f.calls = append(f.calls, action+" "+unit)
	if action == f.failOn {
		return errors.New(action + " " + unit + ": job failed")
	}
	return nil
}

func (f *fakeUnits) Start(_ context.Context, unit string) error   { return f.do("start", unit) }
func (f *fakeUnits) Stop(_ context.Context, unit string) error    { return f.do("stop", unit) }
func (f *fakeUnits) Restart(_ context.Context, unit string) error { return f.do("restart", unit) }
func (f *fakeUnits) Close() error                                 { f.closed = true; return nil }

func TestUnitCommand(t *testing.T) {
	fake := &fakeUnits{status: systemdmanager.UnitStatus{
		Active:      "active",
		SubState:    "running",
		LoadState:   "loaded",
		MainPID:     321,
		Memory:      3 << 20,
		ActiveSince: time.Now().Add(-time.Hour),
	}}
	prev := newUnitController
	newUnitController = func(context.Context) (unitController, error) { return fake, nil }
	t.Cleanup(func() { newUnitController = prev })

	out, err := execute(t, "unit", "status")
	if err != nil {
		t.Fatalf("unit status error: %v", err)
	}
	for _, want := range []string{"rtctl.service: active (running)", "pid: 321", "memory: 3.0 MiB"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "unit", "restart", "--unit", "rtctl-bench")
	if err != nil {
		t.Fatalf("unit restart error: %v", err)
	}
	if !strings.Contains(out, "rtctl-bench.service: restart done") {
		t.Fatalf("unexpected restart output: %s", out)
	}

	fake.failOn = "stop"
	if _, err := execute(t, "unit", "stop"); err == nil {
		t.Fatal("failed stop job reported success")
	}
	if !fake.closed {
		t.Fatal("unit controller not closed")
	}
	want := "status rtctl.service,restart rtctl-bench,stop rtctl.service"
	if got := strings.Join(fake.calls, ","); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
}
