package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Kernel  KernelConfig  `json:"kernel"`
	Task    TaskConfig    `json:"task"`

	// Lock is taken once per job when present. Omit it to run jobs without
	// a lock.
	Lock *LockConfig `json:"lock,omitempty"`

	Release ReleaseConfig  `json:"release"`
	Storage *StorageConfig `json:"storage,omitempty"`

	// Pprof enables the debug listener (profiles, /healthz, /status).
	Pprof *PprofConfig `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	Async   bool           `json:"async,omitempty"` // non-blocking console/file output
	File    LoggingFile    `json:"file"`
	Journal LoggingJournal `json:"journal"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingJournal struct {
	Enabled    bool   `json:"enabled"`
	Identifier string `json:"identifier,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// KernelConfig locates the LITMUS^RT interfaces. Zero values select the
// library defaults.
type KernelConfig struct {
	SyscallBase   int    `json:"syscall_base,omitempty"`
	ControlDevice string `json:"control_device,omitempty"`
	ProcDir       string `json:"proc_dir,omitempty"`
}

// TaskConfig describes the periodic task run by `rtctl run`.
//
// Durations are Go duration strings (e.g. "1ms", "10ms"). exec_cost and
// period are required.
//
// Defaults (when fields are omitted/zero):
//   - relative_deadline, phase: "0s" (implicit deadline, no offset)
//   - cpu: 0
//   - priority: lowest
//   - class: "soft"
//   - budget_policy: "none"
//   - release_policy: "sporadic"
//   - threads: 1
//   - jobs: 0 (run until stopped)
//   - hold_time: random below 75% of exec_cost
type TaskConfig struct {
	ExecCost         string `json:"exec_cost"`
	Period           string `json:"period"`
	RelativeDeadline string `json:"relative_deadline,omitempty"`
	Phase            string `json:"phase,omitempty"`

	CPU           uint32 `json:"cpu,omitempty"`
	Priority      uint32 `json:"priority,omitempty"`
	Class         string `json:"class,omitempty"`
	BudgetPolicy  string `json:"budget_policy,omitempty"`
	ReleasePolicy string `json:"release_policy,omitempty"`

	Threads int `json:"threads,omitempty"`
	Jobs    int `json:"jobs,omitempty"`

	// WaitForRelease blocks every thread until the task system is released
	// (see `rtctl release`).
	WaitForRelease bool `json:"wait_for_release,omitempty"`

	// HoldTime is how long each job keeps the lock.
	HoldTime string `json:"hold_time,omitempty"`
}

// LockConfig names the lock taken by every job.
//
// Example:
//
//	"lock": { "protocol": "KFMLP", "namespace": ".kfmlp_lock", "id": 1, "k": 3 }
type LockConfig struct {
	Protocol  string `json:"protocol,omitempty"` // default: "KFMLP"
	Namespace string `json:"namespace,omitempty"`
	ID        int    `json:"id"`
	K         int    `json:"k,omitempty"` // default: 1
}

// ReleaseConfig controls the task-system release coordinator.
//
// Schedule is either a Go duration ("500ms", "interval:2s") released at the
// next multiple, or a cron expression ("cron:*/1 * * * *").
type ReleaseConfig struct {
	Waiters  int    `json:"waiters,omitempty"`
	Delay    string `json:"delay,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	PollRate int    `json:"poll_rate,omitempty"` // waiter checks per second, default 10
	Timeout  string `json:"timeout,omitempty"`   // "0s": wait forever
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./rtctl.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PprofConfig controls the debug HTTP listener of `rtctl run`.
//
// Security: keep the default loopback addr, or set token (or allow_insecure)
// for any other bind.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: 127.0.0.1:6060
	Prefix        string `json:"prefix,omitempty"` // default: /debug/pprof/
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
