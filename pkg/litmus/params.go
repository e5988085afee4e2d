package litmus

import (
	"fmt"
	"strings"
	"time"
)

// Priority bounds for fixed-priority plugins. Lower values are higher priority.
// DefaultPriority leaves the choice to NewTaskParams' default, LowestPriority.
const (
	DefaultPriority = 0
	MaxPriority     = 512
	HighestPriority = 1
	LowestPriority  = MaxPriority - 1
)

// Class is the task's real-time class. The zero value ClassDefault selects
// ClassSoft.
type Class uint32

const (
	ClassDefault Class = iota
	ClassHard
	ClassSoft
	ClassBestEffort
)

// Wire values of struct rt_task's cls field.
const (
	RTClassHard uint32 = iota
	RTClassSoft
	RTClassBestEffort
)

func (c Class) orDefault() Class {
	if c == ClassDefault {
		return ClassSoft
	}
	return c
}

func (c Class) wire() uint32 {
	switch c.orDefault() {
	case ClassHard:
		return RTClassHard
	case ClassSoft:
		return RTClassSoft
	case ClassBestEffort:
		return RTClassBestEffort
	}
	// Unknown classes pass through shifted so the kernel rejects them.
	return uint32(c) - 1
}

func classFromWire(v uint32) Class { return Class(v + 1) }

func (c Class) String() string {
	switch c {
	case ClassDefault:
		return "default"
	case ClassHard:
		return "hard"
	case ClassSoft:
		return "soft"
	case ClassBestEffort:
		return "best-effort"
	default:
		return fmt.Sprintf("class(%d)", uint32(c))
	}
}

// ParseClass accepts "hard", "soft" or "best-effort" (case-insensitive).
func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hard":
		return ClassHard, nil
	case "soft", "":
		return ClassSoft, nil
	case "best-effort", "best_effort", "besteffort":
		return ClassBestEffort, nil
	case "default":
		return ClassDefault, nil
	}
	return 0, fmt.Errorf("unknown task class %q", s)
}

// BudgetPolicy is what the kernel does when a job overruns its exec cost.
type BudgetPolicy uint32

const (
	NoEnforcement BudgetPolicy = iota
	QuantumEnforcement
	PreciseEnforcement
	// PreciseSignals delivers a signal on overrun instead of throttling.
	PreciseSignals
)

func (b BudgetPolicy) String() string {
	switch b {
	case NoEnforcement:
		return "none"
	case QuantumEnforcement:
		return "quantum"
	case PreciseEnforcement:
		return "precise"
	case PreciseSignals:
		return "signals"
	default:
		return fmt.Sprintf("budget(%d)", uint32(b))
	}
}

func ParseBudgetPolicy(s string) (BudgetPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return NoEnforcement, nil
	case "quantum":
		return QuantumEnforcement, nil
	case "precise":
		return PreciseEnforcement, nil
	case "signals", "signal":
		return PreciseSignals, nil
	}
	return 0, fmt.Errorf("unknown budget policy %q", s)
}

// ReleasePolicy controls how job releases are triggered.
type ReleasePolicy uint32

const (
	Sporadic ReleasePolicy = iota
	Periodic
	Early
)

func (r ReleasePolicy) String() string {
	switch r {
	case Sporadic:
		return "sporadic"
	case Periodic:
		return "periodic"
	case Early:
		return "early"
	default:
		return fmt.Sprintf("release(%d)", uint32(r))
	}
}

func ParseReleasePolicy(s string) (ReleasePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sporadic", "":
		return Sporadic, nil
	case "periodic":
		return Periodic, nil
	case "early":
		return Early, nil
	}
	return 0, fmt.Errorf("unknown release policy %q", s)
}

// TaskParams is the real-time parameter block of one thread.
//
// ExecCost and Period are required and must be nonzero. Every other field
// may be left at its zero value, which stands for its default:
//   - RelativeDeadline, Phase: 0
//   - CPU: 0
//   - Priority: DefaultPriority, submitted as LowestPriority
//   - Class: ClassDefault, submitted as ClassSoft
//   - BudgetPolicy: NoEnforcement
//   - ReleasePolicy: Sporadic
//
// A literal and NewTaskParams with the same required fields submit the same
// block. Params always reports resolved values.
type TaskParams struct {
	ExecCost         time.Duration
	Period           time.Duration
	RelativeDeadline time.Duration
	Phase            time.Duration
	CPU              uint32
	Priority         uint32
	Class            Class
	BudgetPolicy     BudgetPolicy
	ReleasePolicy    ReleasePolicy
}

// ParamOption overrides one optional field of a TaskParams.
type ParamOption func(*TaskParams)

func WithRelativeDeadline(d time.Duration) ParamOption {
	return func(p *TaskParams) { p.RelativeDeadline = d }
}

func WithPhase(d time.Duration) ParamOption {
	return func(p *TaskParams) { p.Phase = d }
}

func WithCPU(cpu uint32) ParamOption {
	return func(p *TaskParams) { p.CPU = cpu }
}

// WithPriority sets a fixed priority in [HighestPriority, LowestPriority].
// DefaultPriority keeps the default.
func WithPriority(prio uint32) ParamOption {
	return func(p *TaskParams) { p.Priority = prio }
}

func WithClass(c Class) ParamOption {
	return func(p *TaskParams) { p.Class = c }
}

func WithBudgetPolicy(b BudgetPolicy) ParamOption {
	return func(p *TaskParams) { p.BudgetPolicy = b }
}

func WithReleasePolicy(r ReleasePolicy) ParamOption {
	return func(p *TaskParams) { p.ReleasePolicy = r }
}

// NewTaskParams returns the default block with the two required fields set,
// then applies opts in order.
func NewTaskParams(execCost, period time.Duration, opts ...ParamOption) TaskParams {
	p := TaskParams{
		ExecCost:      execCost,
		Period:        period,
		Priority:      LowestPriority,
		Class:         ClassSoft,
		BudgetPolicy:  NoEnforcement,
		ReleasePolicy: Sporadic,
	}
	for _, o := range opts {
		if o != nil {
			o(&p)
		}
	}
	return p
}

// WithDefaults returns p with every field left at its default sentinel
// replaced by the value submitted for it.
func (p TaskParams) WithDefaults() TaskParams {
	if p.Priority == DefaultPriority {
		p.Priority = LowestPriority
	}
	p.Class = p.Class.orDefault()
	return p
}

// Validate checks the local contract. It never talks to the kernel.
func (p TaskParams) Validate() error {
	if p.ExecCost <= 0 || p.Period <= 0 {
		return fmt.Errorf("exec_cost and period must be provided and nonzero (exec_cost=%s period=%s)", p.ExecCost, p.Period)
	}
	if p.RelativeDeadline < 0 || p.Phase < 0 {
		return fmt.Errorf("relative_deadline and phase must be >= 0")
	}
	if p.Priority > LowestPriority {
		return fmt.Errorf("priority %d out of range [%d,%d]", p.Priority, HighestPriority, LowestPriority)
	}
	return nil
}

// RTTask is the kernel's struct rt_task. Field order and widths are ABI.
type RTTask struct {
	ExecCost         uint64
	Period           uint64
	RelativeDeadline uint64
	Phase            uint64
	CPU              uint32
	Priority         uint32
	Class            uint32
	BudgetPolicy     uint32
	ReleasePolicy    uint32
	_                uint32
}

func (p TaskParams) raw() RTTask {
	p = p.WithDefaults()
	return RTTask{
		ExecCost:         uint64(p.ExecCost),
		Period:           uint64(p.Period),
		RelativeDeadline: uint64(p.RelativeDeadline),
		Phase:            uint64(p.Phase),
		CPU:              p.CPU,
		Priority:         p.Priority,
		Class:            p.Class.wire(),
		BudgetPolicy:     uint32(p.BudgetPolicy),
		ReleasePolicy:    uint32(p.ReleasePolicy),
	}
}

func paramsFromRaw(r RTTask) TaskParams {
	return TaskParams{
		ExecCost:         time.Duration(r.ExecCost),
		Period:           time.Duration(r.Period),
		RelativeDeadline: time.Duration(r.RelativeDeadline),
		Phase:            time.Duration(r.Phase),
		CPU:              r.CPU,
		Priority:         r.Priority,
		Class:            classFromWire(r.Class),
		BudgetPolicy:     BudgetPolicy(r.BudgetPolicy),
		ReleasePolicy:    ReleasePolicy(r.ReleasePolicy),
	}
}
