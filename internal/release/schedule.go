package release

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind describes how a release schedule was written.
type ScheduleKind int

const (
	ScheduleCron ScheduleKind = iota
	ScheduleInterval
)

func (k ScheduleKind) String() string {
	if k == ScheduleInterval {
		return "interval"
	}
	return "cron"
}

// Schedule picks the wall-clock instant of a task-system release.
//
// Supported forms:
//   - Cron: "*/5 * * * * *" (optional seconds field), "@hourly", "@every 30s"
//   - Interval duration: "500ms", "2s"; released at the next multiple
//   - Interval MM:SS: "01:30" (one and a half minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Schedule struct {
	Kind   ScheduleKind
	Expr   string
	Every  time.Duration
	Source string // "cron" | "duration" | "mmss"

	sched cron.Schedule
}

var (
	reMMSS = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule parses a schedule string into a cron or interval schedule.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	}
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			d, src, err := parseInterval(s[len(p):])
			if err != nil {
				return Schedule{}, err
			}
			return intervalSchedule(d, src), nil
		}
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if d, src, err := parseInterval(s); err == nil {
		return intervalSchedule(d, src), nil
	}
	return Schedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * * *', MM:SS like '01:30', or duration like '2s')",
		raw,
	)
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron schedule required after 'cron:'")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return Schedule{Kind: ScheduleCron, Expr: expr, Source: "cron", sched: sched}, nil
}

func intervalSchedule(d time.Duration, src string) Schedule {
	return Schedule{Kind: ScheduleInterval, Every: d, Expr: d.String(), Source: src}
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if m := reMMSS.FindStringSubmatch(v); m != nil {
		var mm int
		for i := 0; i < len(m[1]); i++ {
			mm = mm*10 + int(m[1][i]-'0')
		}
		ss := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
		if ss > 59 {
			return 0, "", fmt.Errorf("invalid seconds in %q", v)
		}
		d := time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second
		if d <= 0 {
			return 0, "", fmt.Errorf("interval must be > 0")
		}
		return d, "mmss", nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use MM:SS or Go duration like '2s')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

// Next returns the first release instant strictly after now. Intervals are
// aligned to multiples of Every since the Unix epoch, so separate processes
// using the same interval agree on the instant.
func (s Schedule) Next(now time.Time) time.Time {
	switch s.Kind {
	case ScheduleInterval:
		if s.Every <= 0 {
			return time.Time{}
		}
		every := int64(s.Every)
		return time.Unix(0, (now.UnixNano()/every+1)*every).In(now.Location())
	default:
		if s.sched == nil {
			return time.Time{}
		}
		return s.sched.Next(now)
	}
}

func (s Schedule) String() string {
	return s.Kind.String() + ":" + s.Expr
}
