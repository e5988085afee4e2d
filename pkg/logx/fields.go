package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field adds one key to a record. Fields apply in order, so a repeated key
// is written twice and the last one wins in most readers.
type Field func(e *zerolog.Event)

func String(k, v string) Field          { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field         { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field     { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field   { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field       { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Time(k string, v time.Time) Field  { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field         { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Duration writes d in zerolog's duration unit (milliseconds by default).
func Duration(k string, d time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, d) }
}

// Nanos writes d as integer nanoseconds, the unit of kernel task parameters.
func Nanos(k string, d time.Duration) Field {
	return func(e *zerolog.Event) { e.Int64(k, int64(d)) }
}

// TID tags a record with the kernel thread id.
func TID(tid int) Field { return Int("tid", tid) }

// Job tags a record with a job sequence number.
func Job(n uint32) Field { return func(e *zerolog.Event) { e.Uint32("job", n) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}
