package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// JournalConfig forwards records at or above MinLevel to the systemd
// journal, at most RatePerSec per second. Records over the rate are dropped.
type JournalConfig struct {
	Enabled    bool
	Identifier string
	MinLevel   string
	RatePerSec int
}

const (
	journalQueueSize = 256
	maxJournalMsg    = 3500
	maxJournalField  = 900
)

type journalSender func(msg string, pri journal.Priority, vars map[string]string) error

type journalEntry struct {
	msg  string
	pri  journal.Priority
	vars map[string]string
}

// journalSink is a zerolog.LevelWriter that hands records to one sender
// goroutine. Writers never block: a full queue drops the record.
type journalSink struct {
	send    journalSender
	queue   chan journalEntry
	done    chan struct{}
	stopped chan struct{}
	dropped atomic.Uint64

	mu       sync.Mutex
	limiter  *rate.Limiter
	minLevel zerolog.Level
	ident    string
}

func newJournalSink(send journalSender, cfg JournalConfig) *journalSink {
	j := &journalSink{
		send:    send,
		queue:   make(chan journalEntry, journalQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	j.configure(cfg)
	go j.run()
	return j
}

func (j *journalSink) configure(cfg JournalConfig) {
	rps := max(1, cfg.RatePerSec)
	ident := strings.TrimSpace(cfg.Identifier)
	if ident == "" {
		ident = "rtctl"
	}
	j.mu.Lock()
	j.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	j.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	j.ident = ident
	j.mu.Unlock()
}

func (j *journalSink) run() {
	defer close(j.stopped)
	for {
		select {
		case <-j.done:
			return
		case e := <-j.queue:
			if err := j.send(e.msg, e.pri, e.vars); err != nil {
				j.dropped.Add(1)
			}
		}
	}
}

func (j *journalSink) close() {
	close(j.done)
	<-j.stopped
}

func (j *journalSink) Write(p []byte) (int, error) {
	return j.WriteLevel(zerolog.InfoLevel, p)
}

func (j *journalSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	j.mu.Lock()
	skip := level < j.minLevel || !j.limiter.Allow()
	ident := j.ident
	j.mu.Unlock()
	if skip {
		return len(p), nil
	}

	msg, vars := journalRecord(p)
	if msg == "" {
		return len(p), nil
	}
	vars["SYSLOG_IDENTIFIER"] = ident
	select {
	case j.queue <- journalEntry{msg: msg, pri: journalPriority(level), vars: vars}:
	default:
		j.dropped.Add(1)
	}
	return len(p), nil
}

func journalPriority(level zerolog.Level) journal.Priority {
	switch {
	case level >= zerolog.ErrorLevel:
		return journal.PriErr
	case level == zerolog.WarnLevel:
		return journal.PriWarning
	case level == zerolog.InfoLevel:
		return journal.PriInfo
	}
	return journal.PriDebug
}

// journalRecord splits one zerolog JSON line into the message and journal
// fields. The caller becomes CODE_FILE and CODE_LINE.
func journalRecord(p []byte) (string, map[string]string) {
	vars := map[string]string{}
	p = bytes.TrimSpace(p)
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return truncate(string(p), maxJournalMsg), vars
	}

	msg, _ := m[zerolog.MessageFieldName].(string)
	for k, v := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		case zerolog.CallerFieldName:
			if s, ok := v.(string); ok {
				file, line, _ := strings.Cut(s, ":")
				vars["CODE_FILE"], vars["CODE_LINE"] = file, line
			}
			continue
		}
		if name := journalFieldName(k); name != "" {
			vars[name] = truncate(fmt.Sprint(v), maxJournalField)
		}
	}
	return truncate(msg, maxJournalMsg), vars
}

// journalFieldName maps a key to the journal's [A-Z0-9_] alphabet. Names
// that would start with a digit are dropped.
func journalFieldName(k string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, k)
	name = strings.TrimLeft(name, "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		return ""
	}
	return name
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
