package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

type Config struct {
	Level   string
	Console bool
	// Async puts console and file output behind a ring buffer so a slow
	// terminal or disk never blocks the logging goroutine. Records that do
	// not fit are dropped and counted.
	Async   bool
	File    FileConfig
	Journal JournalConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	defaultLogFile  = "./rtctl.log"
	asyncBufferSize = 1024
	asyncPollPeriod = 10 * time.Millisecond
)

var globalsOnce sync.Once

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = consoleTimeFormat
	})
}

// Service owns the outputs. Apply swaps them at runtime; Loggers obtained
// from the Service pick up the change on their next record.
type Service struct {
	mu      sync.Mutex
	outputs []io.Closer // file and ring buffers behind the current root

	root         atomic.Pointer[zerolog.Logger]
	asyncDropped atomic.Uint64

	journal   *journalSink
	journalUp bool
	send      journalSender
}

// New builds the service for cfg and returns it with its root Logger.
func New(cfg Config) (*Service, Logger) {
	return newService(cfg, journal.Send, journal.Enabled())
}

func newService(cfg Config, send journalSender, journalUp bool) (*Service, Logger) {
	setGlobals()
	s := &Service{send: send, journalUp: journalUp}
	boot := consoleRoot(parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// JournalDropped counts records the journal sink could not deliver.
func (s *Service) JournalDropped() uint64 {
	s.mu.Lock()
	j := s.journal
	s.mu.Unlock()
	if j == nil {
		return 0
	}
	return j.dropped.Load()
}

// AsyncDropped counts records lost to a full ring buffer.
func (s *Service) AsyncDropped() uint64 { return s.asyncDropped.Load() }

// Close flushes and closes every output. Loggers keep working afterwards
// but write to the console only.
func (s *Service) Close() error {
	boot := consoleRoot(s.current().GetLevel())
	s.root.Store(&boot)

	s.mu.Lock()
	outs := s.outputs
	s.outputs = nil
	j := s.journal
	s.journal = nil
	s.mu.Unlock()

	closeAll(outs)
	if j != nil {
		j.close()
	}
	return nil
}

// Apply rebuilds the outputs for cfg. It is safe to call concurrently with
// logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		writers []io.Writer
		outs    []io.Closer
	)
	async := func(w io.Writer) io.Writer {
		if !cfg.Async {
			return w
		}
		d := diode.NewWriter(w, asyncBufferSize, asyncPollPeriod, func(missed int) {
			s.asyncDropped.Add(uint64(missed))
		})
		outs = append(outs, d)
		return d
	}

	if cfg.Console {
		writers = append(writers, async(newConsoleWriter(os.Stdout)))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			outs = append(outs, f)
			writers = append(writers, async(zerolog.SyncWriter(f)))
		}
	}
	if cfg.Journal.Enabled {
		switch {
		case !s.journalUp:
			fmt.Fprintln(os.Stderr, "logx: journal logging enabled but the systemd journal is not available")
		case s.journal == nil:
			s.journal = newJournalSink(s.send, cfg.Journal)
			writers = append(writers, s.journal)
		default:
			s.journal.configure(cfg.Journal)
			writers = append(writers, s.journal)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, async(newConsoleWriter(os.Stdout)))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	prev := s.outputs
	s.outputs = outs
	closeAll(prev)
}

// closeAll closes in reverse so ring buffers flush before their file closes.
func closeAll(cs []io.Closer) {
	for i := len(cs) - 1; i >= 0; i-- {
		_ = cs[i].Close()
	}
}

func consoleRoot(lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(newConsoleWriter(os.Stdout)).Level(lvl).With().Timestamp().Logger()
}

func newConsoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
}
