package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/mcplocal/internal/log"
)

// DefaultMaxBytes is the size past which the active file is rotated.
const DefaultMaxBytes int64 = 10 * 1024 * 1024

// Event is one audited request.
type Event struct {
	TS         time.Time `json:"ts"`
	Session    string    `json:"session,omitempty"`
	Method     string    `json:"method"`
	OK         bool      `json:"ok"`
	DurationMS float64   `json:"duration_ms"`
	Tool       string    `json:"tool,omitempty"`
	Args       any       `json:"args,omitempty"`
	Params     any       `json:"params,omitempty"`
	ResultSize *int      `json:"result_size,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Options tune a Logger. Zero values select the defaults.
type Options struct {
	// MaxBytes triggers rotation once the sink grows past it. Negative disables rotation.
	MaxBytes int64
	// MaxString is the rune limit for string values.
	MaxString int
	// Normalizers run before DefaultNormalizers.
	Normalizers []Normalizer
	Now         func() time.Time
}

// Logger writes one JSON line per Event. It never returns an error: failures
// are counted and logged at debug level.
type Logger struct {
	sink     Sink
	maxBytes int64
	redactor Redactor
	norm     normalizer
	now      func() time.Time

	mu      sync.Mutex
	dropped atomic.Int64
}

// New returns a Logger writing to sink.
func New(sink Sink, opts Options) *Logger {
	if opts.MaxBytes == 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxString <= 0 {
		opts.MaxString = DefaultMaxString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	red := Redactor{MaxString: opts.MaxString}
	list := append(append([]Normalizer{}, opts.Normalizers...), DefaultNormalizers()...)
	return &Logger{
		sink:     sink,
		maxBytes: opts.MaxBytes,
		redactor: red,
		norm:     normalizer{list: list, redactor: red},
		now:      opts.Now,
	}
}

// Open returns a Logger backed by a FileSink at path.
func Open(path string, opts Options) *Logger {
	return New(NewFileSink(path), opts)
}

// Dropped reports how many events could not be written.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Record redacts, encodes and appends ev. A nil Logger discards the event.
func (l *Logger) Record(ev Event) {
	if l == nil || l.sink == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			l.drop(fmt.Errorf("panic: %v", rec))
		}
	}()

	line, err := l.encode(ev)
	if err != nil {
		l.drop(err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxBytes > 0 {
		size, err := l.sink.Size()
		if err != nil {
			l.drop(fmt.Errorf("stat sink: %w", err))
			return
		}
		if size > l.maxBytes {
			if err := l.sink.Rotate(); err != nil {
				l.drop(err)
				return
			}
		}
	}
	if err := l.sink.Append(line); err != nil {
		l.drop(err)
	}
}

func (l *Logger) encode(ev Event) ([]byte, error) {
	if ev.TS.IsZero() {
		ev.TS = l.now()
	}
	ev.TS = ev.TS.UTC()
	ev.Error = l.redactor.truncate(ev.Error)
	if ev.Args != nil {
		ev.Args = l.norm.apply(l.redactor.Redact(ev.Args))
	}
	if ev.Params != nil {
		ev.Params = l.norm.apply(l.redactor.Redact(ev.Params))
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode audit event: %w", err)
	}
	return append(data, '\n'), nil
}

func (l *Logger) drop(err error) {
	l.dropped.Add(1)
	log.WithComponent("audit").Debug("audit event dropped", "error", err)
}

// Close closes the sink when it supports it.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	if c, ok := l.sink.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
