package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Numeric severity values written to the JSON log file. The error scanner
// and external log tooling filter on these instead of slog's level names.
const (
	NumDebug = 20
	NumInfo  = 30
	NumWarn  = 40
	NumError = 50
)

// levelNumber maps an slog level to its numeric wire value.
func levelNumber(l slog.Level) int {
	switch {
	case l < slog.LevelInfo:
		return NumDebug
	case l < slog.LevelWarn:
		return NumInfo
	case l < slog.LevelError:
		return NumWarn
	default:
		return NumError
	}
}

// Options configures process-wide logging.
type Options struct {
	// Verbose lowers the console level to debug.
	Verbose bool
	// FilePath is the JSON event log. Empty disables the file sink.
	FilePath string
}

// DefaultLogPath returns ~/.ant/logs/goant.log.
func DefaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ant", "logs", "goant.log")
	}
	return filepath.Join(home, ".ant", "logs", "goant.log")
}

// Setup installs the default logger: a text handler on stdout plus, when a
// file path is given, a JSON handler with numeric levels appended to the
// event log. Returns a close func for the file sink.
func Setup(opts Options) (func() error, error) {
	consoleLevel := slog.LevelInfo
	if opts.Verbose {
		consoleLevel = slog.LevelDebug
	}
	console := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: consoleLevel})

	if opts.FilePath == "" {
		slog.SetDefault(slog.New(console))
		return func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	file := NewFileHandler(f, slog.LevelDebug)
	slog.SetDefault(slog.New(NewFanout(console, file)))
	return f.Close, nil
}

// NewFileHandler returns a JSON handler whose level and time attributes use
// the numeric log format: level as integer severity, time as unix millis.
func NewFileHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.LevelKey:
				if l, ok := a.Value.Any().(slog.Level); ok {
					return slog.Int(slog.LevelKey, levelNumber(l))
				}
			case slog.TimeKey:
				t := a.Value.Time()
				return slog.Int64(slog.TimeKey, t.UnixMilli())
			}
			return a
		},
	})
}

// Fanout forwards each record to every wrapped handler.
type Fanout struct {
	handlers []slog.Handler
	mu       sync.Mutex
}

// NewFanout wraps handlers into a single slog.Handler.
func NewFanout(handlers ...slog.Handler) *Fanout {
	return &Fanout{handlers: handlers}
}

func (f *Fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *Fanout) Handle(ctx context.Context, rec slog.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := h.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &Fanout{handlers: next}
}

func (f *Fanout) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &Fanout{handlers: next}
}
