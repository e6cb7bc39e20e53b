package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fluent/fluent-logger-golang/fluent"
	"github.com/lmittmann/tint"
)

const maxLogSize = 2 * 1024 * 1024 // 2MB

type Options struct {
	Level  string
	Format string // text or json
	File   string

	FluentHost      string
	FluentPort      int
	FluentTagPrefix string

	// Console defaults to os.Stdout.
	Console io.Writer
}

// Logger bundles the installed slog logger with the resources it owns.
type Logger struct {
	*slog.Logger
	file   *RotatingWriter
	fluent *fluent.Fluent
}

func (l *Logger) Close() error {
	var errs []error
	if l.file != nil {
		errs = append(errs, l.file.Close())
	}
	if l.fluent != nil {
		errs = append(errs, l.fluent.Close())
	}
	return errors.Join(errs...)
}

// Setup builds the handler chain and installs it as the slog default. The
// standard log package is routed through it too.
func Setup(opts Options) (*Logger, error) {
	level := ParseLevel(opts.Level)
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	var handlers []slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handlers = append(handlers, slog.NewJSONHandler(console, &slog.HandlerOptions{Level: level}))
	} else {
		handlers = append(handlers, tint.NewHandler(console, &tint.Options{
			Level:      level,
			TimeFormat: "2006-01-02 15:04:05",
		}))
	}

	out := &Logger{}
	if opts.File != "" {
		rw, err := NewRotatingWriter(opts.File, maxLogSize)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out.file = rw
		handlers = append(handlers, slog.NewJSONHandler(rw, &slog.HandlerOptions{Level: level}))
	}

	if opts.FluentHost != "" {
		client, err := fluent.New(fluent.Config{
			FluentHost: opts.FluentHost,
			FluentPort: opts.FluentPort,
			TagPrefix:  opts.FluentTagPrefix,
			Async:      true,
		})
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("create fluent client: %w", err)
		}
		out.fluent = client
		handlers = append(handlers, NewFluentHandler(client, level))
	}

	out.Logger = slog.New(Fanout(handlers...))
	slog.SetDefault(out.Logger)
	log.SetFlags(0)
	return out, nil
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// RotatingWriter is a size-capped log file that keeps one ".1" backup.
type RotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	maxSize int64
}

func NewRotatingWriter(path string, maxSize int64) (*RotatingWriter, error) {
	// Truncate if too large on startup
	if info, err := os.Stat(path); err == nil && info.Size() > maxSize {
		os.Truncate(path, 0)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	size := int64(0)
	if info, _ := f.Stat(); info != nil {
		size = info.Size()
	}

	return &RotatingWriter{file: f, path: path, size: size, maxSize: maxSize}, nil
}

func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err = w.file.Write(p)
	w.size += int64(n)

	if w.size > w.maxSize {
		w.rotate()
	}

	return n, err
}

func (w *RotatingWriter) rotate() {
	w.file.Close()
	os.Rename(w.path, w.path+".1")

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return
	}

	w.file = f
	w.size = 0
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

type fanout struct {
	handlers []slog.Handler
}

// Fanout sends every record to each handler that accepts its level.
func Fanout(handlers ...slog.Handler) slog.Handler {
	if len(handlers) == 1 {
		return handlers[0]
	}
	return &fanout{handlers: handlers}
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &fanout{handlers: next}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &fanout{handlers: next}
}

// poster is the part of the fluent client the handler needs.
type poster interface {
	Post(tag string, message interface{}) error
}

// FluentHandler ships records to Fluent Bit, tagged by level.
type FluentHandler struct {
	client poster
	level  slog.Leveler
	attrs  []slog.Attr
	group  string
}

func NewFluentHandler(client poster, level slog.Leveler) *FluentHandler {
	return &FluentHandler{client: client, level: level}
}

func (h *FluentHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *FluentHandler) Handle(_ context.Context, r slog.Record) error {
	data := make(map[string]interface{}, r.NumAttrs()+len(h.attrs)+3)
	for _, a := range h.attrs {
		data[h.key(a.Key)] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		data[h.key(a.Key)] = a.Value.Resolve().Any()
		return true
	})
	for k, v := range data {
		if err, ok := v.(error); ok {
			data[k] = err.Error()
		}
	}
	data["level"] = strings.ToLower(r.Level.String())
	data["message"] = r.Message
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	data["timestamp"] = ts.UTC().Format(time.RFC3339Nano)
	return h.client.Post(strings.ToLower(r.Level.String()), data)
}

func (h *FluentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *FluentHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.group = h.key(name)
	return &next
}

func (h *FluentHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}
