// Package obs wires up structured logging for the B2BUA process.
package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	globalLevel  = slog.LevelInfo
	handlerMutex sync.RWMutex
)

// SetLevel sets the global log level from a string ("debug", "info", "warn", "error").
func SetLevel(levelStr string) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	globalLevel = ParseLevel(levelStr)
}

// ParseLevel parses a string into an slog.Level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// jsonReformatWriter reformats sipgo's JSON log lines into the same bracketed
// text format the rest of the process uses, so a single text stream carries
// both our own logs and the transport library's.
type jsonReformatWriter struct {
	base io.Writer
}

func (w *jsonReformatWriter) Write(p []byte) (int, error) {
	line := string(p)
	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		var entry map[string]any
		if err := json.Unmarshal(p, &entry); err == nil {
			level := "info"
			if lv, ok := entry["level"]; ok {
				level = fmt.Sprint(lv)
			}
			message := "unknown"
			if msg, ok := entry["message"]; ok {
				message = fmt.Sprint(msg)
			}
			ts := time.Now().Format("15:04:05")
			if t, ok := entry["time"]; ok {
				if parsed, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
					ts = parsed.Format("15:04:05")
				}
			}
			var attrs []string
			for k, v := range entry {
				if k != "level" && k != "message" && k != "time" && k != "caller" {
					attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
				}
			}
			formatted := fmt.Sprintf("[%s] [%s] %s", ts, strings.ToUpper(level), message)
			if len(attrs) > 0 {
				formatted += " " + strings.Join(attrs, " ")
			}
			formatted += "\n"
			return w.base.Write([]byte(formatted))
		}
	}
	return w.base.Write(p)
}

// multiHandler fans a record out to several writers, each gated by its own
// minimum level, on top of the shared global level.
type multiHandler struct {
	outputs map[io.Writer]slog.Level
	mu      sync.Mutex
}

// NewHandler builds an slog.Handler that writes to outputs at per-output
// minimum levels. sipgo's JSON logger is reformatted to match.
func NewHandler(outputs map[io.Writer]slog.Level) slog.Handler {
	wrapped := make(map[io.Writer]slog.Level, len(outputs))
	for w, lvl := range outputs {
		wrapped[&jsonReformatWriter{base: w}] = lvl
	}
	return &multiHandler{outputs: wrapped}
}

func (h *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	handlerMutex.RLock()
	min := globalLevel
	handlerMutex.RUnlock()
	if record.Level < min {
		return nil
	}

	ts := record.Time.Format("15:04:05")
	var attrs []string
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a.Key+"="+a.Value.String())
		return true
	})
	msg := record.Message
	if len(attrs) > 0 {
		msg += " " + strings.Join(attrs, " ")
	}
	line := fmt.Sprintf("[%s] [%s] %s\n", ts, strings.ToUpper(record.Level.String()), msg)

	h.mu.Lock()
	defer h.mu.Unlock()
	for out, lvl := range h.outputs {
		if record.Level >= lvl {
			_, _ = out.Write([]byte(line))
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *multiHandler) WithGroup(name string) slog.Handler      { return h }

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	if level < globalLevel {
		return false
	}
	for _, lvl := range h.outputs {
		if level >= lvl {
			return true
		}
	}
	return false
}

// Init installs a process-wide default logger writing to outputs at the
// given per-output levels.
func Init(outputs map[io.Writer]slog.Level) {
	slog.SetDefault(slog.New(NewHandler(outputs)))
}
