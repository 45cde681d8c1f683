package telemetry

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

var levelRank = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

type logEntry struct {
	TS      string `json:"ts"`
	Level   string `json:"level"`
	Service string `json:"service"`
	Msg     string `json:"msg"`
	TraceID string `json:"trace_id"`
}

// jsonLogWriter turns "LEVEL message" lines written by a *log.Logger into JSON lines.
type jsonLogWriter struct {
	mu       sync.Mutex
	service  string
	out      io.Writer
	minLevel int
	now      func() time.Time
}

func newJSONLogWriter(service string, out io.Writer, minLevel string) *jsonLogWriter {
	if out == nil {
		out = os.Stdout
	}
	rank, ok := levelRank[normalizeLevel(minLevel)]
	if !ok {
		rank = levelRank["INFO"]
	}
	return &jsonLogWriter{service: service, out: out, minLevel: rank, now: time.Now}
}

func (w *jsonLogWriter) Write(p []byte) (int, error) {
	level, message := parseLevel(strings.TrimSpace(string(p)))
	if err := w.Log(level, message, ""); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *jsonLogWriter) Log(level, message, traceID string) error {
	level = normalizeLevel(level)
	if levelRank[level] < w.minLevel {
		return nil
	}

	data, err := json.Marshal(logEntry{
		TS:      w.now().UTC().Format(time.RFC3339Nano),
		Level:   level,
		Service: w.service,
		Msg:     message,
		TraceID: traceID,
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.out.Write(append(data, '\n'))
	return err
}

func parseLevel(message string) (string, string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return "INFO", ""
	}

	if strings.HasPrefix(trimmed, "[") {
		if idx := strings.Index(trimmed, "]"); idx > 1 {
			level := strings.ToUpper(trimmed[1:idx])
			if isLevel(level) {
				return normalizeLevel(level), strings.TrimSpace(trimmed[idx+1:])
			}
		}
	}

	if idx := strings.Index(trimmed, ":"); idx > 0 {
		level := strings.ToUpper(strings.TrimSpace(trimmed[:idx]))
		if isLevel(level) {
			return normalizeLevel(level), strings.TrimSpace(trimmed[idx+1:])
		}
	}

	fields := strings.Fields(trimmed)
	if len(fields) > 1 {
		level := strings.ToUpper(fields[0])
		if isLevel(level) {
			return normalizeLevel(level), strings.TrimSpace(trimmed[len(fields[0]):])
		}
	}

	return "INFO", trimmed
}

func isLevel(level string) bool {
	_, ok := levelRank[normalizeLevel(level)]
	return ok
}

func normalizeLevel(level string) string {
	level = strings.ToUpper(strings.TrimSpace(level))
	if level == "WARNING" {
		return "WARN"
	}
	return level
}

func levelFromEnv() string {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		return normalizeLevel(v)
	}
	return "INFO"
}
