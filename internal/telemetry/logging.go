// Package telemetry builds the process logger: slog with a JSON handler,
// secret redaction, and an optional append-only log file next to stdout.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fleetrelay/controlplane/internal/shared"
)

// NewLogger returns a logger writing JSON lines to stdout and, when logDir
// is non-empty, to <logDir>/controlplane.jsonl. The returned closer is nil
// when no file is open.
//
// Redaction happens in ReplaceAttr: attributes whose key names secret
// material (shared.SensitiveKey) lose their whole value, and string values
// are run through shared.Redact so bearer tokens or key assignments inside
// wrapped errors never reach the sink.
func NewLogger(logDir, level string) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, err
		}
		file, err := os.OpenFile(filepath.Join(logDir, "controlplane.jsonl"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shared.SensitiveKey(a.Key) {
				return slog.String(a.Key, shared.Redacted)
			}
			if a.Value.Kind() == slog.KindString {
				if redacted := shared.Redact(a.Value.String()); redacted != a.Value.String() {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	return slog.New(handler).With("component", "controlplane"), closer, nil
}

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// parseLevel maps a config string to a slog level, defaulting to info for
// anything unrecognized.
func parseLevel(level string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]; ok {
		return lvl
	}
	return slog.LevelInfo
}
