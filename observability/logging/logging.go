package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup installs a JSON slog handler as the process-wide default and returns
// it. Every line carries the service name, plus the environment when set, so
// aggregated logs from multiple deployments stay attributable. String fields
// outside the redaction allowlist are masked before they reach the sink.
func Setup(service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		ReplaceAttr: rewriteAttr,
	})

	base := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		base = append(base, slog.String("env", env))
	}

	args := make([]any, len(base))
	for i, attr := range base {
		args[i] = attr
	}
	logger := slog.New(handler).With(args...)
	slog.SetDefault(logger)

	// Route the stdlib logger through the same handler so third-party
	// packages that still call log.Printf emit structured lines too.
	bridge := slog.NewLogLogger(handler.WithAttrs(base), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return logger
}

// rewriteAttr maps slog's default keys onto the field names the log pipeline
// indexes on, then masks any string field whose key is not allowlisted.
func rewriteAttr(groups []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
		return attr
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		attr.Key = "message"
		return attr
	}
	if attr.Value.Kind() == slog.KindString {
		return MaskField(attr.Key, attr.Value.String())
	}
	return attr
}
