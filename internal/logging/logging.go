package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Options selects the handler. Empty values fall back to info/json.
type Options struct {
	Level  string
	Format string
}

const redacted = "[redacted]"

// secretKeys are attribute keys whose values never reach the log.
var secretKeys = map[string]bool{
	"api_key":        true,
	"token":          true,
	"bot_token":      true,
	"webhook_secret": true,
	"keypair":        true,
	"postgres_dsn":   true,
}

// Init configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Binaries call it before config is loaded, then Setup once it is.
func Init(service string, w io.Writer) *slog.Logger {
	return Setup(service, w, Options{Level: os.Getenv("LOG_LEVEL"), Format: os.Getenv("LOG_FORMAT")})
}

// Setup installs a slog default tagged with service and redirects the
// stdlib logger into it.
func Setup(service string, w io.Writer, opts Options) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: parseLevel(opts.Level), ReplaceAttr: redact}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, hopts)
	} else {
		handler = slog.NewJSONHandler(w, hopts)
	}

	logger := slog.New(handler).With(slog.String("service", service))
	slog.SetDefault(logger)

	log.SetFlags(0)
	log.SetOutput(&slogWriter{logger: logger})

	return logger
}

func redact(groups []string, a slog.Attr) slog.Attr {
	if secretKeys[strings.ToLower(a.Key)] && a.Value.String() != "" {
		return slog.String(a.Key, redacted)
	}
	return a
}

func parseLevel(s string) slog.Level {
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

// slogWriter adapts slog.Logger to io.Writer for stdlib log redirection.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	w.logger.Info(msg, slog.String("source", "stdlib"))
	return len(p), nil
}
