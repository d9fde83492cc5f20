package livesync

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures NewLogger.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string

	// Format is "json" or "text". Defaults to "text".
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer
}

var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
	regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9_\-\.]{16,}`),
}

var sensitiveKeys = map[string]bool{
	"access_token": true,
	"anon_key":     true,
	"apikey":       true,
	"password":     true,
	"token":        true,
}

// NewLogger builds a slog logger that redacts tokens and keys.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       parseLevel(config.Level),
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "json") {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	s := a.Value.String()
	for _, re := range redactPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return slog.String(a.Key, s)
}
