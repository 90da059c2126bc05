package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler builds the process-wide JSON log handler. Extra writers
// receive every line alongside stdout; the diagnostics log buffer
// hooks in through here.
func NewHandler(level string, extra ...io.Writer) slog.Handler {
	l := new(slog.LevelVar)
	l.Set(ParseLevel(level))
	var w io.Writer = os.Stdout
	if len(extra) > 0 {
		w = io.MultiWriter(append([]io.Writer{os.Stdout}, extra...)...)
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l})
}

func NewLogger(level string, extra ...io.Writer) *slog.Logger {
	return slog.New(NewHandler(level, extra...))
}
