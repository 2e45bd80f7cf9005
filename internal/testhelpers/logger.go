package testhelpers

import (
	"io"
	"log/slog"
)

// NewTestLogger builds a logger for the registry health monitor tests: all
// output is discarded, and records below error level are skipped before
// they are formatted.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}
