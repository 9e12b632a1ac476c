package airdroptesting

import (
	"log/slog"
	"os"

	"github.com/malbeclabs/airdrop/utils/pkg/logger"
)

// NewLogger returns the tint logger used by the CLI, writing uncolored to
// stderr. Tests are silent unless DEBUG is set: DEBUG=1 logs at info, any
// other value at debug.
func NewLogger() *slog.Logger {
	debug := os.Getenv("DEBUG")
	if debug == "" {
		return slog.New(slog.DiscardHandler)
	}
	return logger.NewWithWriter(os.Stderr, debug != "1", true)
}
