package setup

import (
	"log/slog"
	"sync/atomic"

	"github.com/cochaviz/kiln/internal/logging"
)

var packageLogger atomic.Pointer[slog.Logger]

// SetLogger sets the logger of the host checks; nil restores slog.Default.
func SetLogger(logger *slog.Logger) {
	packageLogger.Store(logger)
}

func getLogger() *slog.Logger {
	return logging.Ensure(packageLogger.Load())
}
