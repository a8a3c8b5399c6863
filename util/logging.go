package util

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// SetupLogging configures the default charm logger every component derives from.
// Unknown levels fall back to info.
func SetupLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Prefix:          Name,
	})
	log.SetDefault(logger)
}
