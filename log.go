package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
)

// setupLog configures the global logger. By default warnings and errors
// go to stderr; HYPNOTIFY_LOGFILE redirects everything to a file and
// HYPNOTIFY_DEBUG turns on debug chatter. The returned closer flushes
// the log file, if any.
func setupLog() (func() error, error) {
	log.SetTimeFormat(time.Kitchen)
	log.SetColorProfile(termenv.ColorProfile())
	if os.Getenv("HYPNOTIFY_DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
		log.SetReportCaller(true)
	}

	path := os.Getenv("HYPNOTIFY_LOGFILE")
	if path == "" {
		return func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("unable to open log file: %w", err)
	}
	log.SetOutput(f)
	log.SetColorProfile(termenv.Ascii)
	log.SetReportTimestamp(true)
	return f.Close, nil
}
