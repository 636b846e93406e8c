// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
)

// New returns a timestamped logger at level ("debug", "info", "warn",
// "error") in format ("text", "json", "logfmt").
func New(w io.Writer, level, format string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var formatter log.Formatter
	switch format {
	case "", "text":
		formatter = log.TextFormatter
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("log format %q: want text, json or logfmt", format)
	}

	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	}), nil
}
