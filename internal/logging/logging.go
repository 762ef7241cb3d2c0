// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"

	nested "github.com/antonfisher/nested-logrus-formatter"
	log "github.com/sirupsen/logrus"
)

const TimestampFormat = "2006-01-02 15:04:05.000"

// Formatter is the nested formatter used on every output
func Formatter() *nested.Formatter {
	return &nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: TimestampFormat,
		FieldsOrder:     []string{"component", "request_id", "map", "tile"},
	}
}

// Setup configures logger at level and, when file is set, appends to it as well as stderr.
// The returned closer releases the log file.
func Setup(logger *log.Logger, level, file string) (io.Closer, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger.SetLevel(lvl)
	logger.SetFormatter(Formatter())

	if file == "" {
		logger.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		logger.SetOutput(os.Stderr)
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}
