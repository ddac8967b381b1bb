package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// newLogger builds the console logger and, when configured, a JSON log file sink.
// The returned closer releases the file.
func newLogger(cfg LoggingConfig, verbose bool, console io.Writer) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("logging: %w", err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}

	var output io.Writer = zerolog.ConsoleWriter{
		Out:        console,
		TimeFormat: time.RFC3339,
	}
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("logging: open %s: %w", cfg.File, err)
		}
		output = zerolog.MultiLevelWriter(output, file)
		closer = file
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Str("app", "scim-sync").Logger()
	return logger, closer, nil
}
