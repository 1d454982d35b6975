package log

import (
	"fmt"
	"os"
	"strings"
)

// Config declares how a process-wide logger is built.
type Config struct {
	Level string `json:"level" yaml:"level"`
	// Format is "text" or "json".
	Format string `json:"format" yaml:"format"`
	// Output is "console" (default), "null", or a file path.
	Output        string   `json:"output" yaml:"output"`
	RedactedKeys  []string `json:"redactedKeys" yaml:"redactedKeys"`
	IncludeCaller bool     `json:"includeCaller" yaml:"includeCaller"`
}

// ApplyConfig builds a Logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = &TextFormatter{}
	case "json":
		formatter = &JSONFormatter{}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var output Output
	switch cfg.Output {
	case "", "console", "stderr":
		output = NewConsoleOutput()
	case "null", "none":
		output = NullOutput{}
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = NewWriterOutput(f)
	}

	opts := []LoggerOption{WithLevel(level), WithFormatter(formatter), WithOutput(output)}
	if len(cfg.RedactedKeys) > 0 {
		opts = append(opts, WithRedactedKeys(cfg.RedactedKeys...))
	}
	if cfg.IncludeCaller {
		opts = append(opts, func(l *BaseLogger) { l.core.includeCaller = true })
	}
	return NewLogger(opts...), nil
}

// NewNopLogger returns a logger that discards everything. Tests use it.
func NewNopLogger() Logger {
	return NewLogger(WithLevel(FatalLevel+1), WithOutput(NullOutput{}))
}
