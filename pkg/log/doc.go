// Package log provides regflow's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Records are routed through a log/slog
// handler into a formatter (text or JSON) and one or more outputs.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("processor"))
//	l.Info("batch done", log.Int("completed", 3), log.Str("payment_ref", ref))
//
// # Configuration
//
// ApplyConfig builds a logger from a declarative Config (level, format,
// output, redacted keys). Loggers are constructed once at startup and passed
// down explicitly; there is no package-level default logger.
//
// # Interop
//
// RedirectStdLog routes the standard library logger (used by Pebble and
// net/http) into a Logger.
package log
