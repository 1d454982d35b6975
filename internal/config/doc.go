// Package config loads regflow configuration: built-in defaults, an optional
// YAML or JSON file, then REGFLOW_* environment overrides.
//
//	cfg, err := config.Load(path)
//	if err != nil { /* handle */ }
//	if err := config.FromEnv(&cfg); err != nil { /* handle */ }
//	if err := cfg.Validate(); err != nil { /* handle */ }
package config
