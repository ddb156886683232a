// ABOUTME: Package doc for client configuration.
// ABOUTME: YAML config with env expansion, defaults, and validation.

// Package config loads the courier client configuration from YAML.
// Values not present in the file keep documented defaults; ${VAR} forms
// are expanded from the environment before parsing, and human-readable
// duration strings ("30s", "2m") are parsed into time.Duration fields.
package config
