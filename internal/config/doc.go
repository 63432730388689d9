// Package config loads and validates YAML configuration for feed
// instances. Values support ${VAR} environment expansion.
package config
