// Package config provides configuration loading and validation for the speech
// metrics service. Configuration is read from YAML on top of built-in defaults,
// optionally overridden by SPEECHMETRICS_* environment variables (which may come
// from a .env file).
package config
