// Package config loads, normalizes, and validates framerelay configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// FRAMERELAY_API_KEY. The Config type centralizes every knob the CLI and the
// remote workflow client need: endpoint and credentials, transfer and polling
// timing, local working directories, and the ffmpeg tooling used around the
// remote run.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
