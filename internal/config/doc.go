// Package config loads and validates the service configuration from a YAML
// file: backend signaling endpoints, realtime connection parameters,
// microphone ingest, HTTP API, and logging.
package config
