// Package server exposes the conversation session over HTTP: a REST control
// surface for the mobile client, a websocket feed of session events, and the
// Prometheus metrics endpoint.
package server
