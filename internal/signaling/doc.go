// Package signaling performs the two-step handshake required before realtime
// audio can flow: fetching a short-lived session credential from the
// application backend, then exchanging SDP descriptions with the remote voice
// endpoint.
package signaling
