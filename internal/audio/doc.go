// Package audio ingests Opus microphone frames over UDP from the capture
// client and forwards them to the active realtime session, respecting the
// session's mute gate.
package audio
