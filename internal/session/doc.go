// Package session implements the conversation session state machine. The
// Controller orchestrates the signaling handshake, the media/control session,
// the connection timeout, and the half-duplex mute policy; the Interpreter
// translates inbound control-channel events into transcript mutations and
// mute transitions.
package session
