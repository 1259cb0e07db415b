// Package media owns the peer-to-peer leg of a realtime session: the WebRTC
// peer connection, the single outbound microphone track, and the ordered
// reliable control channel carrying JSON events. It also publishes the fixed
// audio capture profile the capturing client must apply.
package media
