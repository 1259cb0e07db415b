// Package transcript maintains the authoritative conversation transcript for a
// realtime session. It reconstructs entries from partial, out-of-order control
// events (created/delta/done) and exposes an ordered, role-filtered snapshot
// for rendering.
package transcript
