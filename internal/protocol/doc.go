// Package protocol defines the JSON control-channel wire format spoken over
// the realtime data channel. Outbound client events are a closed set of tagged
// variants serialized through a single encoder; inbound server events are
// decoded into one envelope struct dispatched on the type field.
package protocol
