// Package domain defines the collaboration wire model.
//
// Outbound messages are Events: immutable values whose payload is one of the
// Payload variants below, keyed by EventType. Inbound client frames decode
// into Commands at the transport boundary, so room logic never sees untyped
// maps. Expected failure paths (lock conflicts, stale releases) are modelled
// as typed outcomes rather than errors.
package domain
