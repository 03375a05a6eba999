// Package session owns the robot connection lifecycle.
//
// Ownership boundary:
// - hello handshake and version gating over the reliable channel
// - EnableKcp upgrade to the low-latency channel
// - routing Down envelopes to the authoritative channel
// - write-once cells and caller-side reconnect backoff
//
// State machine:
//
//	Connecting -> AwaitingHello -> ReliableOnly -> UpgradingToKcp -> DualChannel
//
// Any handshake step may end in Failed. A failed upgrade returns to
// ReliableOnly. The reliable channel stays open for the whole session; it is
// the only path for the deinitialize command.
package session
