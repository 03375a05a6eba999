// Package protocol owns the robot envelope contract.
//
// Ownership boundary:
// - Up/Down envelope types and their protobuf-wire codec
// - protocol version gate applied to every inbound Up
//
// Transport framing lives in protocol/frame; connection state lives in
// protocol/session.
package protocol
