package types

// Version is the canonical project version.
// The CLI and the wire protocol share this version.
const Version = "0.1.0"

// ProtocolVersion is sent by backends in the handshake protocol-version
// header. The host logs a mismatch but does not refuse it. It moves in
// lockstep with Version.
const ProtocolVersion = Version
