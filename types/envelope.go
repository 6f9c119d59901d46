// Package types defines the command envelope, results, and error kinds
// shared by the dispatcher, transports, and backends.
//
//nolint:revive // types is a common Go package naming convention
package types

// MessageType is the tagged command kind carried by an envelope.
type MessageType string

// Command catalogue understood by the backend processor.
const (
	// MessageStart boots the backend main loop. No payload.
	MessageStart MessageType = "START"
	// MessageJarPathAdd extends the live class loader.
	// Payload: [absolute path URI].
	MessageJarPathAdd MessageType = "JAR_PATH_ADD"
	// MessageFileCompile compiles and registers a source file.
	// Payload: [className, packageName, outputDir, sourceText].
	MessageFileCompile MessageType = "FILE_COMPILE"
	// MessageHeartbeat keeps a process backend alive. No payload.
	MessageHeartbeat MessageType = "HEARTBEAT"
	// MessageTerminateNow asks a process backend to exit. No reply is sent.
	MessageTerminateNow MessageType = "TERMINATE_NOW"
)

// ExpectsReply reports whether the backend answers this message type.
func (m MessageType) ExpectsReply() bool {
	return m != MessageTerminateNow
}

// Default priorities used by the host for its own commands.
const (
	PriorityStart   = 0
	PriorityCommand = 10
)

// FrameKind discriminates frames crossing a boundary.
type FrameKind string

const (
	// FrameRequest carries an Envelope.
	FrameRequest FrameKind = "request"
	// FrameReply carries a Reply.
	FrameReply FrameKind = "reply"
)

// Envelope is an in-flight command.
// ID is unique per originating dispatcher and is never reused.
type Envelope struct {
	// Kind is always FrameRequest on the wire.
	Kind FrameKind `msgpack:"kind"`
	// ID is the correlation id.
	ID string `msgpack:"id"`
	// MessageType is the command kind.
	MessageType MessageType `msgpack:"message_type"`
	// Priority is advisory metadata for the receiving processor.
	Priority int `msgpack:"priority"`
	// Payload is the opaque argument sequence.
	Payload []any `msgpack:"data"`
	// Token authenticates the frame on process channels.
	Token string `msgpack:"token,omitempty"`
}

// Reply carries the result for a previously received Envelope.
type Reply struct {
	// Kind is always FrameReply on the wire.
	Kind FrameKind `msgpack:"kind"`
	// ID echoes the Envelope ID.
	ID string `msgpack:"id"`
	// MessageType echoes the Envelope message type.
	MessageType MessageType `msgpack:"message_type"`
	// Token authenticates the frame on process channels.
	Token string `msgpack:"token,omitempty"`
	// Result is the outcome.
	Result Result `msgpack:"result"`
}

// Result is the outcome of one command.
type Result struct {
	Success     bool   `msgpack:"success"`
	ReturnValue any    `msgpack:"returnValue,omitempty"`
	Cause       *Cause `msgpack:"cause,omitempty"`
}

// Succeeded builds a successful Result.
func Succeeded(v any) Result {
	return Result{Success: true, ReturnValue: v}
}

// Failed builds a failed Result from err. A *Cause is kept as is; any other
// error is flattened without a stack.
func Failed(err error) Result {
	return Result{Cause: CauseOf(err)}
}
