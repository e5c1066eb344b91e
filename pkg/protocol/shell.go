package protocol

import "encoding/json"

// Shell WebSocket frame types. The client drives a session with "command" and
// "ping" frames; the server answers with status/echo/output/error/pong frames.
const (
	ShellFrameCommand = "command"
	ShellFramePing    = "ping"

	ShellFrameStatus = "status"
	ShellFrameEcho   = "echo"
	ShellFrameOutput = "output"
	ShellFrameError  = "error"
	ShellFramePong   = "pong"
)

// Terminal statuses reported in a status frame after a command finishes.
const (
	StatusConnected = "connected"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusKilled    = "killed"
)

// Output stream identifiers.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// ShellClientFrame is a frame sent by the client over the shell WebSocket.
type ShellClientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ShellServerFrame is a frame pushed by the server over the shell WebSocket.
// Stream is set only for output frames; SessionInfo only for status frames.
type ShellServerFrame struct {
	Type        string      `json:"type"`
	Data        interface{} `json:"data,omitempty"`
	Stream      string      `json:"stream,omitempty"`
	SessionInfo interface{} `json:"session_info,omitempty"`
}

// NewOutputFrame builds an output frame for a stdout/stderr chunk.
func NewOutputFrame(stream string, chunk string) ShellServerFrame {
	return ShellServerFrame{Type: ShellFrameOutput, Stream: stream, Data: chunk}
}

// NewStatusFrame builds a status frame, optionally carrying session info.
func NewStatusFrame(status string, info interface{}) ShellServerFrame {
	return ShellServerFrame{Type: ShellFrameStatus, Data: status, SessionInfo: info}
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(message string) ShellServerFrame {
	return ShellServerFrame{Type: ShellFrameError, Data: message}
}
