package qconn

import "fmt"

// ArgumentError reports a malformed option, wrong arity, or unknown key
// supplied by the caller.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return "qconn: argument error: " + e.Msg }

// ConnectionClosed is raised when operating on a closed connection or a
// stale cursor (one whose owning connection has since reconnected).
type ConnectionClosed struct {
	Msg string
	Err error
}

func (e *ConnectionClosed) Error() string {
	if e.Msg == "" {
		return "qconn: connection closed"
	}
	return "qconn: connection closed: " + e.Msg
}

func (e *ConnectionClosed) Unwrap() error { return e.Err }

// TimeoutError is raised from timed waits that elapse without a result.
type TimeoutError struct {
	Msg string
}

func (e *TimeoutError) Error() string {
	if e.Msg == "" {
		return "qconn: timeout"
	}
	return "qconn: timeout: " + e.Msg
}

// DriverInternalError indicates an invariant violation: a duplicate
// token registration, an unknown token in the response table, or an
// unrecognized waiter kind. It always indicates a driver bug.
type DriverInternalError struct {
	Msg string
}

func (e *DriverInternalError) Error() string { return "qconn: driver internal error: " + e.Msg }

// ServerError decodes a CLIENT_ERROR / COMPILE_ERROR / RUNTIME_ERROR
// response into a Go error carrying the server's message, backtrace and
// response type code.
type ServerError struct {
	Type      ResponseType
	Message   string
	Backtrace []string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("qconn: server error (%s): %s", e.Type, e.Message)
}

// HandshakeFailure is raised when the server's handshake reply is not
// "SUCCESS\x00".
type HandshakeFailure struct {
	Msg string
}

func (e *HandshakeFailure) Error() string { return "qconn: handshake failed: " + e.Msg }

// StopIteration signals that a Cursor has been fully consumed.
type StopIteration struct{}

func (e *StopIteration) Error() string { return "qconn: stop iteration" }

var errStopIteration = &StopIteration{}
