package edk

import (
	"errors"
	"fmt"
)

// Result mirrors the small set of user-visible status codes a pipe
// operation can return. It is a closed enumeration, not an open error
// type, because every caller needs to branch on it directly (NOT_FOUND
// means "try again later", FAILED_PRECONDITION means "the peer is gone").
type Result int

const (
	ResultOK Result = iota
	ResultNotFound
	ResultAlreadyExists
	ResultResourceExhausted
	ResultInvalidArgument
	ResultFailedPrecondition
	ResultReadShutdown
	ResultCancelled
	ResultDeadlineExceeded
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultNotFound:
		return "NOT_FOUND"
	case ResultAlreadyExists:
		return "ALREADY_EXISTS"
	case ResultResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case ResultInvalidArgument:
		return "INVALID_ARGUMENT"
	case ResultFailedPrecondition:
		return "FAILED_PRECONDITION"
	case ResultReadShutdown:
		return "READ_SHUTDOWN"
	case ResultCancelled:
		return "CANCELLED"
	case ResultDeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// ResultError wraps a Result as a Go error, for the transport/protocol
// paths that need to propagate a code through the standard error chain
// (e.g. via errors.As) rather than return it by value.
type ResultError struct {
	Code Result
	Msg  string
}

func (e *ResultError) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Msg
}

func resultErr(code Result, msg string) error {
	return &ResultError{Code: code, Msg: msg}
}

// ResultOf extracts the Result code carried by err, or ResultOK if err is
// nil. Errors that don't carry a Result (e.g. a raw I/O error from a real
// Transport) are reported as ResultFailedPrecondition, matching the
// propagation policy in the spec: transport-level errors surface to
// dispatchers as OnError, not as a return value.
func ResultOf(err error) Result {
	if err == nil {
		return ResultOK
	}
	var re *ResultError
	if errors.As(err, &re) {
		return re.Code
	}
	return ResultFailedPrecondition
}

var (
	// ErrPipeIDReserved is returned when a caller attempts to bind pipe ID 0,
	// which is reserved for a RoutedChannel's internal control route.
	ErrPipeIDReserved = errors.New("pipe id 0 is reserved for the control route")

	// ErrRouteBound is returned by AddRoute when the pipe ID already has a
	// dispatcher bound.
	ErrRouteBound = errors.New("route already bound")

	// ErrRouteNotBound is returned by RemoveRoute when the caller's
	// dispatcher does not match (or nothing is) currently bound.
	ErrRouteNotBound = errors.New("route not bound to this dispatcher")

	// ErrChannelClosed is returned by RoutedChannel.WriteMessage once the
	// RoutedChannel's Transport has gone down, and by a Transport's
	// WriteFrame once it has been closed.
	ErrChannelClosed = errors.New("routed channel transport is closed")

	// ErrDuplicateRouteClosed is a fatal protocol violation: the peer sent
	// ROUTE_CLOSED twice for the same pipe id.
	ErrDuplicateRouteClosed = errors.New("duplicate ROUTE_CLOSED for pipe")

	// ErrShortControlFrame is a fatal protocol violation: a control-route
	// frame was shorter than the oldest-supported layout for its opcode.
	ErrShortControlFrame = errors.New("undersized control frame")

	// ErrUnknownControlOpcode is a fatal protocol violation.
	ErrUnknownControlOpcode = errors.New("unknown control opcode")
)
