package peerrpc

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrorClass names the kind of an error as it crosses the wire. The set is
// closed; anything else decodes as ClassError.
type ErrorClass string

const (
	ClassError     ErrorClass = "Error"
	ClassEval      ErrorClass = "EvalError"
	ClassRange     ErrorClass = "RangeError"
	ClassReference ErrorClass = "ReferenceError"
	ClassSyntax    ErrorClass = "SyntaxError"
	ClassType      ErrorClass = "TypeError"
	ClassURI       ErrorClass = "URIError"
)

func (c ErrorClass) known() bool {
	switch c {
	case ClassError, ClassEval, ClassRange, ClassReference, ClassSyntax, ClassType, ClassURI:
		return true
	}
	return false
}

// Error is the error type produced by this package, both for local protocol
// failures and for errors reconstructed from a peer.
type Error struct {
	Class   ErrorClass
	Message string
	Code    int    // zero means no code
	Stack   string // empty unless stack tracing is enabled
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s [%d]: %s", e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// IsClass reports whether err wraps an *Error of the given class.
func IsClass(err error, class ErrorClass) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Class == class
}

// ClassOf returns the wire class for err. Errors not produced by this package
// are ClassError.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) && e.Class.known() {
		return e.Class
	}
	return ClassError
}

// NewTypeError returns an application error that reaches the peer as a TypeError.
func NewTypeError(format string, args ...any) *Error {
	return &Error{Class: ClassType, Message: fmt.Sprintf(format, args...)}
}

// NewRangeError returns an application error that reaches the peer as a RangeError.
func NewRangeError(format string, args ...any) *Error {
	return &Error{Class: ClassRange, Message: fmt.Sprintf(format, args...)}
}

func protocolError(class ErrorClass, msg string) *Error {
	return &Error{Class: class, Message: "peerrpc: " + msg}
}

// Sentinel errors for session state.
var (
	ErrNotConnected     = errors.New("session is not connected")
	ErrAlreadyConnected = errors.New("session is already connected")
	ErrSessionClosed    = protocolError(ClassError, "session closed before the call settled")
	ErrPeerClosed       = protocolError(ClassError, "peer destroyed its session before the call settled")
	ErrHandshakeTimeout = protocolError(ClassError, "initialization failed, maximum delay exceeded")
	ErrDeliveryTimeout  = protocolError(ClassError, "peer did not acknowledge the event in time")
)

// Protocol errors raised while processing a single event.
var (
	ErrMissingOn         = protocolError(ClassType, "config requires an on method")
	ErrMissingEmit       = protocolError(ClassType, "config requires an emit method")
	ErrMalformedEvent    = protocolError(ClassType, "expecting an RPC event")
	ErrUnsupportedEvent  = protocolError(ClassRange, "no responder for event")
	ErrUnexpectedPayload = protocolError(ClassRange, "unexpected payload")
	ErrDuplicateCall     = protocolError(ClassRange, "async uid already exists")
	ErrUnknownCall       = protocolError(ClassRange, "no matching callback")
	ErrAlreadySettled    = protocolError(ClassRange, "call already settled")
	ErrCallbackRequired  = protocolError(ClassType, "invalid invocation, callback required")
	ErrAcksDisabled      = protocolError(ClassType, "ack received but acks are disabled")
	ErrUnknownAck        = protocolError(ClassType, "ack without a pending ack timer")
	ErrCallbackReused    = protocolError(ClassRange, "callback invoked more than once")
)

// ConnectionError represents a failure to establish or keep a transport connection.
type ConnectionError struct {
	URL    string
	Reason string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error [%s]: %s", e.URL, e.Reason)
}

// SerializedError is the wire form of an error.
type SerializedError struct {
	Message string     `json:"message"`
	Stack   string     `json:"stack"`
	Type    ErrorClass `json:"type"`
	Code    int        `json:"code,omitempty"`
}

// coded is implemented by errors that carry a numeric code.
type coded interface {
	ErrorCode() int
}

// SerializeError converts err into its wire form. The stack is only captured
// when withStack is set.
func SerializeError(err error, withStack bool) SerializedError {
	if err == nil {
		err = errors.New("nil error")
	}
	se := SerializedError{
		Message: err.Error(),
		Type:    ClassOf(err),
	}

	var e *Error
	if errors.As(err, &e) {
		// Drop the class prefix but keep any wrapping context.
		se.Message = strings.Replace(se.Message, e.Error(), e.Message, 1)
		se.Code = e.Code
		if withStack {
			se.Stack = e.Stack
		}
	} else if withStack {
		if detail := fmt.Sprintf("%+v", err); detail != se.Message {
			se.Stack = detail
		}
	}

	var c coded
	if se.Code == 0 && errors.As(err, &c) {
		se.Code = c.ErrorCode()
	}
	if se.Message == "" {
		se.Message = "unknown " + string(se.Type)
	}
	return se
}

// DeserializeError reconstructs an *Error from its wire form. When withStack
// is set the remote stack is followed by the local one.
func DeserializeError(se SerializedError, withStack bool) *Error {
	class := se.Type
	if !class.known() {
		class = ClassError
	}
	e := &Error{Class: class, Message: se.Message, Code: se.Code}
	e.Stack = se.Stack
	if withStack {
		e.Stack += string(debug.Stack())
	}
	return e
}

// ErrorKind classifies session errors that cannot be returned to a caller.
type ErrorKind int

const (
	KindMalformedEvent   ErrorKind = iota // inbound event failed validation
	KindProtocol                          // responder rejected a well-formed event
	KindUnsupportedEvent                  // recognised but unimplemented event kind
	KindHandshake                         // negotiation-time protocol violation
	KindAckTimeout                        // an emitted event was not acknowledged in time
	KindTransportWrite                    // emit failed
	KindHandlerPanic                      // local function panicked
	KindDecode                            // transport could not decode a frame
)

var errorKindNames = [...]string{
	KindMalformedEvent:   "KindMalformedEvent",
	KindProtocol:         "KindProtocol",
	KindUnsupportedEvent: "KindUnsupportedEvent",
	KindHandshake:        "KindHandshake",
	KindAckTimeout:       "KindAckTimeout",
	KindTransportWrite:   "KindTransportWrite",
	KindHandlerPanic:     "KindHandlerPanic",
	KindDecode:           "KindDecode",
}

func (k ErrorKind) String() string {
	if int(k) >= 0 && int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// PeerError represents an error the session could not deliver to a direct caller.
// These errors are routed to the ErrorHandler provided at session creation.
type PeerError struct {
	Kind      ErrorKind
	UID       string    // event uid, if known
	Event     EventKind // event kind, if known
	Cause     error
	Raw       []byte // raw frame (for decode failures)
	Timestamp time.Time
}

func (e *PeerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v (uid=%s event=%s)", e.Kind, e.Cause, e.UID, e.Event)
	}
	return fmt.Sprintf("%s (uid=%s event=%s)", e.Kind, e.UID, e.Event)
}

func (e *PeerError) Unwrap() error {
	return e.Cause
}

// ErrorHandler is called for every session error that cannot be returned
// to a direct caller. It MUST be provided when creating a session.
type ErrorHandler func(PeerError)

// LogErrors returns an ErrorHandler that logs all session errors to the given logger.
func LogErrors(logger *zap.Logger) ErrorHandler {
	return func(e PeerError) {
		fields := []zap.Field{
			zap.Stringer("kind", e.Kind),
			zap.String("uid", e.UID),
			zap.String("event", string(e.Event)),
		}
		if len(e.Raw) > 0 {
			fields = append(fields, zap.Int("raw_len", len(e.Raw)))
		}
		logger.Warn("peerrpc error", append(fields, zap.Error(e.Cause))...)
	}
}
