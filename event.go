package peerrpc

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// EventKind identifies the purpose of an Event.
type EventKind string

const (
	EventAck           EventKind = "ack"
	EventCreate        EventKind = "create"
	EventCreateReturn  EventKind = "createReturn"
	EventDestroy       EventKind = "destroy"
	EventDestroyReturn EventKind = "destroyReturn"
	EventFnReturn      EventKind = "fnReturn"
	EventInvoke        EventKind = "invoke"
	EventNodeCallback  EventKind = "nodeCallback"
	EventPromise       EventKind = "promise"

	// Reserved for the subscription convention; recognised but not served.
	EventSubscribe   EventKind = "subscribe"
	EventUnsubscribe EventKind = "unsubscribe"
)

func (k EventKind) known() bool {
	switch k {
	case EventAck, EventCreate, EventCreateReturn, EventDestroy, EventDestroyReturn,
		EventFnReturn, EventInvoke, EventNodeCallback, EventPromise,
		EventSubscribe, EventUnsubscribe:
		return true
	}
	return false
}

// Event is the envelope exchanged between peers. An Event correlates exactly
// one outbound call with exactly one inbound settlement through its UID.
type Event struct {
	Type    EventKind
	Payload Payload
	UID     string
	UseAck  bool
}

// Payload is one of Invocation, Return or ErrorPayload. Payloads are carried
// as values, never as pointers.
type Payload interface {
	isPayload()
}

// Invocation asks the peer to call the function at the dotted path Fn.
type Invocation struct {
	Fn   string
	Args Args
}

// Return carries the results of a settled call.
type Return struct {
	Result Args
}

// ErrorPayload carries the error of a failed call.
type ErrorPayload struct {
	Error SerializedError
}

func (Invocation) isPayload()   {}
func (Return) isPayload()       {}
func (ErrorPayload) isPayload() {}

// Args is an ordered list of call arguments or results.
type Args []any

// Bind decodes the i-th element into v, which must be a non-nil pointer.
// Values that are not directly assignable are converted through JSON, so
// both in-process and decoded wire values bind the same way.
func (a Args) Bind(i int, v any) error {
	if i < 0 || i >= len(a) {
		return NewTypeError("argument %d out of range (have %d)", i, len(a))
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return NewTypeError("bind target must be a non-nil pointer, got %T", v)
	}
	return assign(a[i], rv.Elem())
}

func assign(src any, dst reflect.Value) error {
	if src == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(dst.Type()) {
		dst.Set(sv)
		return nil
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return NewTypeError("cannot convert %T: %v", src, err)
	}
	if err := json.Unmarshal(raw, dst.Addr().Interface()); err != nil {
		return NewTypeError("cannot convert %T to %s: %v", src, dst.Type(), err)
	}
	return nil
}

// NewEvent builds an event, stamping a fresh uid from DefaultUIDs when uid is empty.
func NewEvent(kind EventKind, payload Payload, uid string) Event {
	if uid == "" {
		uid = DefaultUIDs.Next()
	}
	return Event{Type: kind, Payload: payload, UID: uid}
}

// NewErrorEvent wraps err into an ErrorPayload event.
func NewErrorEvent(kind EventKind, err error, uid string, withStack bool) Event {
	return NewEvent(kind, ErrorPayload{Error: SerializeError(err, withStack)}, uid)
}

// Validate reports whether the event is well formed: a uid, a recognised
// kind and exactly one known payload shape.
func (e Event) Validate() error {
	if e.UID == "" {
		return fmt.Errorf("%w: missing uid", ErrMalformedEvent)
	}
	if !e.Type.known() {
		return fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, e.Type)
	}
	switch p := e.Payload.(type) {
	case Invocation, Return:
	case ErrorPayload:
		if p.Error.Message == "" {
			return fmt.Errorf("%w: error payload without message", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: unrecognised payload %T", ErrMalformedEvent, e.Payload)
	}
	return nil
}

// wireEvent is the JSON envelope.
type wireEvent struct {
	Type    EventKind       `json:"type"`
	Payload json.RawMessage `json:"payload"`
	UID     string          `json:"uid"`
	UseAck  bool            `json:"useAck,omitempty"`
}

type wireInvocation struct {
	Fn   string `json:"fn"`
	Args []any  `json:"args"`
}

type wireReturn struct {
	Result []any `json:"result"`
}

type wireError struct {
	Error SerializedError `json:"error"`
}

// MarshalJSON encodes the event in its wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	var body any
	switch p := e.Payload.(type) {
	case Invocation:
		body = wireInvocation{Fn: p.Fn, Args: nonNil(p.Args)}
	case Return:
		body = wireReturn{Result: nonNil(p.Result)}
	case ErrorPayload:
		body = wireError{Error: p.Error}
	case nil:
		body = nil
	default:
		return nil, fmt.Errorf("%w: unrecognised payload %T", ErrMalformedEvent, e.Payload)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(wireEvent{Type: e.Type, Payload: raw, UID: e.UID, UseAck: e.UseAck})
}

// UnmarshalJSON decodes the wire form. The payload variant is recognised by
// its shape; a payload matching no shape, or more than one, is malformed.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	payload, err := decodePayload(w.Payload)
	if err != nil {
		return err
	}
	*e = Event{Type: w.Type, Payload: payload, UID: w.UID, UseAck: w.UseAck}
	return nil
}

func decodePayload(raw json.RawMessage) (Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformedEvent)
	}

	var found []Payload
	if r, ok := fields["error"]; ok {
		var se SerializedError
		if json.Unmarshal(r, &se) == nil && se.Message != "" {
			found = append(found, ErrorPayload{Error: se})
		}
	}
	if f, ok := fields["fn"]; ok {
		var fn string
		var args []any
		if json.Unmarshal(f, &fn) == nil && json.Unmarshal(fields["args"], &args) == nil && args != nil {
			found = append(found, Invocation{Fn: fn, Args: args})
		}
	}
	if r, ok := fields["result"]; ok {
		var result []any
		if json.Unmarshal(r, &result) == nil && result != nil {
			found = append(found, Return{Result: result})
		}
	}

	if len(found) != 1 {
		return nil, fmt.Errorf("%w: payload matches %d known shapes", ErrMalformedEvent, len(found))
	}
	return found[0], nil
}

func nonNil(a Args) []any {
	if a == nil {
		return []any{}
	}
	return a
}
