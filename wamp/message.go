// Package wamp implements a WAMP client peer: the session lifecycle,
// message codec, inbound dispatch, and the four client roles (Caller,
// Callee, Publisher, Subscriber) over a WebSocket transport.
package wamp

import (
	"encoding/json"
	"fmt"
)

// Code identifies a WAMP message type. The numbering is part of the wire
// protocol, not an implementation choice.
type Code int

const (
	CodeHello        Code = 1
	CodeWelcome      Code = 2
	CodeAbort        Code = 3
	CodeChallenge    Code = 4
	CodeAuthenticate Code = 5
	CodeGoodbye      Code = 6
	CodeError        Code = 8
	CodePublish      Code = 16
	// CodePublished is not in the minimal code table spec.md enumerates; it
	// is the standard WAMP acknowledgement for PUBLISH({acknowledge: true}),
	// added to support Publisher.PublishAck (see SPEC_FULL.md §3).
	CodePublished Code = 17
	CodeSubscribe Code = 32
	CodeSubscribed   Code = 33
	CodeEvent        Code = 36
	CodeCall         Code = 48
	CodeResult       Code = 50
	CodeRegister     Code = 64
	CodeRegistered   Code = 65
	CodeUnregister   Code = 66
	CodeUnregistered Code = 67
	CodeInvocation   Code = 68
	CodeYield        Code = 70
)

func (c Code) String() string {
	switch c {
	case CodeHello:
		return "HELLO"
	case CodeWelcome:
		return "WELCOME"
	case CodeAbort:
		return "ABORT"
	case CodeChallenge:
		return "CHALLENGE"
	case CodeAuthenticate:
		return "AUTHENTICATE"
	case CodeGoodbye:
		return "GOODBYE"
	case CodeError:
		return "ERROR"
	case CodePublish:
		return "PUBLISH"
	case CodeSubscribe:
		return "SUBSCRIBE"
	case CodeSubscribed:
		return "SUBSCRIBED"
	case CodePublished:
		return "PUBLISHED"
	case CodeEvent:
		return "EVENT"
	case CodeCall:
		return "CALL"
	case CodeResult:
		return "RESULT"
	case CodeRegister:
		return "REGISTER"
	case CodeRegistered:
		return "REGISTERED"
	case CodeUnregister:
		return "UNREGISTER"
	case CodeUnregistered:
		return "UNREGISTERED"
	case CodeInvocation:
		return "INVOCATION"
	case CodeYield:
		return "YIELD"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Details and Options are both just WAMP's generic dictionaries; kept as
// distinct names to match the message table's field names.
type Details map[string]interface{}
type Options map[string]interface{}

type Hello struct {
	Realm   string
	Details Details
}

type Welcome struct {
	SessionID int64
	Details   Details
}

type Abort struct {
	Details Details
	Reason  string
}

type Challenge struct {
	AuthMethod string
	Extra      Details
}

type Authenticate struct {
	Signature string
	Extra     Details
}

type Goodbye struct {
	Details Details
	Reason  string
}

type Error struct {
	ReqType Code
	ReqID   int64
	Details Details
	URI     string
	Args    []interface{}
	Kwargs  Details
}

type Publish struct {
	ReqID   int64
	Options Options
	Topic   string
	Args    []interface{}
	Kwargs  Details
}

type Published struct {
	ReqID         int64
	PublicationID int64
}

type Subscribe struct {
	ReqID   int64
	Options Options
	Topic   string
}

type Subscribed struct {
	ReqID          int64
	SubscriptionID int64
}

type Event struct {
	SubscriptionID int64
	PublicationID  int64
	Details        Details
	Args           []interface{}
	Kwargs         Details
}

type Call struct {
	ReqID     int64
	Options   Options
	Procedure string
	Args      []interface{}
	Kwargs    Details
}

type Result struct {
	ReqID   int64
	Details Details
	Args    []interface{}
	Kwargs  Details
}

type Register struct {
	ReqID     int64
	Options   Options
	Procedure string
}

type Registered struct {
	ReqID          int64
	RegistrationID int64
}

type Unregister struct {
	ReqID          int64
	RegistrationID int64
}

type Unregistered struct {
	ReqID int64
}

// Invocation's RequestID is the router-allocated id the callee must echo
// back in YIELD or ERROR — the wire table calls it "req_id" like every
// other request, but it originates at the router, not the client.
type Invocation struct {
	RequestID      int64
	RegistrationID int64
	Details        Details
	Args           []interface{}
	Kwargs         Details
}

type Yield struct {
	InvocationID int64
	Options      Options
	Args         []interface{}
	Kwargs       Details
}

func (m Hello) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{CodeHello, m.Realm, orEmpty(m.Details)})
}

func (m Welcome) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{CodeWelcome, m.SessionID, orEmpty(m.Details)})
}

func (m Abort) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{CodeAbort, orEmpty(m.Details), m.Reason})
}

func (m Challenge) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{CodeChallenge, m.AuthMethod, orEmpty(m.Extra)})
}

func (m Authenticate) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{CodeAuthenticate, m.Signature, orEmpty(m.Extra)})
}

func (m Goodbye) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{CodeGoodbye, orEmpty(m.Details), m.Reason})
}

func (m Error) MarshalJSON() ([]byte, error) {
	fields := []interface{}{CodeError, m.ReqType, m.ReqID, orEmpty(m.Details), m.URI}
	fields = appendArgsKwargs(fields, m.Args, m.Kwargs)
	return json.Marshal(fields)
}

func (m Publish) MarshalJSON() ([]byte, error) {
	fields := []interface{}{CodePublish, m.ReqID, orEmpty(m.Options), m.Topic}
	fields = appendArgsKwargs(fields, m.Args, m.Kwargs)
	return json.Marshal(fields)
}

func (m Published) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{CodePublished, m.ReqID, m.PublicationID})
}

func (m Subscribe) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{CodeSubscribe, m.ReqID, orEmpty(m.Options), m.Topic})
}

func (m Subscribed) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{CodeSubscribed, m.ReqID, m.SubscriptionID})
}

func (m Event) MarshalJSON() ([]byte, error) {
	fields := []interface{}{CodeEvent, m.SubscriptionID, m.PublicationID, orEmpty(m.Details)}
	fields = appendArgsKwargs(fields, m.Args, m.Kwargs)
	return json.Marshal(fields)
}

func (m Call) MarshalJSON() ([]byte, error) {
	fields := []interface{}{CodeCall, m.ReqID, orEmpty(m.Options), m.Procedure}
	fields = appendArgsKwargs(fields, m.Args, m.Kwargs)
	return json.Marshal(fields)
}

func (m Result) MarshalJSON() ([]byte, error) {
	fields := []interface{}{CodeResult, m.ReqID, orEmpty(m.Details)}
	fields = appendArgsKwargs(fields, m.Args, m.Kwargs)
	return json.Marshal(fields)
}

func (m Register) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{CodeRegister, m.ReqID, orEmpty(m.Options), m.Procedure})
}

func (m Registered) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{CodeRegistered, m.ReqID, m.RegistrationID})
}

func (m Unregister) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{CodeUnregister, m.ReqID, m.RegistrationID})
}

func (m Unregistered) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{CodeUnregistered, m.ReqID})
}

func (m Invocation) MarshalJSON() ([]byte, error) {
	fields := []interface{}{CodeInvocation, m.RequestID, m.RegistrationID, orEmpty(m.Details)}
	fields = appendArgsKwargs(fields, m.Args, m.Kwargs)
	return json.Marshal(fields)
}

func (m Yield) MarshalJSON() ([]byte, error) {
	fields := []interface{}{CodeYield, m.InvocationID, orEmpty(m.Options)}
	fields = appendArgsKwargs(fields, m.Args, m.Kwargs)
	return json.Marshal(fields)
}

// appendArgsKwargs appends the optional trailing args/kwargs positions only
// when there is something to carry, matching real WAMP wire traffic where
// a call with no arguments is `[48, 1, {}, "proc"]`, not `[48, 1, {}, "proc", [], {}]`.
func appendArgsKwargs(fields []interface{}, args []interface{}, kwargs Details) []interface{} {
	if len(kwargs) > 0 {
		return append(fields, orEmptyArgs(args), kwargs)
	}
	if len(args) > 0 {
		return append(fields, args)
	}
	return fields
}

func orEmpty(d Details) Details {
	if d == nil {
		return Details{}
	}
	return d
}

func orEmptyArgs(args []interface{}) []interface{} {
	if args == nil {
		return []interface{}{}
	}
	return args
}

// ProtocolError-producing arity/shape failures are raised here as
// *ProtocolError directly; see errors.go.

func decodeArray(payload []byte) ([]json.RawMessage, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("message is not a JSON array: %v", err)}
	}
	if len(raw) == 0 {
		return nil, &ProtocolError{Reason: "empty message array"}
	}
	return raw, nil
}

func decodeCode(raw []json.RawMessage) (Code, error) {
	var code int
	if err := json.Unmarshal(raw[0], &code); err != nil {
		return 0, &ProtocolError{Reason: fmt.Sprintf("message code is not an integer: %v", err)}
	}
	return Code(code), nil
}

func requireLen(raw []json.RawMessage, code Code, min int) error {
	if len(raw) < min {
		return &ProtocolError{Reason: fmt.Sprintf("%s: expected at least %d elements, got %d", code, min, len(raw))}
	}
	return nil
}

func unmarshalField(raw json.RawMessage, code Code, field string, out interface{}) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("%s: field %s: %v", code, field, err)}
	}
	return nil
}

func optionalArgs(raw []json.RawMessage, code Code, idx int) ([]interface{}, error) {
	if len(raw) <= idx {
		return nil, nil
	}
	var args []interface{}
	if err := unmarshalField(raw[idx], code, "args", &args); err != nil {
		return nil, err
	}
	return args, nil
}

func optionalKwargs(raw []json.RawMessage, code Code, idx int) (Details, error) {
	if len(raw) <= idx {
		return nil, nil
	}
	var kwargs Details
	if err := unmarshalField(raw[idx], code, "kwargs", &kwargs); err != nil {
		return nil, err
	}
	return kwargs, nil
}

// Decode parses a single WAMP message from either direction and returns
// the concrete typed value matching its code. A real Session only ever
// needs the router-to-client and bidirectional codes; the client-to-
// router codes are decoded too so the same codec can stand in for a
// router in tests without a second parser.
func Decode(payload []byte) (interface{}, error) {
	raw, err := decodeArray(payload)
	if err != nil {
		return nil, err
	}
	code, err := decodeCode(raw)
	if err != nil {
		return nil, err
	}

	switch code {
	case CodeHello:
		if err := requireLen(raw, code, 3); err != nil {
			return nil, err
		}
		var m Hello
		if err := unmarshalField(raw[1], code, "realm", &m.Realm); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "details", &m.Details); err != nil {
			return nil, err
		}
		return m, nil

	case CodeAuthenticate:
		if err := requireLen(raw, code, 3); err != nil {
			return nil, err
		}
		var m Authenticate
		if err := unmarshalField(raw[1], code, "signature", &m.Signature); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "extra", &m.Extra); err != nil {
			return nil, err
		}
		return m, nil

	case CodePublish:
		if err := requireLen(raw, code, 4); err != nil {
			return nil, err
		}
		var m Publish
		if err := unmarshalField(raw[1], code, "req_id", &m.ReqID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "options", &m.Options); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[3], code, "topic", &m.Topic); err != nil {
			return nil, err
		}
		args, err := optionalArgs(raw, code, 4)
		if err != nil {
			return nil, err
		}
		kwargs, err := optionalKwargs(raw, code, 5)
		if err != nil {
			return nil, err
		}
		m.Args, m.Kwargs = args, kwargs
		return m, nil

	case CodeSubscribe:
		if err := requireLen(raw, code, 4); err != nil {
			return nil, err
		}
		var m Subscribe
		if err := unmarshalField(raw[1], code, "req_id", &m.ReqID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "options", &m.Options); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[3], code, "topic", &m.Topic); err != nil {
			return nil, err
		}
		return m, nil

	case CodeCall:
		if err := requireLen(raw, code, 4); err != nil {
			return nil, err
		}
		var m Call
		if err := unmarshalField(raw[1], code, "req_id", &m.ReqID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "options", &m.Options); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[3], code, "procedure", &m.Procedure); err != nil {
			return nil, err
		}
		args, err := optionalArgs(raw, code, 4)
		if err != nil {
			return nil, err
		}
		kwargs, err := optionalKwargs(raw, code, 5)
		if err != nil {
			return nil, err
		}
		m.Args, m.Kwargs = args, kwargs
		return m, nil

	case CodeRegister:
		if err := requireLen(raw, code, 4); err != nil {
			return nil, err
		}
		var m Register
		if err := unmarshalField(raw[1], code, "req_id", &m.ReqID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "options", &m.Options); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[3], code, "procedure", &m.Procedure); err != nil {
			return nil, err
		}
		return m, nil

	case CodeUnregister:
		if err := requireLen(raw, code, 3); err != nil {
			return nil, err
		}
		var m Unregister
		if err := unmarshalField(raw[1], code, "req_id", &m.ReqID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "registration_id", &m.RegistrationID); err != nil {
			return nil, err
		}
		return m, nil

	case CodeYield:
		if err := requireLen(raw, code, 3); err != nil {
			return nil, err
		}
		var m Yield
		if err := unmarshalField(raw[1], code, "invocation_id", &m.InvocationID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "options", &m.Options); err != nil {
			return nil, err
		}
		args, err := optionalArgs(raw, code, 3)
		if err != nil {
			return nil, err
		}
		kwargs, err := optionalKwargs(raw, code, 4)
		if err != nil {
			return nil, err
		}
		m.Args, m.Kwargs = args, kwargs
		return m, nil

	case CodeWelcome:
		if err := requireLen(raw, code, 3); err != nil {
			return nil, err
		}
		var m Welcome
		if err := unmarshalField(raw[1], code, "session_id", &m.SessionID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "details", &m.Details); err != nil {
			return nil, err
		}
		return m, nil

	case CodeAbort:
		if err := requireLen(raw, code, 3); err != nil {
			return nil, err
		}
		var m Abort
		if err := unmarshalField(raw[1], code, "details", &m.Details); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "reason_uri", &m.Reason); err != nil {
			return nil, err
		}
		return m, nil

	case CodeChallenge:
		if err := requireLen(raw, code, 3); err != nil {
			return nil, err
		}
		var m Challenge
		if err := unmarshalField(raw[1], code, "authmethod", &m.AuthMethod); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "extra", &m.Extra); err != nil {
			return nil, err
		}
		return m, nil

	case CodeGoodbye:
		if err := requireLen(raw, code, 3); err != nil {
			return nil, err
		}
		var m Goodbye
		if err := unmarshalField(raw[1], code, "details", &m.Details); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "reason_uri", &m.Reason); err != nil {
			return nil, err
		}
		return m, nil

	case CodeError:
		if err := requireLen(raw, code, 5); err != nil {
			return nil, err
		}
		var m Error
		if err := unmarshalField(raw[1], code, "req_type", &m.ReqType); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "req_id", &m.ReqID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[3], code, "details", &m.Details); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[4], code, "error_uri", &m.URI); err != nil {
			return nil, err
		}
		args, err := optionalArgs(raw, code, 5)
		if err != nil {
			return nil, err
		}
		kwargs, err := optionalKwargs(raw, code, 6)
		if err != nil {
			return nil, err
		}
		m.Args, m.Kwargs = args, kwargs
		return m, nil

	case CodePublished:
		if err := requireLen(raw, code, 3); err != nil {
			return nil, err
		}
		var m Published
		if err := unmarshalField(raw[1], code, "req_id", &m.ReqID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "publication_id", &m.PublicationID); err != nil {
			return nil, err
		}
		return m, nil

	case CodeSubscribed:
		if err := requireLen(raw, code, 3); err != nil {
			return nil, err
		}
		var m Subscribed
		if err := unmarshalField(raw[1], code, "req_id", &m.ReqID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "subscription_id", &m.SubscriptionID); err != nil {
			return nil, err
		}
		return m, nil

	case CodeEvent:
		if err := requireLen(raw, code, 4); err != nil {
			return nil, err
		}
		var m Event
		if err := unmarshalField(raw[1], code, "subscription_id", &m.SubscriptionID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "publication_id", &m.PublicationID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[3], code, "details", &m.Details); err != nil {
			return nil, err
		}
		args, err := optionalArgs(raw, code, 4)
		if err != nil {
			return nil, err
		}
		kwargs, err := optionalKwargs(raw, code, 5)
		if err != nil {
			return nil, err
		}
		m.Args, m.Kwargs = args, kwargs
		return m, nil

	case CodeResult:
		if err := requireLen(raw, code, 3); err != nil {
			return nil, err
		}
		var m Result
		if err := unmarshalField(raw[1], code, "req_id", &m.ReqID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "details", &m.Details); err != nil {
			return nil, err
		}
		args, err := optionalArgs(raw, code, 3)
		if err != nil {
			return nil, err
		}
		kwargs, err := optionalKwargs(raw, code, 4)
		if err != nil {
			return nil, err
		}
		m.Args, m.Kwargs = args, kwargs
		return m, nil

	case CodeRegistered:
		if err := requireLen(raw, code, 3); err != nil {
			return nil, err
		}
		var m Registered
		if err := unmarshalField(raw[1], code, "req_id", &m.ReqID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "registration_id", &m.RegistrationID); err != nil {
			return nil, err
		}
		return m, nil

	case CodeUnregistered:
		if err := requireLen(raw, code, 2); err != nil {
			return nil, err
		}
		var m Unregistered
		if err := unmarshalField(raw[1], code, "req_id", &m.ReqID); err != nil {
			return nil, err
		}
		return m, nil

	case CodeInvocation:
		if err := requireLen(raw, code, 4); err != nil {
			return nil, err
		}
		var m Invocation
		if err := unmarshalField(raw[1], code, "req_id", &m.RequestID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[2], code, "registration_id", &m.RegistrationID); err != nil {
			return nil, err
		}
		if err := unmarshalField(raw[3], code, "details", &m.Details); err != nil {
			return nil, err
		}
		args, err := optionalArgs(raw, code, 4)
		if err != nil {
			return nil, err
		}
		kwargs, err := optionalKwargs(raw, code, 5)
		if err != nil {
			return nil, err
		}
		m.Args, m.Kwargs = args, kwargs
		return m, nil

	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown message code %d", int(code))}
	}
}
