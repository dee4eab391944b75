package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind classifies an Envelope as one of the four JSON-RPC message shapes.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindNotification
	KindResponse
	KindError
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Envelope is one wire-level JSON-RPC message. Exactly one of the four kinds
// is set; which fields are meaningful depends on Kind:
//
//	KindRequest:      ID, Method, Params
//	KindNotification: Method, Params
//	KindResponse:     ID, Result
//	KindError:        ID (possibly NullID), Err
//
// Unknown top-level fields survive a decode/encode round trip via Extra
// rather than being silently dropped.
type Envelope struct {
	Kind   Kind
	ID     RequestID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Err    *ErrorPayload

	// Extra holds top-level object members outside the JSON-RPC schema.
	Extra map[string]json.RawMessage
}

// NewRequest builds a request envelope, marshalling params if non-nil.
func NewRequest(id RequestID, method string, params interface{}) (*Envelope, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %q: %w", method, err)
	}
	return &Envelope{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification envelope, marshalling params if non-nil.
func NewNotification(method string, params interface{}) (*Envelope, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params for %q: %w", method, err)
	}
	return &Envelope{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewResponse builds a success response envelope. A nil result is emitted as
// JSON null; the result member itself is always present on the wire.
func NewResponse(id RequestID, result interface{}) (*Envelope, error) {
	raw, err := marshalOptional(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result for id %s: %w", id, err)
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &Envelope{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewError builds an error envelope. The id may be NullID when the request id
// could not be determined.
func NewError(id RequestID, payload *ErrorPayload) *Envelope {
	return &Envelope{Kind: KindError, ID: id, Err: payload}
}

// NewErrorFrom converts any error into an error envelope. An *RPCError keeps
// its code and message; anything else becomes a generic internal error.
func NewErrorFrom(id RequestID, err error) *Envelope {
	var rpcErr *RPCError
	if e, ok := err.(*RPCError); ok {
		rpcErr = e
	} else {
		rpcErr = &RPCError{ErrorPayload{Code: ErrorCodeInternalError, Message: err.Error()}}
	}
	payload := rpcErr.ErrorPayload
	return &Envelope{Kind: KindError, ID: id, Err: &payload}
}

func marshalOptional(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// wire member names. Anything else an incoming object carries lands in Extra.
const (
	fieldJSONRPC = "jsonrpc"
	fieldID      = "id"
	fieldMethod  = "method"
	fieldParams  = "params"
	fieldResult  = "result"
	fieldError   = "error"
)

// DecodeEnvelope parses one wire message and classifies it as exactly one of
// the four kinds. Classification is by field presence, applied in order:
//
//  1. 'error' present            -> KindError (id may be null)
//  2. 'method' and 'id' present  -> KindRequest, unless 'result' also present
//  3. 'method' without 'id'      -> KindNotification
//  4. 'id' and 'result' present  -> KindResponse
//  5. anything else              -> Invalid Request
//
// Failures return an *RPCError: ErrorCodeParseError for malformed JSON and
// ErrorCodeInvalidRequest for a wrong jsonrpc field or an ambiguous shape.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, NewParseError(err.Error())
	}

	versionRaw, ok := fields[fieldJSONRPC]
	if !ok {
		return nil, NewInvalidRequestError("missing jsonrpc field")
	}
	var version string
	if err := json.Unmarshal(versionRaw, &version); err != nil || version != JSONRPCVersion {
		return nil, NewInvalidRequestError(fmt.Sprintf("jsonrpc field must be %q", JSONRPCVersion))
	}

	var id RequestID
	idRaw, hasID := fields[fieldID]
	if hasID {
		if err := id.UnmarshalJSON(idRaw); err != nil {
			return nil, NewInvalidRequestError(err.Error())
		}
		// An explicit null id is only meaningful on error envelopes; treat
		// it as absent for classification.
		if id.IsNull() {
			hasID = false
		}
	}

	methodRaw, hasMethod := fields[fieldMethod]
	var method string
	if hasMethod {
		if err := json.Unmarshal(methodRaw, &method); err != nil || method == "" {
			return nil, NewInvalidRequestError("method must be a non-empty string")
		}
	}

	resultRaw, hasResult := fields[fieldResult]
	errRaw, hasErr := fields[fieldError]

	env := &Envelope{Extra: extraFields(fields)}

	switch {
	case hasErr:
		var payload ErrorPayload
		if err := json.Unmarshal(errRaw, &payload); err != nil {
			return nil, NewParseError(fmt.Sprintf("malformed error member: %v", err))
		}
		env.Kind = KindError
		env.ID = id
		env.Err = &payload

	case hasMethod && hasID && !hasResult:
		env.Kind = KindRequest
		env.ID = id
		env.Method = method
		env.Params = fields[fieldParams]

	case hasMethod && !hasID:
		env.Kind = KindNotification
		env.Method = method
		env.Params = fields[fieldParams]

	case hasID && hasResult && !hasMethod:
		env.Kind = KindResponse
		env.ID = id
		env.Result = resultRaw

	default:
		return nil, NewInvalidRequestError("message matches no JSON-RPC shape")
	}

	return env, nil
}

func extraFields(fields map[string]json.RawMessage) map[string]json.RawMessage {
	var extra map[string]json.RawMessage
	for k, v := range fields {
		switch k {
		case fieldJSONRPC, fieldID, fieldMethod, fieldParams, fieldResult, fieldError:
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra
}

// Encode serializes the envelope to its wire form. Only the members relevant
// to the envelope's kind are emitted; absent optional members are omitted
// entirely, never written as null. The one exception is the id on response
// and error envelopes, which the protocol mandates even when null.
func (e *Envelope) Encode() ([]byte, error) {
	fields := make(map[string]json.RawMessage, 4+len(e.Extra))
	fields[fieldJSONRPC] = json.RawMessage(`"` + JSONRPCVersion + `"`)

	putID := func() error {
		idData, err := e.ID.MarshalJSON()
		if err != nil {
			return err
		}
		fields[fieldID] = idData
		return nil
	}

	switch e.Kind {
	case KindRequest:
		if e.ID.IsNull() {
			return nil, fmt.Errorf("request envelope requires a non-null id")
		}
		if err := putID(); err != nil {
			return nil, err
		}
		fields[fieldMethod] = mustQuote(e.Method)
		if e.Params != nil {
			fields[fieldParams] = e.Params
		}

	case KindNotification:
		fields[fieldMethod] = mustQuote(e.Method)
		if e.Params != nil {
			fields[fieldParams] = e.Params
		}

	case KindResponse:
		if err := putID(); err != nil {
			return nil, err
		}
		result := e.Result
		if result == nil {
			result = json.RawMessage("null")
		}
		fields[fieldResult] = result

	case KindError:
		if e.Err == nil {
			return nil, fmt.Errorf("error envelope requires an error payload")
		}
		if err := putID(); err != nil {
			return nil, err
		}
		errData, err := json.Marshal(e.Err)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error payload: %w", err)
		}
		fields[fieldError] = errData

	default:
		return nil, fmt.Errorf("cannot encode envelope of kind %v", e.Kind)
	}

	for k, v := range e.Extra {
		fields[k] = v
	}
	return json.Marshal(fields)
}

func mustQuote(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// UnmarshalPayload decodes a raw params or result member into the typed struct
// pointed to by target. A nil or JSON-null payload is an error; callers that
// accept absent params should check first.
func UnmarshalPayload(payload json.RawMessage, target interface{}) error {
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return fmt.Errorf("payload is nil or empty, cannot unmarshal")
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("failed to unmarshal payload into %T: %w", target, err)
	}
	return nil
}

// UnmarshalPayload decodes the envelope's own payload into target: the
// result member for responses, the params member otherwise.
func (e *Envelope) UnmarshalPayload(target interface{}) error {
	if e.Kind == KindResponse {
		return UnmarshalPayload(e.Result, target)
	}
	return UnmarshalPayload(e.Params, target)
}
