package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelopeKinds(t *testing.T) {
	tests := []struct {
		name string
		data string
		kind Kind
	}{
		{"request with numeric id", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, KindRequest},
		{"request with string id", `{"jsonrpc":"2.0","id":"req-1","method":"tools/list","params":{"cursor":"a"}}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"initialized"}`, KindNotification},
		{"notification with params", `{"jsonrpc":"2.0","method":"progress","params":{"pct":50}}`, KindNotification},
		{"response", `{"jsonrpc":"2.0","id":1,"result":{}}`, KindResponse},
		{"error", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`, KindError},
		{"error with null id", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`, KindError},
		// An explicit null id counts as absent: a method with id:null is a
		// notification, not a request, since null ids only identify error
		// envelopes whose request id could not be read.
		{"method with null id", `{"jsonrpc":"2.0","id":null,"method":"x"}`, KindNotification},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tc.data))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, env.Kind)
		})
	}
}

func TestDecodeEnvelopeInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		code int
	}{
		{"not json", `{nope`, ErrorCodeParseError},
		{"missing jsonrpc", `{"id":1,"method":"ping"}`, ErrorCodeInvalidRequest},
		{"wrong jsonrpc", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, ErrorCodeInvalidRequest},
		{"id and result and method", `{"jsonrpc":"2.0","id":1,"method":"x","result":{}}`, ErrorCodeInvalidRequest},
		{"bare id", `{"jsonrpc":"2.0","id":1}`, ErrorCodeInvalidRequest},
		{"empty object", `{"jsonrpc":"2.0"}`, ErrorCodeInvalidRequest},
		{"empty string id", `{"jsonrpc":"2.0","id":"","method":"ping"}`, ErrorCodeInvalidRequest},
		{"fractional id", `{"jsonrpc":"2.0","id":1.5,"method":"ping"}`, ErrorCodeInvalidRequest},
		{"empty method", `{"jsonrpc":"2.0","id":1,"method":""}`, ErrorCodeInvalidRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tc.data))
			require.Error(t, err)
			assert.Nil(t, env)
			var rpcErr *RPCError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tc.code, rpcErr.Code)
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	req, err := NewRequest(IntID(7), "tools/call", map[string]interface{}{"name": "echo"})
	require.NoError(t, err)

	notif, err := NewNotification("progress", map[string]interface{}{"pct": 10})
	require.NoError(t, err)

	resp, err := NewResponse(StringID("req-9"), map[string]interface{}{"ok": true})
	require.NoError(t, err)

	errEnv := NewError(NullID, &ErrorPayload{Code: ErrorCodeParseError, Message: "Parse error"})

	for _, env := range []*Envelope{req, notif, resp, errEnv} {
		data, err := env.Encode()
		require.NoError(t, err)

		decoded, err := DecodeEnvelope(data)
		require.NoError(t, err, "encoded form: %s", data)

		assert.Equal(t, env.Kind, decoded.Kind)
		assert.True(t, env.ID.Equal(decoded.ID))
		assert.Equal(t, env.Method, decoded.Method)
		if env.Params != nil {
			assert.JSONEq(t, string(env.Params), string(decoded.Params))
		}
		if env.Result != nil {
			assert.JSONEq(t, string(env.Result), string(decoded.Result))
		}
		if env.Err != nil {
			require.NotNil(t, decoded.Err)
			assert.Equal(t, env.Err.Code, decoded.Err.Code)
			assert.Equal(t, env.Err.Message, decoded.Err.Message)
		}
	}
}

func TestEncodeOmitsAbsentFields(t *testing.T) {
	req, err := NewRequest(IntID(1), "ping", nil)
	require.NoError(t, err)

	data, err := req.Encode()
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.NotContains(t, fields, "params")
	assert.NotContains(t, fields, "result")
	assert.NotContains(t, fields, "error")

	notif, err := NewNotification("initialized", nil)
	require.NoError(t, err)
	data, err = notif.Encode()
	require.NoError(t, err)
	fields = nil
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.NotContains(t, fields, "id")
}

func TestEncodeErrorKeepsNullID(t *testing.T) {
	env := NewError(NullID, &ErrorPayload{Code: ErrorCodeParseError, Message: "Parse error"})
	data, err := env.Encode()
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	require.Contains(t, fields, "id")
	assert.Equal(t, "null", string(fields["id"]))
}

func TestEnvelopeExtraFieldsPreserved(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping","_meta":{"trace":"abc"}}`)
	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	require.Contains(t, env.Extra, "_meta")

	encoded, err := env.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(encoded))
}

func TestRequestIDKeyUniqueness(t *testing.T) {
	// A numeric id and a string id with the same rendering must not collide
	// in a pending-request table.
	assert.NotEqual(t, IntID(42).Key(), StringID("42").Key())
	assert.Equal(t, "", NullID.Key())
}

func TestRequestIDJSON(t *testing.T) {
	var id RequestID
	require.NoError(t, json.Unmarshal([]byte(`"abc"`), &id))
	assert.Equal(t, StringID("abc"), id)

	require.NoError(t, json.Unmarshal([]byte(`42`), &id))
	assert.Equal(t, IntID(42), id)

	require.NoError(t, json.Unmarshal([]byte(`null`), &id))
	assert.True(t, id.IsNull())

	assert.Error(t, json.Unmarshal([]byte(`""`), &id))
	assert.Error(t, json.Unmarshal([]byte(`1.25`), &id))
	assert.Error(t, json.Unmarshal([]byte(`true`), &id))
}
