package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID identifies a single JSON-RPC request and must be echoed verbatim
// in the matching response. Per the JSON-RPC 2.0 specification it is either a
// non-empty string or an integer. Error responses may carry a null id when the
// peer could not determine the id of the offending message; that state is
// represented by the zero value (NullID), never by an empty string.
type RequestID struct {
	str  string
	num  int64
	kind idKind
}

type idKind int

const (
	idNull idKind = iota
	idString
	idNumber
)

// NullID is the "no id" marker used on error responses when the request id
// could not be recovered (e.g. a parse failure before the id was read).
var NullID = RequestID{}

// StringID creates a RequestID from a non-empty string.
func StringID(s string) RequestID {
	return RequestID{str: s, kind: idString}
}

// IntID creates a RequestID from an integer.
func IntID(n int64) RequestID {
	return RequestID{num: n, kind: idNumber}
}

// IsNull reports whether the id is the null placeholder.
func (id RequestID) IsNull() bool {
	return id.kind == idNull
}

// Key returns a stable string form of the id, suitable for use as a map key in
// a pending-request table. String and numeric ids never collide because string
// ids must be non-empty and numeric keys are prefixed.
func (id RequestID) Key() string {
	switch id.kind {
	case idString:
		return id.str
	case idNumber:
		return "#" + strconv.FormatInt(id.num, 10)
	default:
		return ""
	}
}

// String implements fmt.Stringer for logging.
func (id RequestID) String() string {
	switch id.kind {
	case idString:
		return id.str
	case idNumber:
		return strconv.FormatInt(id.num, 10)
	default:
		return "<null>"
	}
}

// Equal reports whether two ids are the same value.
func (id RequestID) Equal(other RequestID) bool {
	return id == other
}

// MarshalJSON emits the id as a JSON string, integer, or null.
func (id RequestID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idString:
		return json.Marshal(id.str)
	case idNumber:
		return json.Marshal(id.num)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a string, an integer, or null. Empty strings and
// fractional numbers are rejected since neither is a valid request id.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = NullID
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return fmt.Errorf("request id must not be an empty string")
		}
		*id = StringID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("request id must be a string or an integer: %w", err)
	}
	i, err := n.Int64()
	if err != nil {
		return fmt.Errorf("request id must be an integer, got %s", n)
	}
	*id = IntID(i)
	return nil
}
