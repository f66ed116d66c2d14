package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type idKind uint8

const (
	idKindNone idKind = iota
	idKindString
	idKindInt
)

// RequestID is a JSON-RPC request identifier: a string or an integer.
//
// Matching is strict by tagged kind: a string ID never compares equal to a
// numeric ID, even when the textual forms coincide ("0" vs 0). RequestID is a
// comparable value type and is safe to use as a map key; the pending-request
// tables in the session package rely on this.
//
// The zero value is the absent ID. In the envelope it is carried as a
// *RequestID so that notifications (no id) and null-id errors both decode to
// a nil pointer.
type RequestID struct {
	kind idKind
	str  string
	num  int64
}

// StringID returns a RequestID with string kind.
func StringID(s string) *RequestID {
	return &RequestID{kind: idKindString, str: s}
}

// IntID returns a RequestID with integer kind.
func IntID(n int64) *RequestID {
	return &RequestID{kind: idKindInt, num: n}
}

// IsNil reports whether the ID is absent.
func (id *RequestID) IsNil() bool {
	return id == nil || id.kind == idKindNone
}

// String renders the ID for logging. String and integer IDs with the same
// textual form render identically; use equality on the value, not String(),
// for matching.
func (id *RequestID) String() string {
	if id == nil {
		return ""
	}
	switch id.kind {
	case idKindString:
		return id.str
	case idKindInt:
		return strconv.FormatInt(id.num, 10)
	}
	return ""
}

// Key returns the dereferenced value for use as a map key. Only valid for
// non-nil IDs.
func (id *RequestID) Key() RequestID {
	if id == nil {
		return RequestID{}
	}
	return *id
}

// MarshalJSON implements json.Marshaler.
func (id RequestID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idKindString:
		return json.Marshal(id.str)
	case idKindInt:
		return json.Marshal(id.num)
	}
	return []byte("null"), nil
}

// UnmarshalJSON implements json.Unmarshaler. Integral JSON numbers decode to
// the integer kind; fractional numbers are rejected since they cannot be a
// stable correlation key.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num != float64(int64(num)) {
			return fmt.Errorf("fractional JSON-RPC ID %s is not supported", string(data))
		}
		id.kind = idKindInt
		id.num = int64(num)
		id.str = ""
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.kind = idKindString
		id.str = str
		id.num = 0
		return nil
	}

	return fmt.Errorf("JSON-RPC ID must be a string or integer, got: %s", string(data))
}
