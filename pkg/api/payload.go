package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PayloadVersion is the schema version written by NewPayload.
const PayloadVersion = 1

// Payload is an opaque, versioned value carried through workflow history:
// workflow inputs and results, activity arguments and results, signal data.
//
// Data holds the JSON encoding of the value. Two payloads are equal when both
// version and bytes are equal, which is what replay uses to detect that
// workflow code asked for different activity arguments than history recorded.
type Payload struct {
	Version int             `json:"v"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewPayload encodes v as a Payload. A nil v produces an empty payload.
func NewPayload(v any) (Payload, error) {
	if v == nil {
		return Payload{Version: PayloadVersion}, nil
	}
	if p, ok := v.(Payload); ok {
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("hookflow: encode payload: %w", err)
	}
	return Payload{Version: PayloadVersion, Data: data}, nil
}

// MustPayload is like NewPayload but panics on error.
// Intended for tests and static values.
func MustPayload(v any) Payload {
	p, err := NewPayload(v)
	if err != nil {
		panic(err)
	}
	return p
}

// Decode unmarshals the payload into out. Decoding an empty payload leaves
// out untouched.
func (p Payload) Decode(out any) error {
	if p.Version > PayloadVersion {
		return fmt.Errorf("hookflow: payload version %d not supported (max %d)", p.Version, PayloadVersion)
	}
	if p.IsEmpty() || out == nil {
		return nil
	}
	if err := json.Unmarshal(p.Data, out); err != nil {
		return fmt.Errorf("hookflow: decode payload: %w", err)
	}
	return nil
}

// IsEmpty reports whether the payload carries no value.
func (p Payload) IsEmpty() bool {
	return len(p.Data) == 0 || bytes.Equal(p.Data, []byte("null"))
}

// Equal reports whether p and o carry the same version and bytes.
func (p Payload) Equal(o Payload) bool {
	if p.IsEmpty() && o.IsEmpty() {
		return true
	}
	return p.Version == o.Version && bytes.Equal(p.Data, o.Data)
}

// String returns the raw JSON, mainly for logs.
func (p Payload) String() string {
	if p.IsEmpty() {
		return "null"
	}
	return string(p.Data)
}
