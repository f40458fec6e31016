// Package payload handles the JSON document a view stores in a row field.
//
// The payload carries editor snapshots the server never looks into:
//
//	{"docs": [<snapshot>, ...], "info": <collection info snapshot>}
//
// Only two properties are checked: the value is valid JSON, and docs is a
// list when present.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Payload is the stored collection. Docs keeps the collection order.
type Payload struct {
	Docs []json.RawMessage `json:"docs"`
	Info json.RawMessage   `json:"info,omitempty"`
}

var errInvalidJSON = errors.New("content is not valid JSON")

// Validate reports whether content can be stored.
func Validate(content json.RawMessage) error {
	if len(bytes.TrimSpace(content)) == 0 || !json.Valid(content) {
		return errInvalidJSON
	}
	return nil
}

// Decode reads a stored field value. The value may be the payload object
// itself (JSON fields) or a JSON string holding it (String and Text fields).
// ok is false when there is nothing to hydrate: an empty or malformed value,
// or a payload without documents. Callers then seed a fresh document.
func Decode(raw json.RawMessage) (Payload, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return Payload{}, false
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return Payload{}, false
		}
		raw = bytes.TrimSpace([]byte(inner))
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, false
	}
	if len(p.Docs) == 0 {
		return Payload{}, false
	}
	return p, true
}
