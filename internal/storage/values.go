package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// normalizeValue checks raw against the field type and returns the form that
// gets stored. String and Text fields accept any JSON and keep non-string
// content as its serialized text.
func normalizeValue(field Field, raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrInvalidValue, field.Name)
	}
	switch field.Type {
	case FieldJSON:
		return raw, nil
	case FieldString, FieldText:
		if raw[0] == '"' {
			return raw, nil
		}
		encoded, err := marshalJSON(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, field.Name, err)
		}
		return encoded, nil
	case FieldInteger:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("%w: %s must be an integer", ErrInvalidValue, field.Name)
		}
		return raw, nil
	case FieldBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %s must be a boolean", ErrInvalidValue, field.Name)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: %s has unsupported type %q", ErrInvalidValue, field.Name, field.Type)
	}
}

func normalizeValues(table Table, values map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(values))
	for name, raw := range values {
		field, ok := table.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, table.Name, name)
		}
		v, err := normalizeValue(field, raw)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// marshalJSON encodes v without HTML escaping so stored documents keep the
// characters the client sent.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
