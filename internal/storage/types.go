package storage

import (
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when a table, row or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidValue is returned when a field value does not fit its type.
	ErrInvalidValue = errors.New("invalid field value")
	// ErrUnknownField is returned when a value targets a field the table lacks.
	ErrUnknownField = errors.New("unknown field")
)

type FieldType string

const (
	FieldJSON    FieldType = "JSON"
	FieldString  FieldType = "String"
	FieldText    FieldType = "Text"
	FieldInteger FieldType = "Integer"
	FieldBool    FieldType = "Bool"
)

// HoldsDocument reports whether a field of this type can store an editor payload.
func (t FieldType) HoldsDocument() bool {
	return t == FieldJSON || t == FieldString || t == FieldText
}

type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Table describes a user-defined table and its role thresholds.
type Table struct {
	Name           string  `json:"name"`
	Fields         []Field `json:"fields"`
	MinRoleRead    int     `json:"minRoleRead"`
	MinRoleWrite   int     `json:"minRoleWrite"`
	OwnershipField string  `json:"ownershipField,omitempty"`
}

// Field looks up a field by name.
func (t Table) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Row is one record; Values holds raw JSON per field name.
type Row struct {
	ID     int64                      `json:"id"`
	Table  string                     `json:"table"`
	Values map[string]json.RawMessage `json:"values"`
}

// Value returns the raw value of field or nil when unset.
func (r Row) Value(field string) json.RawMessage {
	if r.Values == nil {
		return nil
	}
	v := r.Values[field]
	if len(v) == 0 || string(v) == "null" {
		return nil
	}
	return v
}

// StringValue decodes a string-typed value. Non-string values yield "".
func (r Row) StringValue(field string) string {
	raw := r.Value(field)
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

type User struct {
	ID     string `json:"id"`
	RoleID int    `json:"roleId"`
}
