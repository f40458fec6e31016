package storage

import (
	"context"
	"encoding/json"
)

// Store is the persistence contract for tables, rows and users.
//
// Handlers speak in terms of rows and fields; column layout and SQL stay
// behind this interface so tests can exercise the view logic directly.
type Store interface {
	// Init prepares schema/connection state needed before serving requests.
	Init(ctx context.Context) error

	// Close releases resources held by the storage backend.
	Close() error

	// EnsureTable creates or replaces the definition of a table. Existing rows
	// are kept.
	EnsureTable(ctx context.Context, table Table) error

	// GetTable returns the definition of the named table or ErrNotFound.
	GetTable(ctx context.Context, name string) (Table, error)

	// GetRow returns the row with id in table or ErrNotFound.
	GetRow(ctx context.Context, table string, id int64) (Row, error)

	// InsertRow validates values against the table fields and returns the new id.
	InsertRow(ctx context.Context, table string, values map[string]json.RawMessage) (int64, error)

	// UpdateRow merges values into an existing row. Fields not named in values
	// keep their stored value.
	UpdateRow(ctx context.Context, table string, id int64, values map[string]json.RawMessage) error

	// GetUser returns a user or ErrNotFound.
	GetUser(ctx context.Context, id string) (User, error)

	// EnsureUser creates the user with the given role unless it already
	// exists, and returns the stored record.
	EnsureUser(ctx context.Context, user User) (User, error)

	// SetUserRole changes the role of an existing user.
	SetUserRole(ctx context.Context, id string, roleID int) error
}
