package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS doc_tables (
	name TEXT PRIMARY KEY,
	min_role_read INTEGER NOT NULL,
	min_role_write INTEGER NOT NULL,
	ownership_field TEXT NOT NULL DEFAULT '',
	fields TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS doc_rows (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL REFERENCES doc_tables(name),
	data TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_doc_rows_table
ON doc_rows(table_name);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	role_id INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
`

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnsureTable(ctx context.Context, table Table) error {
	if table.Name == "" {
		return errors.New("table name is required")
	}
	fields, err := json.Marshal(table.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO doc_tables (name, min_role_read, min_role_write, ownership_field, fields)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			min_role_read = excluded.min_role_read,
			min_role_write = excluded.min_role_write,
			ownership_field = excluded.ownership_field,
			fields = excluded.fields
	`, table.Name, table.MinRoleRead, table.MinRoleWrite, table.OwnershipField, string(fields))
	if err != nil {
		return fmt.Errorf("ensure table %s: %w", table.Name, err)
	}
	return nil
}

func (s *SQLiteStore) GetTable(ctx context.Context, name string) (Table, error) {
	return getTable(ctx, s.db, name)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTable(ctx context.Context, q queryer, name string) (Table, error) {
	var table Table
	var fields string
	row := q.QueryRowContext(ctx, `
		SELECT name, min_role_read, min_role_write, ownership_field, fields
		FROM doc_tables
		WHERE name = ?
	`, name)
	if err := row.Scan(&table.Name, &table.MinRoleRead, &table.MinRoleWrite, &table.OwnershipField, &fields); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Table{}, fmt.Errorf("table %s: %w", name, ErrNotFound)
		}
		return Table{}, fmt.Errorf("get table %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(fields), &table.Fields); err != nil {
		return Table{}, fmt.Errorf("decode fields of %s: %w", name, err)
	}
	return table, nil
}

func (s *SQLiteStore) GetRow(ctx context.Context, table string, id int64) (Row, error) {
	return getRow(ctx, s.db, table, id)
}

func getRow(ctx context.Context, q queryer, table string, id int64) (Row, error) {
	var data string
	row := q.QueryRowContext(ctx, `
		SELECT data FROM doc_rows WHERE id = ? AND table_name = ?
	`, id, table)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Row{}, fmt.Errorf("row %s/%d: %w", table, id, ErrNotFound)
		}
		return Row{}, fmt.Errorf("get row %s/%d: %w", table, id, err)
	}
	values := make(map[string]json.RawMessage)
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return Row{}, fmt.Errorf("decode row %s/%d: %w", table, id, err)
	}
	if values == nil {
		values = make(map[string]json.RawMessage)
	}
	return Row{ID: id, Table: table, Values: values}, nil
}

func (s *SQLiteStore) InsertRow(ctx context.Context, table string, values map[string]json.RawMessage) (int64, error) {
	def, err := s.GetTable(ctx, table)
	if err != nil {
		return 0, err
	}
	normalized, err := normalizeValues(def, values)
	if err != nil {
		return 0, err
	}
	data, err := marshalJSON(normalized)
	if err != nil {
		return 0, fmt.Errorf("encode row: %w", err)
	}
	now := time.Now().Unix()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO doc_rows (table_name, data, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, table, string(data), now, now)
	if err != nil {
		return 0, fmt.Errorf("insert row into %s: %w", table, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert row id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) UpdateRow(ctx context.Context, table string, id int64, values map[string]json.RawMessage) error {
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	def, err := getTable(ctx, transaction, table)
	if err != nil {
		_ = transaction.Rollback()
		return err
	}
	normalized, err := normalizeValues(def, values)
	if err != nil {
		_ = transaction.Rollback()
		return err
	}
	current, err := getRow(ctx, transaction, table, id)
	if err != nil {
		_ = transaction.Rollback()
		return err
	}
	for name, v := range normalized {
		current.Values[name] = v
	}
	data, err := marshalJSON(current.Values)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("encode row: %w", err)
	}
	if _, err := transaction.ExecContext(ctx, `
		UPDATE doc_rows SET data = ?, updated_at = ? WHERE id = ? AND table_name = ?
	`, string(data), time.Now().Unix(), id, table); err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("update row %s/%d: %w", table, id, err)
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit row %s/%d: %w", table, id, err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (User, error) {
	user := User{ID: id}
	row := s.db.QueryRowContext(ctx, "SELECT role_id FROM users WHERE id = ?", id)
	if err := row.Scan(&user.RoleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return user, nil
}

func (s *SQLiteStore) EnsureUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" {
		return User{}, errors.New("user id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, role_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, user.ID, user.RoleID, time.Now().Unix())
	if err != nil {
		return User{}, fmt.Errorf("ensure user %s: %w", user.ID, err)
	}
	return s.GetUser(ctx, user.ID)
}

func (s *SQLiteStore) SetUserRole(ctx context.Context, id string, roleID int) error {
	result, err := s.db.ExecContext(ctx, "UPDATE users SET role_id = ? WHERE id = ?", roleID, id)
	if err != nil {
		return fmt.Errorf("set role of %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set role of %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}
