package view

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"blocksuite-view/server/internal/access"
	"blocksuite-view/server/internal/log"
	"blocksuite-view/server/internal/payload"
	"blocksuite-view/server/internal/storage"
)

// RowID accepts a JSON number, a numeric string, "" or null. Zero means
// "no row yet".
type RowID int64

func (id *RowID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		*id = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*id = 0
			return nil
		}
		data = []byte(s)
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || n < 0 {
		return errors.New("id must be a non-negative integer")
	}
	*id = RowID(n)
	return nil
}

// SaveRequest is the body the client posts.
type SaveRequest struct {
	ID      RowID           `json:"id"`
	Content json.RawMessage `json:"content"`
	Field   string          `json:"field"`
}

// SaveResult reports the row written. Created is true when a row was
// inserted.
type SaveResult struct {
	ID      int64
	Created bool
}

// Save writes req.Content into the document field of a row of the view's
// table. Without an id a new row is inserted, owned by user when the table
// has an ownership field.
func (s *Service) Save(ctx context.Context, viewName string, user storage.User, req SaveRequest) (SaveResult, error) {
	id := int64(req.ID)
	logger := log.WithContext(ctx, s.logger).With().
		Str(log.FieldView, viewName).
		Int64(log.FieldRowID, id).
		Logger()

	result, err := s.save(ctx, viewName, user, req)
	if err != nil {
		event := logger.Warn()
		if KindOf(err) == KindInternal {
			event = logger.Error()
		}
		event.Err(err).Str(log.FieldField, req.Field).Str("kind", KindOf(err).String()).Msg("save failed")
		return SaveResult{}, err
	}
	logger.Info().Int64("saved_id", result.ID).Bool("created", result.Created).Msg("document saved")
	return result, nil
}

func (s *Service) save(ctx context.Context, viewName string, user storage.User, req SaveRequest) (SaveResult, error) {
	def, err := s.def(viewName)
	if err != nil {
		return SaveResult{}, err
	}
	if def.Configuration.ReadOnly {
		return SaveResult{}, newError(KindForbidden, "view is read-only", nil)
	}
	table, err := s.table(ctx, def.Table)
	if err != nil {
		return SaveResult{}, err
	}

	fieldName := req.Field
	if fieldName == "" {
		fieldName = def.Configuration.JSONField
	}
	if fieldName == "" {
		return SaveResult{}, newError(KindBadRequest, "field name not specified", nil)
	}
	if table.OwnershipField != "" && fieldName == table.OwnershipField {
		return SaveResult{}, newError(KindBadRequest, "field "+fieldName+" holds the row owner", nil)
	}
	field, ok := table.Field(fieldName)
	if !ok || !field.Type.HoldsDocument() {
		return SaveResult{}, newError(KindBadRequest, "field "+fieldName+" cannot hold a document", nil)
	}
	if err := payload.Validate(req.Content); err != nil {
		return SaveResult{}, newError(KindBadRequest, "invalid content", err)
	}

	values := map[string]json.RawMessage{fieldName: req.Content}
	id := int64(req.ID)

	if id == 0 {
		if !access.Decide(user, table, nil).Write {
			return SaveResult{}, newError(KindForbidden, "not allowed to create rows", nil)
		}
		if table.OwnershipField != "" && user.ID != "" {
			owner, _ := json.Marshal(user.ID)
			values[table.OwnershipField] = owner
		}
		newID, err := s.store.InsertRow(ctx, table.Name, values)
		if err != nil {
			return SaveResult{}, storageError("insert row", err)
		}
		return SaveResult{ID: newID, Created: true}, nil
	}

	row, err := s.store.GetRow(ctx, table.Name, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return SaveResult{}, newError(KindNotFound, "row not found", err)
		}
		return SaveResult{}, newError(KindInternal, "load row", err)
	}
	if !access.Decide(user, table, &row).Write {
		return SaveResult{}, newError(KindForbidden, "not allowed to update this row", nil)
	}
	if err := s.store.UpdateRow(ctx, table.Name, id, values); err != nil {
		return SaveResult{}, storageError("update row", err)
	}
	return SaveResult{ID: id, Created: false}, nil
}

func storageError(msg string, err error) error {
	switch {
	case errors.Is(err, storage.ErrInvalidValue), errors.Is(err, storage.ErrUnknownField):
		return newError(KindBadRequest, msg, err)
	case errors.Is(err, storage.ErrNotFound):
		return newError(KindNotFound, msg, err)
	default:
		return newError(KindInternal, msg, err)
	}
}
