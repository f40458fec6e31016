package log

// Field names shared by every log line.
const (
	FieldComponent = "component"
	FieldRequestID = "request_id"
	FieldUserID    = "user_id"
	FieldView      = "view"
	FieldTable     = "table"
	FieldRowID     = "row_id"
	FieldField     = "field"
	FieldRoute     = "route"
	FieldStatus    = "status"
)
