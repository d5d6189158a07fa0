package logger

// Standard field names for structured logging.
const (
	FieldRequestID  = "request_id"
	FieldBatchID    = "batch_id"
	FieldActorID    = "actor_id"
	FieldComponent  = "component"
	FieldOperation  = "operation"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldCount      = "count"
	FieldAddress    = "address"
	FieldWorkspace  = "workspace"
)
