package audit

// EventType classifies what kind of activity an audit record describes.
type EventType string

// Event types.
const (
	EventModelCRUD      EventType = "model_crud"
	EventUIAction       EventType = "ui_action"
	EventSystem         EventType = "system_event"
	EventCustom         EventType = "custom"
	EventBatchOperation EventType = "batch_operation"
	EventRollback       EventType = "rollback_action"
)

// Valid reports whether e is one of the known event types.
func (e EventType) Valid() bool {
	switch e {
	case EventModelCRUD, EventUIAction, EventSystem, EventCustom, EventBatchOperation, EventRollback:
		return true
	}
	return false
}

// ActionType is the operation an audit record describes.
type ActionType string

// Action types. ActionAuditFailure is written only by the write-back fallback path.
const (
	ActionCreate       ActionType = "create"
	ActionUpdate       ActionType = "update"
	ActionDelete       ActionType = "delete"
	ActionRestore      ActionType = "restore"
	ActionForceDelete  ActionType = "force_delete"
	ActionRetrieve     ActionType = "retrieve"
	ActionRollback     ActionType = "rollback"
	ActionCustom       ActionType = "custom"
	ActionAuditFailure ActionType = "audit_failure"
)

// Valid reports whether a is one of the known action types.
func (a ActionType) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionRestore, ActionForceDelete,
		ActionRetrieve, ActionRollback, ActionCustom, ActionAuditFailure:
		return true
	}
	return false
}

// HasHistory reports whether the action produces a history entry.
func (a ActionType) HasHistory() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionRestore:
		return true
	}
	return false
}

// MutationEvent is a lifecycle event of one model instance as reported by the host
// application. Old holds the attributes before the mutation (nil for create), New the
// attributes after it (nil for delete).
type MutationEvent struct {
	ModelType string
	ModelID   string
	Action    ActionType
	Old       map[string]any
	New       map[string]any
}

// CustomEvent is an audit entry not tied to a model lifecycle hook, such as a UI action,
// a batch job or a deploy marker.
type CustomEvent struct {
	EventType EventType
	Action    ActionType
	ModelType string
	ModelID   string
	Old       map[string]any
	New       map[string]any
	Metadata  map[string]any
}

// RollbackEvent describes a completed rollback, recorded as a rollback_action.
type RollbackEvent struct {
	HistoryID int64
	ModelType string
	ModelID   string
	Reverted  ActionType
	Before    map[string]any
	After     map[string]any
}
