package rollback

import (
	"errors"
	"fmt"
)

// Precondition failure reasons, in the order they are checked. Use errors.Is against a
// returned error to find which one refused the rollback.
var (
	ErrFunctionalityDisabled = errors.New("rollback functionality is disabled")
	ErrNotFound              = errors.New("history entry not found")
	ErrNotAllowed            = errors.New("history entry cannot be rolled back")
	ErrAlreadyRolledBack     = errors.New("history entry has already been rolled back")
	ErrPermissionDenied      = errors.New("actor may not roll back this model")
	ErrModelNotFound         = errors.New("target model record no longer exists")
	ErrRecordExists          = errors.New("target model record already exists")
	ErrFieldPermissionDenied = errors.New("rollback would restore a non-auditable field")
)

var outcomeLabels = map[error]string{
	ErrFunctionalityDisabled: "functionality_disabled",
	ErrNotFound:              "not_found",
	ErrNotAllowed:            "not_allowed",
	ErrAlreadyRolledBack:     "already_rolled_back",
	ErrPermissionDenied:      "permission_denied",
	ErrModelNotFound:         "model_not_found",
	ErrRecordExists:          "record_exists",
	ErrFieldPermissionDenied: "field_permission_denied",
}

// PreconditionError is returned when a rollback is refused. Reason is one of the Err*
// sentinels; Err carries the underlying cause when there is one.
type PreconditionError struct {
	Reason    error
	HistoryID int64
	Detail    string
	Err       error
}

func (e *PreconditionError) Error() string {
	msg := fmt.Sprintf("rollback of history entry %d refused: %v", e.HistoryID, e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PreconditionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// Code returns the snake_case name of the reason, suitable for API responses.
func (e *PreconditionError) Code() string {
	return outcomeLabels[e.Reason]
}

func refuse(reason error, historyID int64, detail string) *PreconditionError {
	return &PreconditionError{Reason: reason, HistoryID: historyID, Detail: detail}
}

// outcome maps err to the label of the rollback outcome metric.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	var pe *PreconditionError
	if errors.As(err, &pe) {
		if label, ok := outcomeLabels[pe.Reason]; ok {
			return label
		}
	}
	return "error"
}
