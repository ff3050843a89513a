package logging

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// OperationError records which step failed and, when there was one, the
// verification session it failed in.
type OperationError struct {
	Operation string
	SessionID string
	Err       error
}

func (e *OperationError) Error() string {
	if e.SessionID == "" {
		return e.Operation + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s [session %s]: %v", e.Operation, e.SessionID, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// NewOperationError wraps err. A nil err stays nil, and an err already
// tagged with the same operation and session is returned as is.
func NewOperationError(operation, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *OperationError
	if errors.As(err, &tagged) && tagged.Operation == operation && tagged.SessionID == sessionID {
		return err
	}
	return &OperationError{Operation: operation, SessionID: sessionID, Err: err}
}

// ErrorFields is zap.Error(err) plus the operation and session_id of the
// outermost OperationError in the chain.
func ErrorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var tagged *OperationError
	if !errors.As(err, &tagged) {
		return fields
	}
	fields = append(fields, zap.String("operation", tagged.Operation))
	if tagged.SessionID != "" {
		fields = append(fields, zap.String("session_id", tagged.SessionID))
	}
	return fields
}
