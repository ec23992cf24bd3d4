package engine

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed or missing input. Nothing is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrAlreadyProcessed is wrapped by InvalidTransitionError when a competing
// writer already moved the entity out of the state this call required.
var ErrAlreadyProcessed = errors.New("already processed")

// ErrNotDelivered is wrapped by InvalidTransitionError when a delivery
// decision targets a module that has no submitted delivery.
var ErrNotDelivered = errors.New("no delivery submitted")

// InvalidTransitionError reports an unmet state precondition. Current carries
// the state the caller should resynchronise to.
type InvalidTransitionError struct {
	Entity  string
	ID      string
	Field   string
	Current string
	Target  string
	Err     error
}

func (e InvalidTransitionError) Error() string {
	current := e.Current
	if current == "" {
		current = "unset"
	}
	msg := fmt.Sprintf("%s %s: cannot move %s from %s to %s", e.Entity, e.ID, e.Field, current, e.Target)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e InvalidTransitionError) Unwrap() error { return e.Err }

// DuplicateCodeError reports a code collision that survived one retry.
type DuplicateCodeError struct {
	Code string
}

func (e DuplicateCodeError) Error() string {
	return fmt.Sprintf("generated code %s already exists; retry", e.Code)
}
