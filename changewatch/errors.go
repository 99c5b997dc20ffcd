package changewatch

import (
	"errors"
	"fmt"
)

// InvalidTargetError is returned by Init when no node is given, or a wrapped
// reference holds no node.
type InvalidTargetError struct {
	Target any
}

func (e *InvalidTargetError) Error() string {
	if e.Target == nil {
		return "changewatch: no node given to watch"
	}
	return fmt.Sprintf("changewatch: %T holds no node to watch", e.Target)
}

// InvalidCategoryError is returned when a name is not one of the recognised
// events.
type InvalidCategoryError struct {
	Name string
}

func (e *InvalidCategoryError) Error() string {
	return fmt.Sprintf("changewatch: unknown event %q, must be one of %v", e.Name, allEvents)
}

// DisabledCategoryError is returned by On when the configuration flag
// gating the event is off.
type DisabledCategoryError struct {
	Event Event
	Flag  string
}

func (e *DisabledCategoryError) Error() string {
	return fmt.Sprintf("changewatch: cannot use %s while %s is disabled", e.Event, e.Flag)
}

// MissingRequiredHandlerError is returned by StartListening before an
// on-change handler has been registered.
type MissingRequiredHandlerError struct {
	Event Event
}

func (e *MissingRequiredHandlerError) Error() string {
	return fmt.Sprintf("changewatch: %s handler is required before listening", e.Event)
}

// InvalidEventError is returned by Emit, Trigger and SyncTrigger for a name
// that has no registration. Cause is an *InvalidCategoryError when the name
// is not recognised at all.
type InvalidEventError struct {
	Event Event
	Cause error
}

func (e *InvalidEventError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("changewatch: cannot trigger %q: %v", string(e.Event), e.Cause)
	}
	return fmt.Sprintf("changewatch: cannot trigger %s: no handler registered", e.Event)
}

func (e *InvalidEventError) Unwrap() error { return e.Cause }

// Lifecycle errors.
var (
	ErrAlreadyInitialized = errors.New("changewatch: already watching a node, call Destroy first")
	ErrNotInitialized     = errors.New("changewatch: Init has not been called")
	ErrAlreadyListening   = errors.New("changewatch: already listening")
)
