package dbsession

import (
	"errors"
	"fmt"
)

// Sentinel errors for the session layer. Callers match them with errors.Is;
// the concrete types below carry the offending entity or operation.
var (
	// ErrStoreUnavailable means no connection could be obtained from the
	// pool or the store stopped answering mid-request.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrDetachedEntity is matched by *DetachedError.
	ErrDetachedEntity = errors.New("detached entity")

	// ErrHandleClosed is returned by every Handle operation after Close.
	ErrHandleClosed = errors.New("session handle closed")

	// ErrNoRequestScope is returned when a request-scoped call is made with
	// a context that was never passed through WithScope.
	ErrNoRequestScope = errors.New("no request scope in context")

	// ErrRowGone means the row backing an entity no longer exists.
	ErrRowGone = errors.New("row no longer exists")

	// ErrInactive means the user row exists but has been deactivated.
	ErrInactive = errors.New("principal is inactive")

	// ErrStaleState means a detached copy no longer matches its row and
	// cannot be merged as-is.
	ErrStaleState = errors.New("detached state is stale")

	// ErrPrincipalUnavailable is matched by *PrincipalUnavailableError.
	ErrPrincipalUnavailable = errors.New("principal unavailable")
)

// DetachedError reports an access to an entity that is not attached to any
// open session handle. It is the recoverable signal that triggers reattachment.
type DetachedError struct {
	Entity string // e.g. "User"
	ID     uint
	Attr   string // attribute or relationship being accessed, may be empty
	Err    error  // underlying cause, may be nil
}

func (e *DetachedError) Error() string {
	msg := fmt.Sprintf("%s %d is detached", e.Entity, e.ID)
	if e.Attr != "" {
		msg += " (accessing " + e.Attr + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DetachedError) Is(target error) bool { return target == ErrDetachedEntity }
func (e *DetachedError) Unwrap() error { return e.Err }

// TeardownError wraps a failure during commit, rollback or release at the
// end of a request. It is logged, never surfaced to the client.
type TeardownError struct {
	Op  string // commit|rollback|release
	Err error
}

func (e *TeardownError) Error() string { return "teardown " + e.Op + ": " + e.Err.Error() }
func (e *TeardownError) Unwrap() error { return e.Err }

// PrincipalUnavailableError means the current principal could neither be
// merged nor reloaded, typically because its row was deleted.
type PrincipalUnavailableError struct {
	UserID uint
	Err    error
}

func (e *PrincipalUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("principal %d unavailable", e.UserID)
	}
	return fmt.Sprintf("principal %d unavailable: %v", e.UserID, e.Err)
}

func (e *PrincipalUnavailableError) Is(target error) bool { return target == ErrPrincipalUnavailable }
func (e *PrincipalUnavailableError) Unwrap() error { return e.Err }

// unavailable tags err as a store availability failure.
func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// IsRecoverable reports whether err signals a detached entity that a
// reattachment attempt may fix.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrDetachedEntity) || errors.Is(err, ErrHandleClosed)
}
