package calls

import (
	"errors"
	"fmt"
)

var (
	ErrCalleeBusy         = errors.New("calls: callee busy")
	ErrIdentityUnresolved = errors.New("calls: identity unresolved")
	ErrRecordNotFound     = errors.New("calls: record not found")
	ErrPersistence        = errors.New("calls: persistence failure")
	ErrTransport          = errors.New("calls: transport error")

	ErrCallEnded         = errors.New("calls: call already ended")
	ErrVersionConflict   = errors.New("calls: version conflict")
	ErrInvalidTransition = errors.New("calls: invalid transition")
	ErrInvalidArgument   = errors.New("calls: invalid argument")
)

// PersistenceError wraps a store failure with the operation that failed.
// errors.Is(err, ErrPersistence) holds for every PersistenceError.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("calls: persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence wraps err unless it is nil or already a domain condition callers branch on.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrRecordNotFound),
		errors.Is(err, ErrCallEnded),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrPersistence):
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// TransportError wraps a failure surfaced by the local media stack.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("calls: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
