package mutator

import (
	"errors"
	"fmt"
)

// State is a step of the reconfiguration sequence.
type State uint8

const (
	StateBackup State = iota
	StateApply
	StateRestart
	StateVerify
	StateRollback

	// terminal states
	StateCommitted
	StateRolledBack
	StateRollbackFailed
	StateAborted // backup failed, nothing was changed
)

func (s State) String() string {
	switch s {
	case StateBackup:
		return "backup"
	case StateApply:
		return "apply"
	case StateRestart:
		return "restart"
	case StateVerify:
		return "verify"
	case StateRollback:
		return "rollback"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateRollbackFailed:
		return "rollback_failed"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s State) Terminal() bool {
	return s >= StateCommitted
}

// Error is returned when the sequence did not commit. Failed is the step
// that failed and Final the state the sequence ended in.
type Error struct {
	Failed      State
	Final       State
	Err         error
	RollbackErr error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s failed (%s): %s", e.Failed, e.Final, e.Err)
	if e.RollbackErr != nil {
		msg += "; rollback: " + e.RollbackErr.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Err}
	if e.RollbackErr != nil {
		errs = append(errs, e.RollbackErr)
	}
	return errs
}

// Unrecovered reports if the previous configuration could not be
// restored; the host may be left without a working time server.
func (e *Error) Unrecovered() bool {
	return e.Final == StateRollbackFailed
}

// IsUnrecovered reports if err is (or wraps) an unrecovered *Error.
func IsUnrecovered(err error) bool {
	var merr *Error
	return errors.As(err, &merr) && merr.Unrecovered()
}
