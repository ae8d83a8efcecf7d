package store

import "fmt"

// InvalidInputError reports a caller-provided argument that violates a
// precondition, such as a blank source_device. It fails synchronously
// before any state change.
type InvalidInputError struct {
	Msg string
}

func (e *InvalidInputError) Error() string { return "invalid input: " + e.Msg }

// SyncRejectedError reports that the engine refused a batch due to a
// policy violation: capacity exceeded, or a sequence regression
// without an explicit override. Raised before opening the transaction
// when possible, always before commit.
type SyncRejectedError struct {
	Msg string
}

func (e *SyncRejectedError) Error() string { return "sync rejected: " + e.Msg }

// ProgrammingError indicates API misuse: a write outside a
// transaction, or a nested begin_transaction. It is a bug, not a
// recoverable condition.
type ProgrammingError struct {
	Msg string
}

func (e *ProgrammingError) Error() string { return "programming error: " + e.Msg }

// StoreError wraps an underlying persistence failure. The caller sees
// the transaction (if any) has been aborted.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

var (
	// ErrNestedTransaction is returned by BeginTransaction when a
	// transaction is already open on the same store handle.
	ErrNestedTransaction = &ProgrammingError{Msg: "nested transaction is not supported"}

	// ErrWriteOutsideTransaction is returned by any mutating store
	// operation invoked without an active transaction.
	ErrWriteOutsideTransaction = &ProgrammingError{Msg: "write attempted outside an active transaction"}

	// ErrTxClosed is returned when Commit is attempted on a transaction
	// that has already committed or been abandoned. A write on such a
	// transaction returns ErrWriteOutsideTransaction.
	ErrTxClosed = &ProgrammingError{Msg: "transaction is already closed"}
)
