// SPDX-License-Identifier: Apache-2.0

package engine

import "errors"

// The engine's error kinds, modelled as sentinel values checked with
// errors.Is and built through constructor functions instead of bare string
// comparison.
var (
	// ErrInvalidInput covers an unknown object type or a malformed SHA.
	ErrInvalidInput = errors.New("casobj/engine: invalid input")
	// ErrNotFound is exported for callers that layer richer APIs above the
	// engine; the engine's own operations report absence as a nil result,
	// never as this error.
	ErrNotFound = errors.New("casobj/engine: object not found")
	// ErrStorageUnavailable marks a transient blob-store failure. The engine
	// retains its pre-call state when returning it, so the caller can retry.
	ErrStorageUnavailable = errors.New("casobj/engine: storage unavailable")
	// ErrCorruption covers an undecodable columnar file or WAL/journal row.
	ErrCorruption = errors.New("casobj/engine: corruption")
	// ErrInvariantViolated indicates an internal bug the core cannot reason
	// through. Callers that see this wrapped in a returned error have hit a
	// code path that should instead have panicked during development;
	// production engine methods that detect this condition panic directly
	// rather than returning it.
	ErrInvariantViolated = errors.New("casobj/engine: invariant violated")
)

// NewErrInvalidInput wraps a reason into ErrInvalidInput.
func NewErrInvalidInput(reason string) error {
	return &invalidInputError{reason: reason}
}

type invalidInputError struct {
	reason string
}

func (e *invalidInputError) Error() string { return "casobj/engine: invalid input: " + e.reason }
func (e *invalidInputError) Is(target error) bool { return target == ErrInvalidInput }

// NewErrCorruption wraps the key/row identifying what failed to decode into
// ErrCorruption.
func NewErrCorruption(where string, cause error) error {
	return &corruptionError{where: where, cause: cause}
}

type corruptionError struct {
	where string
	cause error
}

func (e *corruptionError) Error() string {
	if e.cause != nil {
		return "casobj/engine: corruption in " + e.where + ": " + e.cause.Error()
	}
	return "casobj/engine: corruption in " + e.where
}
func (e *corruptionError) Is(target error) bool { return target == ErrCorruption }
func (e *corruptionError) Unwrap() error        { return e.cause }

// NewErrStorageUnavailable wraps a failed blob-store call into
// ErrStorageUnavailable, preserving the cause for errors.Is/As.
func NewErrStorageUnavailable(op string, cause error) error {
	return &storageUnavailableError{op: op, cause: cause}
}

type storageUnavailableError struct {
	op    string
	cause error
}

func (e *storageUnavailableError) Error() string {
	return "casobj/engine: storage unavailable during " + e.op + ": " + e.cause.Error()
}
func (e *storageUnavailableError) Is(target error) bool { return target == ErrStorageUnavailable }
func (e *storageUnavailableError) Unwrap() error        { return e.cause }
