package apperrors

import "errors"

var (
	// ErrValidation indicates a malformed ingest payload (missing required
	// identifying fields). Never retryable.
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates a sequence collision on append. The engine
	// retries with a fresh sequence; callers should never see it.
	ErrConflict = errors.New("sequence conflict")

	// ErrNotFound indicates an unknown record or tenant.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable indicates a transient storage failure. Retryable
	// for append only when sequence allocation is known not to have happened.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrEmptyExport indicates an export matched no records. Exports never
	// produce silently empty artifacts.
	ErrEmptyExport = errors.New("export matched no records")
)
