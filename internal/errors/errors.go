package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents an Upbeat error code.
type ErrorCode string

const (
	ErrDataSource         ErrorCode = "DATA_SOURCE"          // 502
	ErrEmptyCorpus        ErrorCode = "EMPTY_CORPUS"         // 422
	ErrOptimization       ErrorCode = "OPTIMIZATION"         // 500
	ErrCheckpointNotFound ErrorCode = "CHECKPOINT_NOT_FOUND" // 404
	ErrCheckpointCorrupt  ErrorCode = "CHECKPOINT_CORRUPT"   // 500
	ErrGenerationTimeout  ErrorCode = "GENERATION_TIMEOUT"   // 504
	ErrEncoding           ErrorCode = "ENCODING"             // 400
	ErrInvalidState       ErrorCode = "INVALID_STATE"        // 409
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"      // 400
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"         // 401
	ErrInternal           ErrorCode = "INTERNAL"             // 500
)

// UpbeatError represents a structured error with code, status, and details.
type UpbeatError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	// Err is the underlying cause, if any. Not shown to request-layer users.
	Err error
}

// Error implements the error interface.
func (e *UpbeatError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *UpbeatError) Unwrap() error {
	return e.Err
}

// SafeMessage returns a message suitable for end users.
// Server-side failures get a generic message so internal detail never leaks.
func (e *UpbeatError) SafeMessage() string {
	if e.Status >= 500 {
		switch e.Code {
		case ErrGenerationTimeout:
			return "paraphrasing took too long, please try a shorter sentence"
		default:
			return "something went wrong while paraphrasing, please try again"
		}
	}
	return e.Message
}

// NewDataSource creates a 502 error for a dataset that cannot be fetched or parsed.
func NewDataSource(source string, err error) *UpbeatError {
	msg := fmt.Sprintf("dataset %q could not be loaded", source)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &UpbeatError{
		Code:    ErrDataSource,
		Status:  502,
		Message: msg,
		Details: map[string]any{"source": source},
		Err:     err,
	}
}

// NewEmptyCorpus creates a 422 error when no positive entries survive filtering.
func NewEmptyCorpus(total int) *UpbeatError {
	return &UpbeatError{
		Code:    ErrEmptyCorpus,
		Status:  422,
		Message: fmt.Sprintf("no positive entries remain after filtering %d rows", total),
		Details: map[string]any{"total_rows": total},
	}
}

// NewOptimization creates a 500 error for a non-finite training loss.
func NewOptimization(epoch, batch int, loss float64) *UpbeatError {
	return &UpbeatError{
		Code:    ErrOptimization,
		Status:  500,
		Message: fmt.Sprintf("non-finite loss %v at epoch %d batch %d", loss, epoch, batch),
		Details: map[string]any{"epoch": epoch, "batch": batch, "loss": fmt.Sprint(loss)},
	}
}

// NewCheckpointNotFound creates a 404 error for a missing checkpoint directory.
func NewCheckpointNotFound(path string) *UpbeatError {
	return &UpbeatError{
		Code:    ErrCheckpointNotFound,
		Status:  404,
		Message: fmt.Sprintf("checkpoint not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewCheckpointCorrupt creates a 500 error for unreadable or inconsistent checkpoint files.
func NewCheckpointCorrupt(path string, err error) *UpbeatError {
	msg := fmt.Sprintf("checkpoint %s is corrupt", path)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &UpbeatError{
		Code:    ErrCheckpointCorrupt,
		Status:  500,
		Message: msg,
		Details: map[string]any{"path": path},
		Err:     err,
	}
}

// NewGenerationTimeout creates a 504 error when decoding exceeds its step budget or deadline.
func NewGenerationTimeout(steps, budget int) *UpbeatError {
	return &UpbeatError{
		Code:    ErrGenerationTimeout,
		Status:  504,
		Message: fmt.Sprintf("generation stopped after %d steps (budget %d)", steps, budget),
		Details: map[string]any{"steps": steps, "budget": budget},
	}
}

// NewEncoding creates a 400 error for input the vocabulary cannot represent.
func NewEncoding(r rune, pos int) *UpbeatError {
	return &UpbeatError{
		Code:    ErrEncoding,
		Status:  400,
		Message: fmt.Sprintf("character %q at position %d is not in the vocabulary", r, pos),
		Details: map[string]any{"rune": string(r), "position": pos},
	}
}

// NewInvalidState creates a 409 error for an operation the service cannot run in its current state.
func NewInvalidState(op, state string) *UpbeatError {
	return &UpbeatError{
		Code:    ErrInvalidState,
		Status:  409,
		Message: fmt.Sprintf("cannot %s while service is %s", op, state),
		Details: map[string]any{"operation": op, "state": state},
	}
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *UpbeatError {
	return &UpbeatError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewUnauthorized creates a 401 error for failed authentication.
func NewUnauthorized() *UpbeatError {
	return &UpbeatError{
		Code:    ErrUnauthorized,
		Status:  401,
		Message: "invalid username or password",
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
// The message stays generic; the cause is kept in Details for logging.
func NewInternal(err error) *UpbeatError {
	details := map[string]any{}
	if err != nil {
		details["internal_error"] = err.Error()
	}
	return &UpbeatError{
		Code:    ErrInternal,
		Status:  500,
		Message: "an internal error occurred",
		Details: details,
		Err:     err,
	}
}

// As returns err as an *UpbeatError, wrapping unknown errors as INTERNAL.
func As(err error) *UpbeatError {
	if err == nil {
		return nil
	}
	var uErr *UpbeatError
	if stderrors.As(err, &uErr) {
		return uErr
	}
	return NewInternal(err)
}

// Is checks if an error is an UpbeatError with the given code.
func Is(err error, code ErrorCode) bool {
	var uErr *UpbeatError
	if stderrors.As(err, &uErr) {
		return uErr.Code == code
	}
	return false
}
