package async

import (
	"context"
	"os"
	"strings"

	"github.com/kulturgut/ingest/errors"
)

// ErrAborted marks a failure that left every target untouched, such as a
// failed delete-before-ingest. Handlers attach it with errors.Mark.
var ErrAborted = errors.New("job aborted before any write")

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeAborted      ErrorCode = "aborted"
	ErrorCodeInterrupted  ErrorCode = "interrupted"
	ErrorCodeConfig       ErrorCode = "config_error"
	ErrorCodeFileNotFound ErrorCode = "file_not_found"
	ErrorCodeParseError   ErrorCode = "parse_error"
	ErrorCodeNetworkError ErrorCode = "network_error"
	ErrorCodeTimeout      ErrorCode = "timeout"
	ErrorCodeUnknown      ErrorCode = "unknown"
)

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Stage   string    // Where the error occurred
	Code    ErrorCode // Error classification
	Message string    // Human-readable message
	Status  JobStatus // Terminal status the job ends in
}

// ClassifyError maps a handler error to the job's terminal status.
// A nil error means the job was ingested.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Status: JobStatusIngested}
	}

	ctx := ErrorContext{
		Stage:   stage,
		Message: err.Error(),
		Status:  JobStatusFailed,
	}

	errLower := strings.ToLower(ctx.Message)

	switch {
	case errors.Is(err, ErrAborted):
		ctx.Code = ErrorCodeAborted
		ctx.Status = JobStatusAborted

	case errors.Is(err, context.Canceled):
		ctx.Code = ErrorCodeInterrupted
		ctx.Status = JobStatusInterrupted

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errors.ErrTimeout):
		ctx.Code = ErrorCodeTimeout

	case errors.Is(err, errors.ErrInvalidConfig), errors.Is(err, errors.ErrNotFound):
		ctx.Code = ErrorCodeConfig

	case errors.Is(err, os.ErrNotExist) || strings.Contains(errLower, "no such file"):
		ctx.Code = ErrorCodeFileNotFound

	case strings.Contains(errLower, "parse") || strings.Contains(errLower, "syntax error") || strings.Contains(errLower, "unmarshal"):
		ctx.Code = ErrorCodeParseError

	case strings.Contains(errLower, "connection") || strings.Contains(errLower, "network"):
		ctx.Code = ErrorCodeNetworkError

	default:
		ctx.Code = ErrorCodeUnknown
	}

	return ctx
}
