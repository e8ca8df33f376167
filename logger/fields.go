package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID       = "job_id"
	FieldTemplate    = "template"
	FieldParticipant = "participant"
	FieldDocumentID  = "document_id"
	FieldCollection  = "collection"
	FieldSource      = "source"

	// Pipeline
	FieldStage = "stage"

	// Operations
	FieldOperation = "operation"
	FieldEndpoint  = "endpoint"
	FieldURL       = "url"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount     = "count"
	FieldProcessed = "processed"
	FieldSkipped   = "skipped"
	FieldErrors    = "errors"
	FieldBatchSize = "batch_size"
	FieldSize      = "size"

	// Status
	FieldStatus = "status"

	// Files and paths
	FieldFile    = "file"
	FieldPath    = "path"
	FieldTrigger = "trigger"
)

type contextKey string

const (
	jobIDKey       contextKey = "logger_job_id"
	participantKey contextKey = "logger_participant"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithParticipant adds the submitting participant to the context for logging
func WithParticipant(ctx context.Context, participant string) context.Context {
	return context.WithValue(ctx, participantKey, participant)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if participant, ok := ctx.Value(participantKey).(string); ok && participant != "" {
		fields = append(fields, FieldParticipant, participant)
	}

	return fields
}

// LoggerFromContext returns base decorated with the fields carried by ctx.
// A nil base falls back to the global Logger.
func LoggerFromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	sink := index.NewSink(cache, logger.ComponentLogger("index.sink"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
