package types

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// LogContext names the pipeline area a log entry belongs to
type LogContext string

const (
	ContextMetadata LogContext = "METADATA"
	ContextResource LogContext = "RESOURCE"
	ContextSystem   LogContext = "SYSTEM"
)

// LogLevel is the severity of a log entry
type LogLevel string

const (
	LevelWarning    LogLevel = "WARNING"
	LevelError      LogLevel = "ERROR"
	LevelValidation LogLevel = "VALIDATION"
	LevelSevere     LogLevel = "SEVERE"
)

// LogEntry is one processing problem reported during a job
type LogEntry struct {
	Seq          int        `json:"seq"`
	DocumentID   string     `json:"document_id"`
	CollectionID string     `json:"collection_id,omitempty"`
	Context      LogContext `json:"context"`
	Level        LogLevel   `json:"level"`
	Description  string     `json:"description"`
	Time         time.Time  `json:"time"`
}

// Counts is a point-in-time copy of the job counters
type Counts struct {
	Processed int64 `json:"processed"`
	Skipped   int64 `json:"skipped"`
	Errors    int64 `json:"errors"`
}

// ProcessingContext accumulates counters and log entries for one job
// execution. Counters and the log are safe for concurrent use by the source,
// transformer and sink goroutines.
type ProcessingContext struct {
	JobID       string
	Participant string

	processed atomic.Int64
	skipped   atomic.Int64
	errors    atomic.Int64

	mu       sync.Mutex
	log      []LogEntry
	observer func(LogEntry)
}

// NewProcessingContext creates the context for one job run
func NewProcessingContext(jobID, participant string) *ProcessingContext {
	return &ProcessingContext{JobID: jobID, Participant: participant}
}

// Observe registers a function called synchronously for every appended entry
func (p *ProcessingContext) Observe(fn func(LogEntry)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = fn
}

// Processed increments the processed counter
func (p *ProcessingContext) Processed() { p.processed.Add(1) }

// Skipped increments the skipped counter
func (p *ProcessingContext) Skipped() { p.skipped.Add(1) }

// Error increments the error counter
func (p *ProcessingContext) Error() { p.errors.Add(1) }

// Counts returns the current counters
func (p *ProcessingContext) Counts() Counts {
	return Counts{
		Processed: p.processed.Load(),
		Skipped:   p.skipped.Load(),
		Errors:    p.errors.Load(),
	}
}

// Append adds an entry to the log, stamping its sequence number and time
func (p *ProcessingContext) Append(entry LogEntry) {
	p.mu.Lock()
	entry.Seq = len(p.log) + 1
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	p.log = append(p.log, entry)
	observer := p.observer
	p.mu.Unlock()

	if observer != nil {
		observer(entry)
	}
}

// Logf appends a formatted entry for a document
func (p *ProcessingContext) Logf(documentID string, ctx LogContext, level LogLevel, format string, args ...any) {
	p.Append(LogEntry{
		DocumentID:  documentID,
		Context:     ctx,
		Level:       level,
		Description: fmt.Sprintf(format, args...),
	})
}

// CollectionLogf appends a formatted entry scoped to a target collection
func (p *ProcessingContext) CollectionLogf(documentID, collection string, ctx LogContext, level LogLevel, format string, args ...any) {
	p.Append(LogEntry{
		DocumentID:   documentID,
		CollectionID: collection,
		Context:      ctx,
		Level:        level,
		Description:  fmt.Sprintf(format, args...),
	})
}

// Entries returns a copy of the log in append order
func (p *ProcessingContext) Entries() []LogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]LogEntry(nil), p.log...)
}

// EntriesAt returns the entries with the given level
func (p *ProcessingContext) EntriesAt(level LogLevel) []LogEntry {
	var out []LogEntry
	for _, e := range p.Entries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}
