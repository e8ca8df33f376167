package transform

import (
	"context"
	"strings"
	"time"

	"github.com/kulturgut/ingest/ixgest/types"
)

// System field names stamped on every document
const (
	FieldJobID      = "job_id"
	FieldIngestedAt = "ingested_at"
	FieldCanton     = "canton"
)

// CategoryRule adds Keyword to the category field when Field holds Value
// (case-insensitive). An empty Value matches any non-empty field.
type CategoryRule struct {
	Field   string `toml:"field"`
	Value   string `toml:"value"`
	Keyword string `toml:"keyword"`
}

// SystemOptions configure the system field transformer
type SystemOptions struct {
	ParticipantField string
	CategoryField    string
	Canton           string
	Rules            []CategoryRule
	DefaultCategory  string
}

// System stamps provenance fields and derives the routing category
type System struct {
	opts SystemOptions
	now  func() time.Time
}

// NewSystem fills in default field names
func NewSystem(opts SystemOptions) *System {
	if opts.ParticipantField == "" {
		opts.ParticipantField = "participant"
	}
	if opts.CategoryField == "" {
		opts.CategoryField = "output"
	}
	return &System{opts: opts, now: time.Now}
}

func (s *System) Name() string { return "system" }

func (s *System) Transform(_ context.Context, doc *types.Document, pctx *types.ProcessingContext) (*types.Document, error) {
	if pctx.Participant != "" {
		doc.Set(s.opts.ParticipantField, pctx.Participant)
	}
	if s.opts.Canton != "" && !doc.Has(FieldCanton) {
		doc.Set(FieldCanton, s.opts.Canton)
	}

	have := make(map[string]bool)
	for _, c := range doc.Strings(s.opts.CategoryField) {
		have[strings.ToLower(c)] = true
	}
	for _, r := range s.opts.Rules {
		if have[strings.ToLower(r.Keyword)] || !matches(doc.Strings(r.Field), r.Value) {
			continue
		}
		doc.Add(s.opts.CategoryField, r.Keyword)
		have[strings.ToLower(r.Keyword)] = true
	}
	if len(have) == 0 && s.opts.DefaultCategory != "" {
		doc.Add(s.opts.CategoryField, s.opts.DefaultCategory)
	}

	if pctx.JobID != "" {
		doc.Set(FieldJobID, pctx.JobID)
	}
	doc.Set(FieldIngestedAt, s.now().UTC())
	return doc, nil
}

func matches(values []string, want string) bool {
	for _, v := range values {
		if want == "" && v != "" {
			return true
		}
		if strings.EqualFold(strings.TrimSpace(v), want) {
			return true
		}
	}
	return false
}
