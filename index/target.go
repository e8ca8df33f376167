// Package index writes documents into Solr collections: one cached client per
// endpoint, keyword routing, pre-ingest purge, batched submits and a final
// commit or rollback per collection.
package index

import (
	"strings"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/types"
)

// CollectionConfig describes one collection documents may be routed to
type CollectionConfig struct {
	Name               string   `toml:"name"`
	FilterKeywords     []string `toml:"filter_keywords"`
	DeleteBeforeIngest bool     `toml:"delete_before_ingest"`
	AcceptEmptyFilter  bool     `toml:"accept_empty_filter"`
}

// TargetConfig describes a Solr endpoint and its collections
type TargetConfig struct {
	Name             string             `toml:"name"`
	Endpoint         string             `toml:"endpoint"`
	Username         string             `toml:"username"`
	Password         string             `toml:"password"`
	CategoryField    string             `toml:"category_field"`
	ParticipantField string             `toml:"participant_field"`
	BatchSize        int                `toml:"batch_size"`
	Collections      []CollectionConfig `toml:"collections"`
}

// Defaults fills unset fields
func (t *TargetConfig) Defaults(batchSize int) {
	if t.CategoryField == "" {
		t.CategoryField = "output"
	}
	if t.ParticipantField == "" {
		t.ParticipantField = "participant"
	}
	if t.BatchSize <= 0 {
		t.BatchSize = batchSize
	}
	if t.BatchSize <= 0 {
		t.BatchSize = 100
	}
	t.Endpoint = strings.TrimRight(t.Endpoint, "/")
}

// Validate checks the target is usable
func (t *TargetConfig) Validate() error {
	if t.Endpoint == "" {
		return errors.NewInvalidConfigError("target %s has no endpoint", t.Name)
	}
	if len(t.Collections) == 0 {
		return errors.NewInvalidConfigError("target %s has no collections", t.Name)
	}
	seen := make(map[string]bool)
	for _, c := range t.Collections {
		if c.Name == "" {
			return errors.NewInvalidConfigError("target %s: collection without name", t.Name)
		}
		if seen[c.Name] {
			return errors.NewInvalidConfigError("target %s: duplicate collection %s", t.Name, c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// EndpointOf returns the client identity of the target
func (t *TargetConfig) EndpointOf() Endpoint {
	return Endpoint{URL: t.Endpoint, Username: t.Username, Password: t.Password}
}

// Accepts reports whether a document with the given categories belongs to c.
// Keywords compare case-insensitively.
func (c CollectionConfig) Accepts(categories []string) bool {
	nonEmpty := false
	for _, cat := range categories {
		cat = strings.TrimSpace(cat)
		if cat == "" {
			continue
		}
		nonEmpty = true
		for _, kw := range c.FilterKeywords {
			if strings.EqualFold(cat, strings.TrimSpace(kw)) {
				return true
			}
		}
	}
	return !nonEmpty && c.AcceptEmptyFilter
}

// Route returns the collections doc belongs to, in configuration order
func (t *TargetConfig) Route(doc *types.Document) []CollectionConfig {
	categories := doc.Strings(t.CategoryField)
	var out []CollectionConfig
	for _, c := range t.Collections {
		if c.Accepts(categories) {
			out = append(out, c)
		}
	}
	return out
}
