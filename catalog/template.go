package catalog

import (
	"path/filepath"
	"strings"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/transform"
)

// Transformer names accepted in a template's chain
const (
	TransformImages = "images"
	TransformSystem = "system"
)

// InputConfig locates the submitted file
type InputConfig struct {
	Path  string `toml:"path"`  // XML, JSON, XLSX or .zip archive
	Sheet string `toml:"sheet"` // Excel sheet; first sheet when empty
}

// TriggerConfig configures the file watcher for a template
type TriggerConfig struct {
	Path               string `toml:"path"`
	AutoStart          bool   `toml:"auto_start"`
	DeleteOnCompletion bool   `toml:"delete_on_completion"` // otherwise renamed with a timestamp suffix
}

// Template is one ingestion job configuration:
// which participant submits what, how it maps and where it goes.
type Template struct {
	Name            string                   `toml:"-"`
	Participant     string                   `toml:"participant"`
	Mapping         string                   `toml:"mapping"`
	Target          string                   `toml:"target"`
	Disabled        bool                     `toml:"disabled"`
	Transformers    []string                 `toml:"transformers"`
	Canton          string                   `toml:"canton"`
	DefaultCategory string                   `toml:"default_category"`
	Categories      []transform.CategoryRule `toml:"category"`
	Input           InputConfig              `toml:"input"`
	Trigger         TriggerConfig            `toml:"trigger"`
}

// IsArchive reports whether the input is a bundled submission archive
func (t *Template) IsArchive() bool {
	return strings.EqualFold(filepath.Ext(t.Input.Path), ".zip")
}

// Watched reports whether a file watcher should run for the template
func (t *Template) Watched() bool {
	return !t.Disabled && t.Trigger.AutoStart && t.Trigger.Path != ""
}

// Chain returns the transformer names in execution order
func (t *Template) Chain() []string {
	if len(t.Transformers) == 0 {
		return []string{TransformImages, TransformSystem}
	}
	return t.Transformers
}

// Validate checks the fields a template needs on its own.
// References to mappings and targets are checked by the catalog.
func (t *Template) Validate() error {
	if t.Participant == "" {
		return errors.NewInvalidConfigError("template %s: participant is required", t.Name)
	}
	if t.Mapping == "" {
		return errors.NewInvalidConfigError("template %s: mapping is required", t.Name)
	}
	if t.Target == "" {
		return errors.NewInvalidConfigError("template %s: target is required", t.Name)
	}
	if t.Input.Path == "" {
		return errors.NewInvalidConfigError("template %s: input.path is required", t.Name)
	}
	if t.Trigger.AutoStart && t.Trigger.Path == "" {
		return errors.NewInvalidConfigError("template %s: auto_start needs trigger.path", t.Name)
	}
	seen := make(map[string]bool)
	for _, name := range t.Chain() {
		if name != TransformImages && name != TransformSystem {
			return errors.NewInvalidConfigError("template %s: unknown transformer %q", t.Name, name)
		}
		if seen[name] {
			return errors.NewInvalidConfigError("template %s: transformer %q listed twice", t.Name, name)
		}
		seen[name] = true
	}
	for i, r := range t.Categories {
		if r.Field == "" || r.Keyword == "" {
			return errors.NewInvalidConfigError("template %s: category rule %d needs field and keyword", t.Name, i+1)
		}
	}
	return nil
}
