// Package catalog reads ingestion configuration from a directory:
//
//	<dir>/mappings/<name>.yaml   entity mappings
//	<dir>/targets/<name>.toml    search index targets
//	<dir>/templates/<name>.toml  job templates referencing both
//
// Nothing is cached. Every lookup reads the file again, so an edited,
// disabled or deleted template takes effect on the next call.
package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/index"
	"github.com/kulturgut/ingest/ixgest/mapping"
)

// Subdirectories of a catalog
const (
	MappingsDir  = "mappings"
	TargetsDir   = "targets"
	TemplatesDir = "templates"
)

// Catalog is a file-backed configuration store
type Catalog struct {
	dir       string
	batchSize int
}

// Resolved is a template together with everything it references
type Resolved struct {
	Template *Template
	Mapping  *mapping.EntityMapping
	Target   *index.TargetConfig
}

// targetFile is the on-disk form of a target
type targetFile struct {
	index.TargetConfig
	PasswordEnv string `toml:"password_env"` // read the password from this variable
}

// Open checks that dir looks like a catalog. batchSize is the default for
// targets that do not set their own.
func Open(dir string, batchSize int) (*Catalog, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog %s", dir)
	}
	for _, sub := range []string{MappingsDir, TargetsDir, TemplatesDir} {
		info, err := os.Stat(filepath.Join(abs, sub))
		if err != nil {
			return nil, errors.WithHint(errors.Wrapf(err, "catalog %s", abs),
				"a catalog holds mappings/, targets/ and templates/ directories")
		}
		if !info.IsDir() {
			return nil, errors.NewInvalidConfigError("catalog %s: %s is not a directory", abs, sub)
		}
	}
	return &Catalog{dir: abs, batchSize: batchSize}, nil
}

// Dir returns the catalog root
func (c *Catalog) Dir() string { return c.dir }

// Dirs returns the directories whose contents define the catalog
func (c *Catalog) Dirs() []string {
	return []string{
		filepath.Join(c.dir, MappingsDir),
		filepath.Join(c.dir, TargetsDir),
		filepath.Join(c.dir, TemplatesDir),
	}
}

func (c *Catalog) file(sub, name, ext string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", errors.NewInvalidConfigError("invalid %s name %q", strings.TrimSuffix(sub, "s"), name)
	}
	return filepath.Join(c.dir, sub, name+ext), nil
}

func (c *Catalog) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.dir, p)
}

// decode reads a TOML file into v, rejecting keys v does not define
func decode(path string, v any) error {
	md, err := toml.DecodeFile(path, v)
	if os.IsNotExist(err) {
		return errors.Wrapf(errors.ErrNotFound, "%s", path)
	}
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "decode %s", path), errors.ErrInvalidConfig)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return errors.NewInvalidConfigError("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Template reads and validates a template. Paths are resolved against the
// catalog root.
func (c *Catalog) Template(name string) (*Template, error) {
	path, err := c.file(TemplatesDir, name, ".toml")
	if err != nil {
		return nil, err
	}
	var t Template
	if err := decode(path, &t); err != nil {
		return nil, err
	}
	t.Name = name
	t.Input.Path = c.resolvePath(t.Input.Path)
	t.Trigger.Path = c.resolvePath(t.Trigger.Path)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Mapping reads and validates an entity mapping
func (c *Catalog) Mapping(name string) (*mapping.EntityMapping, error) {
	path, err := c.file(MappingsDir, name, ".yaml")
	if err != nil {
		return nil, err
	}
	m, err := mapping.Load(path)
	if os.IsNotExist(errors.UnwrapAll(err)) {
		return nil, errors.Wrapf(errors.ErrNotFound, "mapping %s", name)
	}
	if err != nil {
		return nil, err
	}
	if m.Name == "" {
		m.Name = name
	}
	return m, nil
}

// Target reads and validates a target
func (c *Catalog) Target(name string) (*index.TargetConfig, error) {
	path, err := c.file(TargetsDir, name, ".toml")
	if err != nil {
		return nil, err
	}
	var f targetFile
	if err := decode(path, &f); err != nil {
		return nil, err
	}
	t := f.TargetConfig
	if t.Name == "" {
		t.Name = name
	}
	if f.PasswordEnv != "" {
		t.Password = os.Getenv(f.PasswordEnv)
	}
	t.Defaults(c.batchSize)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Resolve loads a template and the mapping and target it names
func (c *Catalog) Resolve(name string) (*Resolved, error) {
	t, err := c.Template(name)
	if err != nil {
		return nil, err
	}
	m, err := c.Mapping(t.Mapping)
	if err != nil {
		return nil, errors.Wrapf(err, "template %s", name)
	}
	target, err := c.Target(t.Target)
	if err != nil {
		return nil, errors.Wrapf(err, "template %s", name)
	}
	return &Resolved{Template: t, Mapping: m, Target: target}, nil
}

// Templates lists template names in order
func (c *Catalog) Templates() ([]string, error) {
	return c.list(TemplatesDir, ".toml")
}

// Mappings lists mapping names in order
func (c *Catalog) Mappings() ([]string, error) {
	return c.list(MappingsDir, ".yaml")
}

func (c *Catalog) list(sub, ext string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.dir, sub))
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", sub)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || filepath.Ext(e.Name()) != ext {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}

// Check resolves every template and returns the problems by template name
func (c *Catalog) Check() (map[string]error, error) {
	names, err := c.Templates()
	if err != nil {
		return nil, err
	}
	problems := make(map[string]error)
	for _, name := range names {
		if _, err := c.Resolve(name); err != nil {
			problems[name] = err
		}
	}
	return problems, nil
}
