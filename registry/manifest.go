package registry

import (
	"bytes"
	"os"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// HandlerSpec binds a keyword to a handler kind from a Catalog.
type HandlerSpec struct {
	Keyword     string `yaml:"keyword"`
	Kind        string `yaml:"kind"`
	Description string `yaml:"description,omitempty"`
}

// Manifest is the handler module shipped by the update command.
type Manifest struct {
	Name     string        `yaml:"name"`
	Version  string        `yaml:"version"`
	Requires string        `yaml:"requires,omitempty"`
	Handlers []HandlerSpec `yaml:"handlers"`
}

// Catalog maps handler kinds to implementations.
type Catalog map[string]Handler

// Lookup returns the handler for kind.
func (c Catalog) Lookup(kind string) (Handler, error) {
	h, ok := c[kind]
	if !ok || h == nil {
		return nil, errors.Wrapf(ErrUnknownCapability, "kind %q", kind)
	}
	return h, nil
}

// ParseManifest decodes a YAML manifest. Unknown fields are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.Wrap(ErrInvalidManifest, "empty module")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrapf(ErrInvalidManifest, "decode: %v", err)
	}
	return &m, nil
}

// LoadManifest reads and decodes the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read module %s", path)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, errors.Wrapf(err, "module %s", path)
	}
	return m, nil
}

// Encode returns the YAML form of m.
func (m *Manifest) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, errors.Wrap(err, "encode manifest")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encode manifest")
	}
	return buf.Bytes(), nil
}

// Validate checks the module metadata against the agent's protocol version.
func (m *Manifest) Validate(protocolVersion string) error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.Wrap(ErrInvalidManifest, "missing name")
	}
	if _, err := masterminds.NewVersion(m.Version); err != nil {
		return errors.Wrapf(ErrInvalidManifest, "version %q: %v", m.Version, err)
	}
	if len(m.Handlers) == 0 {
		return errors.Wrap(ErrInvalidManifest, "no handlers")
	}

	if m.Requires == "" {
		return nil
	}
	constraint, err := masterminds.NewConstraint(m.Requires)
	if err != nil {
		return errors.Wrapf(ErrInvalidManifest, "requires %q: %v", m.Requires, err)
	}
	pv, err := masterminds.NewVersion(protocolVersion)
	if err != nil {
		return errors.Wrapf(err, "protocol version %q", protocolVersion)
	}
	if !constraint.Check(pv) {
		return errors.Wrapf(ErrIncompatibleManifest, "requires %s, agent speaks %s", m.Requires, protocolVersion)
	}
	return nil
}

// Build validates m and resolves every handler kind against catalog into a
// fresh Registry. Nothing is shared with any registry already in use.
func Build(m *Manifest, catalog Catalog, protocolVersion string) (*Registry, error) {
	if m == nil {
		return nil, errors.Wrap(ErrInvalidManifest, "nil manifest")
	}
	if err := m.Validate(protocolVersion); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(m.Handlers))
	for _, spec := range m.Handlers {
		h, err := catalog.Lookup(spec.Kind)
		if err != nil {
			return nil, errors.Wrapf(err, "keyword %q", spec.Keyword)
		}
		entries = append(entries, Entry{
			Keyword:     spec.Keyword,
			Kind:        spec.Kind,
			Description: spec.Description,
			Handler:     h,
		})
	}

	version, _ := masterminds.NewVersion(m.Version)
	return New(m.Name, version.String(), entries)
}
