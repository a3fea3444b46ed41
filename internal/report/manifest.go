package report

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed module_manifest.yaml
var embeddedManifest []byte

// ModuleSpec names one report module and the section title it compiles
// under.
type ModuleSpec struct {
	Name  string `yaml:"name"`
	Title string `yaml:"title"`
}

// SectionTitle returns the declared title, or one derived from the module
// name when the manifest leaves it out.
func (m ModuleSpec) SectionTitle() string {
	if m.Title != "" {
		return m.Title
	}
	return prettyTitle(m.Name)
}

// Manifest is the declared module order for report compilation. It is loaded
// once at startup and never mutated.
type Manifest struct {
	Modules []ModuleSpec `yaml:"modules"`
}

// LoadManifest parses the module order from the file at path, or from the
// embedded manifest when path is empty.
func LoadManifest(path string) (*Manifest, error) {
	data := embeddedManifest
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading module manifest: %w", err)
		}
		data = b
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing module manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Modules) == 0 {
		return fmt.Errorf("module manifest declares no modules")
	}
	seen := make(map[string]struct{}, len(m.Modules))
	for i, spec := range m.Modules {
		if spec.Name == "" {
			return fmt.Errorf("module manifest entry %d has no name", i)
		}
		if _, dup := seen[spec.Name]; dup {
			return fmt.Errorf("module %q declared twice", spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}
	return nil
}

// prettyTitle turns an underscore module or field name into a section title.
func prettyTitle(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
