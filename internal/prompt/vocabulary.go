// internal/prompt/vocabulary.go
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/user/gossipmill/internal/types"
)

//go:embed vocabulary.yaml
var defaultVocabulary []byte

// Vocabulary holds the allowed values for each pick field.
type Vocabulary struct {
	Atmosphere []string `yaml:"atmosphere"`
	Gossip     []string `yaml:"gossip"`
	People     []string `yaml:"people"`
	Places     []string `yaml:"places"`
	Style      []string `yaml:"style"`
}

// List returns the entries for field f.
func (v *Vocabulary) List(f types.Field) []string {
	switch f {
	case types.FieldAtmosphere:
		return v.Atmosphere
	case types.FieldGossip:
		return v.Gossip
	case types.FieldPeople:
		return v.People
	case types.FieldPlaces:
		return v.Places
	case types.FieldStyle:
		return v.Style
	}
	return nil
}

// Contains reports whether value is an entry of field f.
func (v *Vocabulary) Contains(f types.Field, value string) bool {
	return slices.Contains(v.List(f), value)
}

// Validate returns an error naming the first field without entries.
func (v *Vocabulary) Validate() error {
	for _, f := range types.AllFields {
		if len(v.List(f)) == 0 {
			return fmt.Errorf("vocabulary %s: no entries", f)
		}
	}
	return nil
}

// Default returns the built-in vocabulary.
func Default() *Vocabulary {
	v, err := parseYAML(defaultVocabulary)
	if err != nil {
		panic(fmt.Sprintf("built-in vocabulary: %v", err))
	}
	return v
}

// Load reads a vocabulary from path. A directory is read with LoadDir, a
// .yaml or .yml file with LoadYAML. An empty path returns the default.
func Load(path string) (*Vocabulary, error) {
	if path == "" {
		return Default(), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat vocabulary: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(path)
	}
	return nil, fmt.Errorf("unsupported vocabulary file: %s", path)
}

// LoadDir reads one <field>.txt file per field from dir, one entry per line.
// Lines are trimmed, blank lines skipped and inner whitespace collapsed.
func LoadDir(dir string) (*Vocabulary, error) {
	v := &Vocabulary{}
	for _, f := range types.AllFields {
		name := string(f) + ".txt"
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		lines := splitLines(string(data))
		if len(lines) == 0 {
			return nil, fmt.Errorf("no entries in %s", name)
		}
		v.set(f, lines)
	}
	return v, nil
}

// LoadYAML reads a vocabulary file with one list per field.
func LoadYAML(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return parseYAML(data)
}

// WriteDir writes v as <field>.txt files, creating dir if needed.
func (v *Vocabulary) WriteDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create vocabulary dir: %w", err)
	}
	for _, f := range types.AllFields {
		path := filepath.Join(dir, string(f)+".txt")
		content := strings.Join(v.List(f), "\n") + "\n"
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("rename %s: %w", f, err)
		}
	}
	return nil
}

func parseYAML(data []byte) (*Vocabulary, error) {
	var raw Vocabulary
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	v := &Vocabulary{}
	for _, f := range types.AllFields {
		v.set(f, cleanEntries(raw.List(f)))
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vocabulary) set(f types.Field, entries []string) {
	switch f {
	case types.FieldAtmosphere:
		v.Atmosphere = entries
	case types.FieldGossip:
		v.Gossip = entries
	case types.FieldPeople:
		v.People = entries
	case types.FieldPlaces:
		v.Places = entries
	case types.FieldStyle:
		v.Style = entries
	}
}

func splitLines(s string) []string {
	return cleanEntries(strings.Split(s, "\n"))
}

func cleanEntries(in []string) []string {
	out := make([]string, 0, len(in))
	for _, line := range in {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
