package batch

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Manifest lists the files of a batch upload.
type Manifest struct {
	Items []Item `yaml:"items"`
}

// LoadManifest reads a YAML manifest. Relative file paths are resolved against
// the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range m.Items {
		if f := m.Items[i].File; f != "" && !filepath.IsAbs(f) {
			m.Items[i].File = filepath.Join(dir, f)
		}
	}
	return m, nil
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Items) == 0 {
		return nil, fmt.Errorf("manifest has no items")
	}
	for i, it := range m.Items {
		if it.File == "" {
			return nil, fmt.Errorf("item %d: file is required", i)
		}
		if it.LessonID == uuid.Nil {
			return nil, fmt.Errorf("item %d: lessonId is required", i)
		}
	}
	return &m, nil
}
