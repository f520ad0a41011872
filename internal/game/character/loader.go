package character

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDirectory reads every *.yaml file in dir as one Character and returns a
// StaticSource over them. A character without an ID takes its file's base name.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns a non-nil StaticSource, or an error if any file fails to parse.
func LoadDirectory(dir string) (*StaticSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading character dir %q: %w", dir, err)
	}
	var chars []*Character
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}
		var c Character
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
		if c.ID == "" {
			c.ID = strings.TrimSuffix(e.Name(), ".yaml")
		}
		if c.Name == "" {
			return nil, fmt.Errorf("parsing %q: name must not be empty", path)
		}
		chars = append(chars, &c)
	}
	return NewStaticSource(chars...), nil
}
