// Package definition loads grid definitions from YAML, validates them
// against the configured services and OpenAPI documents, and serves them from
// a registry that can be swapped atomically.
package definition

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/odatagrid/model"
)

// Loader reads definition files. A strict Loader rejects unknown keys.
type Loader struct {
	strict bool
}

// NewLoader returns a Loader.
func NewLoader(strict bool) *Loader {
	return &Loader{strict: strict}
}

// LoadAll walks directories for *.yaml and *.yml files and parses each one.
// Files are returned in path order so reloads are deterministic.
func (l *Loader) LoadAll(directories []string) ([]model.DomainDefinition, error) {
	var paths []string
	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".yaml", ".yml":
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("definition: scanning %s: %w", dir, err)
		}
	}
	sort.Strings(paths)

	defs := make([]model.DomainDefinition, 0, len(paths))
	for _, path := range paths {
		def, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadFile parses one definition file, recording its path and SHA-256.
func (l *Loader) LoadFile(path string) (model.DomainDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.DomainDefinition{}, fmt.Errorf("definition: reading %s: %w", path, err)
	}
	def, err := l.Parse(data)
	if err != nil {
		return model.DomainDefinition{}, fmt.Errorf("definition: %s: %w", path, err)
	}
	def.SourceFile = path
	return def, nil
}

// Parse decodes a definition document and normalizes it.
func (l *Loader) Parse(data []byte) (model.DomainDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(l.strict)

	var def model.DomainDefinition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return model.DomainDefinition{}, errors.New("empty definition")
		}
		return model.DomainDefinition{}, fmt.Errorf("parsing: %w", err)
	}

	normalize(&def)
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return def, nil
}

func normalize(def *model.DomainDefinition) {
	for i := range def.Grids {
		g := &def.Grids[i]
		g.ID = strings.TrimSpace(g.ID)
		g.BaseURL = strings.TrimRight(strings.TrimSpace(g.BaseURL), "/")
		g.Resource = strings.Trim(strings.TrimSpace(g.Resource), "/")
	}
}
