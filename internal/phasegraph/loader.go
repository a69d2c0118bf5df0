package phasegraph

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// graphDocument is the YAML shape of one graph definition file.
type graphDocument struct {
	Version string  `yaml:"version"`
	Phases  []Phase `yaml:"phases"`
}

// Loader scans directories for YAML graph definition files, parses and
// validates them, and records SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new graph Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and
// parses each into a validated Graph.
func (l *Loader) LoadAll(directories []string) ([]*Graph, error) {
	var graphs []*Graph

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			g, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			graphs = append(graphs, g)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return graphs, nil
}

// LoadFile loads and validates a single YAML graph definition file.
func (l *Loader) LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc graphDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	g, err := New(doc.Version, doc.Phases)
	if err != nil {
		return nil, err
	}
	g.checksum = fmt.Sprintf("%x", sha256.Sum256(data))

	return g, nil
}
