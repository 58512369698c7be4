package schema

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/beyondessential/tamanu-sync/internal/db"
	"github.com/beyondessential/tamanu-sync/internal/types"
)

//go:embed default_manifest.yaml
var defaultManifest []byte

// Manifest declares the synced models.
//
// Example:
//
//	models:
//	  - table: patients
//	    direction: BIDIRECTIONAL
//	    excluded_columns: [merged_into_id]
//	    create: |
//	      CREATE TABLE IF NOT EXISTS patients (...)
type Manifest struct {
	Models []ManifestModel `yaml:"models"`
}

// ManifestModel is one entry of the manifest.
type ManifestModel struct {
	Table               string   `yaml:"table"`
	RecordType          string   `yaml:"record_type,omitempty"`
	Direction           string   `yaml:"direction"`
	ExcludedColumns     []string `yaml:"excluded_columns,omitempty"`
	IgnoredDependencies []string `yaml:"ignored_dependencies,omitempty"`
	Create              string   `yaml:"create,omitempty"`
}

// DefaultManifest returns the built-in manifest covering the core clinical
// tables.
func DefaultManifest() (*Manifest, error) {
	return ParseManifest(defaultManifest)
}

// LoadManifest reads a manifest file, or the default manifest when path is
// empty.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return DefaultManifest()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks for missing tables, bad directions and duplicates.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Models))
	for i, mm := range m.Models {
		if mm.Table == "" {
			return fmt.Errorf("manifest model %d: table is required", i)
		}
		if _, err := types.ParseSyncDirection(mm.Direction); err != nil {
			return fmt.Errorf("manifest model %s: %w", mm.Table, err)
		}
		rt := mm.recordType()
		if seen[rt] {
			return fmt.Errorf("manifest model %s: duplicate record type %s", mm.Table, rt)
		}
		seen[rt] = true
	}
	return nil
}

// Apply runs every model's create statement. Models without one are
// expected to exist already.
func (m *Manifest) Apply(ctx context.Context, q db.Querier) error {
	for _, mm := range m.Models {
		if mm.Create == "" {
			continue
		}
		if _, err := q.ExecContext(ctx, mm.Create); err != nil {
			return fmt.Errorf("failed to create table %s: %w", mm.Table, err)
		}
	}
	return nil
}

func (mm ManifestModel) recordType() string {
	if mm.RecordType != "" {
		return mm.RecordType
	}
	return mm.Table
}
