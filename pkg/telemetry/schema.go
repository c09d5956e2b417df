// Package telemetry reads per-node rack telemetry and assembles it into
// per-timestamp rack snapshots.
//
// The on-disk layout is one directory per rack, holding one Parquet file per
// node. A node file's base name is its integer node id (e.g. "12.parquet").
// Every node file carries the same columns: a timestamp column plus the
// ordered feature columns declared by a shared Schema descriptor.
//
// The Assembler turns a (rack, timestamp) pair into a Snapshot whose rows are
// ordered by ascending node id. That order is the contract the graph encoder
// and every score consumer relies on to map score i back to node i.
package telemetry

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultTimestampColumn is used when a schema descriptor omits timestampColumn.
const DefaultTimestampColumn = "timestamp"

// Schema describes the columns shared by every node file of every rack.
type Schema struct {
	// TimestampColumn names the column rows are matched on.
	TimestampColumn string `yaml:"timestampColumn" json:"timestampColumn"`

	// Columns lists the feature columns in the order they are fed to the model.
	Columns []string `yaml:"columns" json:"columns"`
}

// Validate checks the schema for empty or duplicate column names.
func (s Schema) Validate() error {
	if s.TimestampColumn == "" {
		return errors.New("schema: timestamp column cannot be empty")
	}
	if len(s.Columns) == 0 {
		return errors.New("schema: at least one feature column is required")
	}

	seen := make(map[string]struct{}, len(s.Columns)+1)
	seen[s.TimestampColumn] = struct{}{}
	for i, c := range s.Columns {
		if c == "" {
			return fmt.Errorf("schema: column %d has an empty name", i)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("schema: duplicate column %q", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// LoadSchema reads a schema descriptor from a YAML or JSON file.
//
//	timestampColumn: timestamp
//	columns: [cpu_power, mem_power, fan0_0, ...]
func LoadSchema(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("read schema %s: %w", path, err)
	}

	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("parse schema %s: %w", path, err)
	}
	if s.TimestampColumn == "" {
		s.TimestampColumn = DefaultTimestampColumn
	}
	if err := s.Validate(); err != nil {
		return Schema{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// LoadTimestamps reads the replayed timestamp sequence from a YAML or JSON
// list of strings. The file order is the replay order and the order results
// are reported in, so entries must be unique. They are not compared by value.
func LoadTimestamps(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read timestamps %s: %w", path, err)
	}

	var ts []string
	if err := yaml.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("parse timestamps %s: %w", path, err)
	}
	if len(ts) == 0 {
		return nil, fmt.Errorf("timestamps %s: sequence is empty", path)
	}
	seen := make(map[string]int, len(ts))
	for i, t := range ts {
		if t == "" {
			return nil, fmt.Errorf("timestamps %s: entry %d is empty", path, i)
		}
		if j, ok := seen[t]; ok {
			return nil, fmt.Errorf("timestamps %s: entry %d repeats entry %d (%q)", path, i, j, t)
		}
		seen[t] = i
	}
	return ts, nil
}
