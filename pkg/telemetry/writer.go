package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
)

// WriteNodeFile writes a node file in the layout ReadNodeFile expects.
// rows[i] holds the feature values for timestamps[i] in schema column order;
// a NaN value is stored as null. Every column is written as an optional
// Parquet column so that nulls round-trip.
func WriteNodeFile(path string, schema Schema, timestamps []string, rows [][]float64) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	if len(timestamps) != len(rows) {
		return fmt.Errorf("%d timestamps for %d rows", len(timestamps), len(rows))
	}
	for _, c := range append([]string{schema.TimestampColumn}, schema.Columns...) {
		if strings.ContainsAny(c, ",=") {
			return fmt.Errorf("column %q cannot be written: name contains ',' or '='", c)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrIO, path, err)
	}
	defer fw.Close()

	pw, err := writer.NewJSONWriter(parquetSchema(schema), fw, 1)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIO, path, err)
	}

	for i, ts := range timestamps {
		if len(rows[i]) != len(schema.Columns) {
			return fmt.Errorf("row %d has %d values, schema has %d columns", i, len(rows[i]), len(schema.Columns))
		}
		rec := make(map[string]any, len(schema.Columns)+1)
		rec[schema.TimestampColumn] = ts
		for c, name := range schema.Columns {
			v := rows[i][c]
			if math.IsNaN(v) {
				rec[name] = nil
				continue
			}
			rec[name] = v
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		if err := pw.Write(string(line)); err != nil {
			return fmt.Errorf("%w: write row %d: %v", ErrIO, i, err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("%w: finish %s: %v", ErrIO, path, err)
	}
	return nil
}

type jsonSchemaField struct {
	Tag    string            `json:"Tag"`
	Fields []jsonSchemaField `json:"Fields,omitempty"`
}

func parquetSchema(schema Schema) string {
	root := jsonSchemaField{Tag: "name=parquet_go_root, repetitiontype=REQUIRED"}
	root.Fields = append(root.Fields, jsonSchemaField{
		Tag: fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", schema.TimestampColumn),
	})
	for _, c := range schema.Columns {
		root.Fields = append(root.Fields, jsonSchemaField{
			Tag: fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=OPTIONAL", c),
		})
	}
	out, _ := json.Marshal(root)
	return string(out)
}
