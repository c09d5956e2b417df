package telemetry

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/types"
)

// readParallelism is the number of goroutines parquet-go uses per column read.
const readParallelism = 4

// Frame holds the complete rows of one node file.
// Rows with a missing cell in any schema column have already been dropped.
type Frame struct {
	NodeID     int
	Columns    []string
	Timestamps []string
	Rows       [][]float64
}

// Len returns the number of complete rows.
func (f *Frame) Len() int {
	return len(f.Rows)
}

// NodeID parses the integer node id from a node file path.
// The id is the base name up to its first dot: "/data/3/12.parquet" → 12.
func NodeID(path string) (int, error) {
	base := filepath.Base(path)
	name, _, _ := strings.Cut(base, ".")
	id, err := strconv.Atoi(name)
	if err != nil {
		return 0, fmt.Errorf("%w: node file %q is not named by an integer node id", ErrFormat, base)
	}
	return id, nil
}

// column is one leaf column as decoded from a Parquet file.
type column struct {
	values  []any
	element *parquet.SchemaElement
}

// ReadNodeFile loads one node's Parquet file and returns its complete rows.
//
// The file must contain exactly the schema's timestamp and feature columns,
// otherwise ErrSchema is returned. Any row holding a null or NaN in one of
// those columns is discarded entirely.
func ReadNodeFile(path string, schema Schema) (*Frame, error) {
	id, err := NodeID(path)
	if err != nil {
		return nil, err
	}

	cols, numRows, err := readColumns(path)
	if err != nil {
		return nil, err
	}

	if err := checkColumns(path, cols, schema); err != nil {
		return nil, err
	}

	tsCol := cols[schema.TimestampColumn]
	features := make([]column, len(schema.Columns))
	for i, name := range schema.Columns {
		features[i] = cols[name]
	}

	frame := &Frame{
		NodeID:     id,
		Columns:    append([]string(nil), schema.Columns...),
		Timestamps: make([]string, 0, numRows),
		Rows:       make([][]float64, 0, numRows),
	}

rows:
	for r := 0; r < numRows; r++ {
		tsCell := cellAt(tsCol, r)
		if tsCell == nil {
			continue
		}
		ts, err := timestampString(tsCell, tsCol.element)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, r, err)
		}

		row := make([]float64, len(features))
		for c, col := range features {
			v, ok, err := cellFloat(cellAt(col, r))
			if err != nil {
				return nil, fmt.Errorf("%s row %d column %q: %w", path, r, schema.Columns[c], err)
			}
			if !ok {
				continue rows
			}
			row[c] = v
		}

		frame.Timestamps = append(frame.Timestamps, ts)
		frame.Rows = append(frame.Rows, row)
	}

	return frame, nil
}

// readColumns decodes every leaf column of a Parquet file keyed by its
// external (on-disk) name.
func readColumns(path string) (cols map[string]column, numRows int, err error) {
	// parquet-go panics on some corrupt inputs instead of returning an error.
	defer func() {
		if r := recover(); r != nil {
			cols, numRows = nil, 0
			err = fmt.Errorf("%w: decode %s: %v", ErrIO, path, r)
		}
	}()

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetColumnReader(fr, readParallelism)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read footer %s: %v", ErrIO, path, err)
	}
	defer pr.ReadStop()

	num := pr.GetNumRows()
	sh := pr.SchemaHandler
	cols = make(map[string]column, len(sh.ValueColumns))

	var leaf int64
	for i, el := range sh.SchemaElements {
		if el.GetNumChildren() > 0 {
			continue
		}
		values, _, _, err := pr.ReadColumnByIndex(leaf, num)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: read column %d of %s: %v", ErrIO, leaf, path, err)
		}
		leaf++
		cols[sh.Infos[i].ExName] = column{values: values, element: el}
	}

	return cols, int(num), nil
}

// checkColumns verifies the file's column set equals the schema's.
func checkColumns(path string, cols map[string]column, schema Schema) error {
	want := make(map[string]struct{}, len(schema.Columns)+1)
	want[schema.TimestampColumn] = struct{}{}
	for _, c := range schema.Columns {
		want[c] = struct{}{}
	}

	var missing, extra []string
	for c := range want {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	for c := range cols {
		if _, ok := want[c]; !ok {
			extra = append(extra, c)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}

	sort.Strings(missing)
	sort.Strings(extra)
	return fmt.Errorf("%w: %s: missing columns %v, unexpected columns %v", ErrSchema, path, missing, extra)
}

func cellAt(c column, row int) any {
	if row >= len(c.values) {
		return nil
	}
	return c.values[row]
}

// cellFloat converts a decoded cell to float64. ok is false for null, NaN and
// infinite values, which drop the row like a missing cell.
func cellFloat(v any) (value float64, ok bool, err error) {
	switch x := v.(type) {
	case nil:
		return 0, false, nil
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int64:
		return float64(x), true, nil
	case int32:
		return float64(x), true, nil
	case bool:
		if x {
			return 1, true, nil
		}
		return 0, true, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if errors.Is(err, strconv.ErrRange) {
			return finite(f)
		}
		if err != nil {
			return 0, false, fmt.Errorf("%w: non-numeric value %q", ErrFormat, x)
		}
		return finite(f)
	default:
		return 0, false, fmt.Errorf("%w: unsupported cell type %T", ErrFormat, v)
	}
}

func finite(f float64) (float64, bool, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, nil
	}
	return f, true, nil
}

// timestampString renders a timestamp cell the way the timestamp sequence
// file spells it: strings verbatim, annotated Parquet timestamps as RFC3339
// in UTC, plain integers in base 10.
func timestampString(v any, el *parquet.SchemaElement) (string, error) {
	switch x := v.(type) {
	case string:
		if el.GetType() == parquet.Type_INT96 {
			return types.INT96ToTime(x).UTC().Format(time.RFC3339Nano), nil
		}
		return x, nil
	case int64:
		switch timestampUnit(el) {
		case time.Millisecond:
			return time.UnixMilli(x).UTC().Format(time.RFC3339Nano), nil
		case time.Microsecond:
			return time.UnixMicro(x).UTC().Format(time.RFC3339Nano), nil
		case time.Nanosecond:
			return time.Unix(0, x).UTC().Format(time.RFC3339Nano), nil
		}
		return strconv.FormatInt(x, 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: unsupported timestamp type %T", ErrFormat, v)
	}
}

// timestampUnit returns the unit of an INT64 timestamp column, or 0 when the
// column carries no timestamp annotation.
func timestampUnit(el *parquet.SchemaElement) time.Duration {
	if lt := el.GetLogicalType(); lt != nil && lt.IsSetTIMESTAMP() {
		unit := lt.GetTIMESTAMP().GetUnit()
		switch {
		case unit.IsSetMILLIS():
			return time.Millisecond
		case unit.IsSetMICROS():
			return time.Microsecond
		case unit.IsSetNANOS():
			return time.Nanosecond
		}
	}
	if el.IsSetConvertedType() {
		switch el.GetConvertedType() {
		case parquet.ConvertedType_TIMESTAMP_MILLIS:
			return time.Millisecond
		case parquet.ConvertedType_TIMESTAMP_MICROS:
			return time.Microsecond
		}
	}
	return 0
}
