package scoring

import (
	"bytes"
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Dataset format tags reported back to the caller.
const (
	FormatCSV    = "csv"
	FormatJSON   = "json"
	FormatMatrix = "matrix"
)

// Dataset is a parsed tabular dataset. Cells are float64 with NaN
// marking missing values; categorical strings are encoded to stable
// per-column indices in first-seen order.
type Dataset struct {
	Columns []string
	Rows    [][]float64
	Format  string
}

// LoadDataset tries the supported formats in fixed order: delimited text
// (CSV), record-oriented text (JSON array of flat objects), then a
// packed numeric matrix. First success wins; total failure is a hard
// error since nothing can be scored without data.
func LoadDataset(data []byte) (*Dataset, error) {
	if ds, err := parseCSV(data); err == nil {
		return ds, nil
	}
	if ds, err := parseJSONRecords(data); err == nil {
		return ds, nil
	}
	if ds, err := parseMatrix(data); err == nil {
		return ds, nil
	}
	return nil, fmt.Errorf("%w: not valid CSV, JSON records, or packed matrix", ErrDatasetLoad)
}

func parseCSV(data []byte) (*Dataset, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv parse failed: %v", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("csv needs a header row and at least one data row")
	}

	header := records[0]
	for _, name := range header {
		// A fully numeric header row means this is headerless numeric
		// data, which the matrix path handles better than guessed names.
		if _, err := strconv.ParseFloat(strings.TrimSpace(name), 64); err == nil {
			return nil, fmt.Errorf("csv header row looks numeric")
		}
	}

	enc := newCategoryEncoder(len(header))
	rows := make([][]float64, 0, len(records)-1)
	for _, record := range records[1:] {
		if len(record) != len(header) {
			return nil, fmt.Errorf("csv row width %d != header width %d", len(record), len(header))
		}
		row := make([]float64, len(record))
		for i, cell := range record {
			row[i] = enc.encode(i, cell)
		}
		rows = append(rows, row)
	}

	return &Dataset{Columns: header, Rows: rows, Format: FormatCSV}, nil
}

func parseJSONRecords(data []byte) (*Dataset, error) {
	var records []map[string]interface{}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("json parse failed: %v", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("json dataset is empty")
	}

	// Column order is the sorted union of keys so parsing stays
	// deterministic regardless of map iteration order.
	seen := map[string]bool{}
	for _, rec := range records {
		for k := range rec {
			seen[k] = true
		}
	}
	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	enc := newCategoryEncoder(len(columns))
	rows := make([][]float64, 0, len(records))
	for _, rec := range records {
		row := make([]float64, len(columns))
		for i, col := range columns {
			v, ok := rec[col]
			if !ok || v == nil {
				row[i] = math.NaN()
				continue
			}
			switch t := v.(type) {
			case float64:
				row[i] = t
			case bool:
				if t {
					row[i] = 1
				}
			case string:
				row[i] = enc.encode(i, t)
			default:
				row[i] = math.NaN()
			}
		}
		rows = append(rows, row)
	}

	return &Dataset{Columns: columns, Rows: rows, Format: FormatJSON}, nil
}

// parseMatrix reads the packed numeric form: a uint32 little-endian
// column count followed by row-major float64 little-endian values.
func parseMatrix(data []byte) (*Dataset, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("matrix blob too small")
	}
	cols := int(binary.LittleEndian.Uint32(data[:4]))
	body := data[4:]
	if cols == 0 || cols > 10000 {
		return nil, fmt.Errorf("implausible matrix column count %d", cols)
	}
	if len(body) == 0 || len(body)%8 != 0 {
		return nil, fmt.Errorf("matrix body is not a whole number of float64 values")
	}
	values := len(body) / 8
	if values%cols != 0 {
		return nil, fmt.Errorf("matrix value count %d not divisible by %d columns", values, cols)
	}

	columns := make([]string, cols)
	for i := range columns {
		columns[i] = fmt.Sprintf("feature_%d", i)
	}

	rows := make([][]float64, values/cols)
	for r := range rows {
		row := make([]float64, cols)
		for c := 0; c < cols; c++ {
			bits := binary.LittleEndian.Uint64(body[(r*cols+c)*8:])
			row[c] = math.Float64frombits(bits)
		}
		rows[r] = row
	}

	return &Dataset{Columns: columns, Rows: rows, Format: FormatMatrix}, nil
}

// categoryEncoder assigns stable per-column indices to string
// categories in first-seen order.
type categoryEncoder struct {
	categories []map[string]float64
}

func newCategoryEncoder(cols int) *categoryEncoder {
	cats := make([]map[string]float64, cols)
	for i := range cats {
		cats[i] = map[string]float64{}
	}
	return &categoryEncoder{categories: cats}
}

func (e *categoryEncoder) encode(col int, cell string) float64 {
	cell = strings.TrimSpace(cell)
	switch strings.ToLower(cell) {
	case "", "nan", "null", "na":
		return math.NaN()
	}
	if v, err := strconv.ParseFloat(cell, 64); err == nil {
		return v
	}
	if v, ok := e.categories[col][cell]; ok {
		return v
	}
	v := float64(len(e.categories[col]))
	e.categories[col][cell] = v
	return v
}

// Target/feature split heuristic, fixed by contract: a column named
// "label" wins, then "target", otherwise the last column is the label.
func (d *Dataset) labelColumn() int {
	for i, col := range d.Columns {
		if col == "label" {
			return i
		}
	}
	for i, col := range d.Columns {
		if col == "target" {
			return i
		}
	}
	return len(d.Columns) - 1
}

// split returns the feature matrix and label vector, excluding the
// label column and any columns named in exclude. Rows whose label is
// missing are dropped.
func (d *Dataset) split(exclude ...int) (features [][]float64, labels []float64) {
	labelIdx := d.labelColumn()
	skip := map[int]bool{labelIdx: true}
	for _, i := range exclude {
		skip[i] = true
	}

	for _, row := range d.Rows {
		if math.IsNaN(row[labelIdx]) {
			continue
		}
		feat := make([]float64, 0, len(row)-len(skip))
		for i, v := range row {
			if !skip[i] {
				feat = append(feat, v)
			}
		}
		features = append(features, feat)
		labels = append(labels, row[labelIdx])
	}
	return features, labels
}

// columnIndex returns the index of a named column, or -1.
func (d *Dataset) columnIndex(name string) int {
	for i, col := range d.Columns {
		if col == name {
			return i
		}
	}
	return -1
}

// distinctValues counts distinct non-missing values in a vector.
func distinctValues(values []float64) int {
	seen := map[float64]bool{}
	for _, v := range values {
		if !math.IsNaN(v) {
			seen[v] = true
		}
	}
	return len(seen)
}
