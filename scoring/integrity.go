package scoring

import (
	"math"
	"sort"
)

// Integrity penalty weights. integrity = 100 - 30*missing - 20*duplicate
// - 15*outlier, clamped to [0,100]. These weights are a reproducibility
// contract, not tuning knobs.
const (
	missingPenalty   = 30
	duplicatePenalty = 20
	outlierPenalty   = 15
)

// assessIntegrity scores data quality from missing-value, duplicate-row
// and outlier ratios. The outlier ratio applies the 1.5-IQR rule per
// numeric column and averages across columns.
func assessIntegrity(ds *Dataset) int {
	if len(ds.Rows) == 0 || len(ds.Columns) == 0 {
		return 0
	}

	missing := missingRatio(ds)
	duplicates := duplicateRatio(ds)
	outliers := outlierRatio(ds)

	score := 100 - missingPenalty*missing - duplicatePenalty*duplicates - outlierPenalty*outliers
	return int(clamp(math.Round(score), 0, 100))
}

func missingRatio(ds *Dataset) float64 {
	var missing float64
	for _, row := range ds.Rows {
		for _, v := range row {
			if math.IsNaN(v) {
				missing++
			}
		}
	}
	return missing / float64(len(ds.Rows)*len(ds.Columns))
}

func duplicateRatio(ds *Dataset) float64 {
	seen := make(map[string]bool, len(ds.Rows))
	var duplicates float64
	for _, row := range ds.Rows {
		key := rowKey(row)
		if seen[key] {
			duplicates++
		}
		seen[key] = true
	}
	return duplicates / float64(len(ds.Rows))
}

// rowKey folds a row into a comparable key; NaN cells compare equal to
// each other so rows with identical missing patterns count as
// duplicates.
func rowKey(row []float64) string {
	key := make([]byte, 0, len(row)*8)
	for _, v := range row {
		bits := math.Float64bits(v)
		if math.IsNaN(v) {
			bits = math.Float64bits(math.NaN())
		}
		for shift := 0; shift < 64; shift += 8 {
			key = append(key, byte(bits>>shift))
		}
	}
	return string(key)
}

func outlierRatio(ds *Dataset) float64 {
	var total float64
	var columns int
	for c := range ds.Columns {
		values := make([]float64, 0, len(ds.Rows))
		for _, row := range ds.Rows {
			if !math.IsNaN(row[c]) {
				values = append(values, row[c])
			}
		}
		if len(values) < 4 {
			continue
		}
		columns++

		q1 := quantile(values, 0.25)
		q3 := quantile(values, 0.75)
		iqr := q3 - q1
		lo, hi := q1-1.5*iqr, q3+1.5*iqr

		var outliers float64
		for _, v := range values {
			if v < lo || v > hi {
				outliers++
			}
		}
		total += outliers / float64(len(ds.Rows))
	}
	if columns == 0 {
		return 0
	}
	return total / float64(columns)
}

// quantile computes the q-quantile with linear interpolation between
// order statistics.
func quantile(values []float64, q float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
