package scoring

import (
	"testing"
)

func TestIntegrityCleanDataset(t *testing.T) {
	data := []byte("a,b\n1,2\n3,4\n5,6\n7,8\n9,10\n")
	ds, err := LoadDataset(data)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if score := assessIntegrity(ds); score != 100 {
		t.Errorf("clean dataset should score 100, got %d", score)
	}
}

func TestIntegrityPenalties(t *testing.T) {
	// 10 rows x 2 cols: one missing cell (ratio 0.05), one duplicate
	// row (ratio 0.1), no outliers.
	// 100 - 30*0.05 - 20*0.1 = 96.5 -> rounds to 97
	data := []byte("a,b\n" +
		"1,\n" +
		"2,4\n" +
		"3,6\n" +
		"4,8\n" +
		"5,10\n" +
		"6,12\n" +
		"7,14\n" +
		"8,16\n" +
		"9,18\n" +
		"9,18\n")
	ds, err := LoadDataset(data)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if score := assessIntegrity(ds); score != 97 {
		t.Errorf("expected integrity 97, got %d", score)
	}
}

func TestIntegrityOutlierPenalty(t *testing.T) {
	// Column a: values 1..9 plus one extreme outlier far outside the
	// 1.5-IQR fence.
	data := []byte("a,b\n" +
		"1,1\n2,1\n3,1\n4,1\n5,1\n6,1\n7,1\n8,1\n9,1\n1000,1\n")
	ds, err := LoadDataset(data)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	// Column a contributes 1 outlier in 10 rows; column b is constant
	// (IQR 0, value on the fence, not an outlier). Averaged ratio 0.05.
	// 100 - 15*0.05 = 99.25 -> 99
	if score := assessIntegrity(ds); score != 99 {
		t.Errorf("expected integrity 99, got %d", score)
	}
}

func TestIntegrityFullPenaltyFloor(t *testing.T) {
	// All rows duplicated and all cells missing cannot push the score
	// below zero.
	ds := &Dataset{Columns: []string{"a"}, Rows: [][]float64{}}
	if score := assessIntegrity(ds); score != 0 {
		t.Errorf("empty dataset should clamp to 0, got %d", score)
	}
}
