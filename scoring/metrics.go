package scoring

import (
	"math"
	"sort"
)

// classificationMetrics holds class-frequency-weighted scores.
type classificationMetrics struct {
	precision float64
	recall    float64
	f1        float64
}

// weightedClassification computes precision, recall and F1 per class,
// weighted by class frequency in the labels. Undefined ratios
// (zero-division) score 0 for that class.
func weightedClassification(labels, predictions []float64) classificationMetrics {
	support := map[float64]int{}
	for _, y := range labels {
		support[y]++
	}

	var m classificationMetrics
	total := float64(len(labels))
	for class, count := range support {
		var tp, fp, fn float64
		for i := range labels {
			predicted := predictions[i] == class
			actual := labels[i] == class
			switch {
			case predicted && actual:
				tp++
			case predicted && !actual:
				fp++
			case !predicted && actual:
				fn++
			}
		}

		var precision, recall, f1 float64
		if tp+fp > 0 {
			precision = tp / (tp + fp)
		}
		if tp+fn > 0 {
			recall = tp / (tp + fn)
		}
		if precision+recall > 0 {
			f1 = 2 * precision * recall / (precision + recall)
		}

		weight := float64(count) / total
		m.precision += weight * precision
		m.recall += weight * recall
		m.f1 += weight * f1
	}
	return m
}

// rocAUC computes the area under the ROC curve for binary labels using
// the rank-statistic (Mann-Whitney) formulation, with average ranks for
// tied scores. posClass identifies the positive label value.
func rocAUC(labels, scores []float64, posClass float64) float64 {
	type scored struct {
		score float64
		pos   bool
	}
	items := make([]scored, len(labels))
	var nPos, nNeg float64
	for i := range labels {
		pos := labels[i] == posClass
		items[i] = scored{score: scores[i], pos: pos}
		if pos {
			nPos++
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0
	}

	sort.Slice(items, func(i, j int) bool { return items[i].score < items[j].score })

	// Sum of positive-example ranks, averaging ranks across ties.
	var rankSum float64
	i := 0
	for i < len(items) {
		j := i
		for j < len(items) && items[j].score == items[i].score {
			j++
		}
		avgRank := float64(i+j+1) / 2 // ranks are 1-based
		for k := i; k < j; k++ {
			if items[k].pos {
				rankSum += avgRank
			}
		}
		i = j
	}

	return (rankSum - nPos*(nPos+1)/2) / (nPos * nNeg)
}

// regressionMetrics holds error metrics plus the pseudo-R² used as the
// accuracy-equivalent in the quality combination.
type regressionMetrics struct {
	rmse float64
	mae  float64
	r2   float64
}

func regression(labels, predictions []float64) regressionMetrics {
	n := float64(len(labels))
	if n == 0 {
		return regressionMetrics{}
	}

	var mean float64
	for _, y := range labels {
		mean += y
	}
	mean /= n

	var ssRes, ssTot, absSum float64
	for i := range labels {
		diff := labels[i] - predictions[i]
		ssRes += diff * diff
		absSum += math.Abs(diff)
		dev := labels[i] - mean
		ssTot += dev * dev
	}

	var r2 float64
	if ssTot != 0 {
		r2 = 1 - ssRes/ssTot
	}

	return regressionMetrics{
		rmse: math.Sqrt(ssRes / n),
		mae:  absSum / n,
		r2:   r2,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
