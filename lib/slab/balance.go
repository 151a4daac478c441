package slab

/* balance.go contains summary statistics about how evenly items are spread
over ranks. */

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Imbalance summarizes the distribution of item counts across ranks.
type Imbalance struct {
	Mean, StdDev float64
	Min, Max     float64
	// Ratio is Max/Mean. It's 1 for a perfectly balanced distribution and 0
	// if no rank has any items.
	Ratio float64
	// Uniform is true if every rank has the same count, i.e. if the
	// UniformStride policy would give correct offsets.
	Uniform bool
}

func (im Imbalance) String() string {
	return fmt.Sprintf("mean %.1f, stddev %.1f, min %.0f, max %.0f, "+
		"max/mean %.3f", im.Mean, im.StdDev, im.Min, im.Max, im.Ratio)
}

// Balance computes the Imbalance of a set of per-rank counts.
func Balance(counts []uint64) Imbalance {
	if len(counts) == 0 {
		return Imbalance{Uniform: true}
	}

	x := make([]float64, len(counts))
	for i := range counts {
		x[i] = float64(counts[i])
	}

	im := Imbalance{Min: floats.Min(x), Max: floats.Max(x)}
	if len(x) > 1 {
		im.Mean, im.StdDev = stat.MeanStdDev(x, nil)
	} else {
		im.Mean = x[0]
	}
	if im.Mean > 0 {
		im.Ratio = im.Max / im.Mean
	}
	im.Uniform = im.Min == im.Max
	return im
}

// Counts extracts the per-rank item counts from a set of gathered slabs.
func Counts(slabs []Slab) []uint64 {
	counts := make([]uint64, len(slabs))
	for i := range slabs {
		counts[i] = slabs[i].Length
	}
	return counts
}
