package insitu

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/glog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stats are summary statistics of a single field on the local rank.
type Stats struct {
	N                int
	Mean, StdDev     float64
	Min, Median, Max float64

	// NaN counts values which were left out of the other statistics.
	NaN int
}

func (s Stats) String() string {
	return fmt.Sprintf("n = %d, mean = %.4g, stddev = %.4g, "+
		"[min, median, max] = [%.4g, %.4g, %.4g]",
		s.N, s.Mean, s.StdDev, s.Min, s.Median, s.Max)
}

// ComputeStats computes Stats for x.
func ComputeStats(x []float32) Stats {
	v := make([]float64, 0, len(x))
	s := Stats{}
	for _, xi := range x {
		if math.IsNaN(float64(xi)) {
			s.NaN++
			continue
		}
		v = append(v, float64(xi))
	}
	s.N = len(v)

	switch len(v) {
	case 0:
		s.Mean, s.StdDev = math.NaN(), math.NaN()
		s.Min, s.Median, s.Max = math.NaN(), math.NaN(), math.NaN()
		return s
	case 1:
		s.Mean, s.StdDev = v[0], 0
	default:
		s.Mean, s.StdDev = stat.MeanStdDev(v, nil)
	}

	s.Min, s.Max = floats.Min(v), floats.Max(v)
	sort.Float64s(v)
	s.Median = stat.Quantile(0.5, stat.Empirical, v, nil)
	return s
}

// FieldStats is a Pipeline which computes the statistics of every field at
// every timestep.
type FieldStats struct {
	// Fields restricts the pipeline to the named fields. If it's empty, every
	// field is used.
	Fields []string
	// Rank is only used to label log lines.
	Rank int

	step    int
	current map[string]Stats
	history []map[string]Stats
}

var _ Pipeline = &FieldStats{}

// NewFieldStats creates a FieldStats pipeline over the given fields.
func NewFieldStats(rank int, fields ...string) *FieldStats {
	return &FieldStats{Fields: fields, Rank: rank}
}

func (fs *FieldStats) BeginTimestep(step int) error {
	fs.step = step
	fs.current = map[string]Stats{}
	return nil
}

func (fs *FieldStats) Process(step int, src Source) error {
	names := fs.Fields
	if len(names) == 0 {
		names = src.FieldNames()
	}

	for _, name := range names {
		data, ok := src.Field(name)
		if !ok {
			return fmt.Errorf("step %d has no field named '%s'", step, name)
		}
		s := ComputeStats(data)
		fs.current[name] = s
		glog.V(1).Infof("insitu: rank %d, step %d, %s: %s",
			fs.Rank, step, name, s)
	}
	return nil
}

func (fs *FieldStats) EndTimestep() error {
	fs.history = append(fs.history, fs.current)
	fs.current = nil
	return nil
}

func (fs *FieldStats) Close() error { return nil }

// Last returns the statistics of the most recent timestep.
func (fs *FieldStats) Last() map[string]Stats {
	if len(fs.history) == 0 {
		return nil
	}
	return fs.history[len(fs.history)-1]
}

// History returns the statistics of every finished timestep, in order.
func (fs *FieldStats) History() []map[string]Stats { return fs.history }
