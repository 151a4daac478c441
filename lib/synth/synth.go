/*package synth generates synthetic mesh partitions. It stands in for a real
simulation when exercising the checkpoint writer from the command line.

Rank r owns a cloud of points in the unit-width slab r <= x < r+1, a chain of
prisms and triangles over those points, and a smooth scalar field. Point and
element counts are fixed for a given (seed, rank), so the topology doesn't
change between timesteps; only the coordinates and the field move.
*/
package synth

import (
	"fmt"
	"math"

	"github.com/phil-mansfield/przm/lib/checkpoint"
	"github.com/phil-mansfield/przm/lib/mpi"
)

// Config controls the generated partitions.
type Config struct {
	// Points is the mean number of points per rank.
	Points uint64
	// Jitter is the fractional spread of point counts across ranks. With
	// Jitter = 0, every rank has exactly Points points.
	Jitter float64
	// Volume and Surface turn on the connectivity blocks.
	Volume, Surface bool
	// Variable is the name of the generated field, or "" for no field.
	Variable string
	Seed     uint64
}

// Validate checks that the configuration is usable.
func (cfg *Config) Validate() error {
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		return fmt.Errorf("jitter is %g, but it must be in [0, 1]", cfg.Jitter)
	}
	return nil
}

// Count returns the number of points owned by rank.
func (cfg *Config) Count(rank int) uint64 {
	if cfg.Jitter == 0 {
		return cfg.Points
	}
	gen := NewRNG(cfg.Seed ^ (uint64(rank+1) * 0x9e3779b97f4a7c15))
	f := 1 + cfg.Jitter*(2*gen.Uniform()-1)
	return uint64(math.Round(float64(cfg.Points) * f))
}

// Generate collectively creates the partition of the local rank for timestep
// step. Connectivity refers to global point indices, so it needs the number of
// points on lower ranks, which is found with a prefix sum.
func Generate(comm mpi.Comm, step int, cfg *Config) (*checkpoint.Partition, error) {
	n := cfg.Count(comm.Rank())
	first, err := comm.ExscanSum([]uint64{n})
	if err != nil {
		return nil, err
	}
	return Local(comm.Rank(), first[0], n, step, cfg), nil
}

// Local creates a partition of n points whose global indices start at first.
func Local(rank int, first, n uint64, step int, cfg *Config) *checkpoint.Partition {
	part := &checkpoint.Partition{
		NPoints: n,
		X:       make([]float32, n), Y: make([]float32, n), Z: make([]float32, n),
	}

	gen := NewRNG(cfg.Seed ^ uint64(rank)<<20)
	gen.UniformSequence(part.X)
	gen.UniformSequence(part.Y)
	gen.UniformSequence(part.Z)

	t := 0.05 * float64(step)
	for i := range part.X {
		part.X[i] += float32(rank)
		part.Y[i] += float32(0.1 * math.Sin(2*math.Pi*(float64(part.X[i])+t)))
	}

	if cfg.Volume && n >= checkpoint.VolumeWidth {
		part.NVolume = n / checkpoint.VolumeWidth
		part.Volume = chain(first, part.NVolume, checkpoint.VolumeWidth)
	} else if cfg.Volume {
		part.Volume = []uint64{}
	}
	if cfg.Surface && n >= checkpoint.SurfaceWidth {
		part.NSurface = n / checkpoint.SurfaceWidth
		part.Surface = chain(first, part.NSurface, checkpoint.SurfaceWidth)
	} else if cfg.Surface {
		part.Surface = []uint64{}
	}

	if cfg.Variable != "" {
		part.VarName = cfg.Variable
		part.VarData = make([]float32, n)
		for i := range part.VarData {
			x, y := float64(part.X[i]), float64(part.Y[i])
			part.VarData[i] = float32(math.Cos(x-t) * math.Exp(-y*y))
		}
	}
	return part
}

// chain returns ne elements of the given width over consecutive local points:
// element e uses points [width*e, width*e+width).
func chain(first, ne uint64, width int) []uint64 {
	conn := make([]uint64, ne*uint64(width))
	for i := range conn {
		conn[i] = first + uint64(i)
	}
	return conn
}
