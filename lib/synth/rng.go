package synth

import (
	"math"
)

var (
	xorshiftMaxUint = float64(math.MaxUint32)
)

// RNG is an xorshift random number generator. It is not thread safe, so every
// rank needs its own.
type RNG struct {
	w, x, y, z uint32
}

// NewRNG creates an RNG with a given seed. The generator is warmed up so that
// nearby seeds don't give correlated first values.
func NewRNG(seed uint64) *RNG {
	gen := &RNG{uint32(seed), 123456789 ^ uint32(seed>>32), 362436069, 521288629}
	for i := 0; i < 16; i++ {
		gen.next()
	}
	return gen
}

func (gen *RNG) next() uint32 {
	t := gen.x ^ (gen.x << 11)
	gen.x, gen.y, gen.z = gen.y, gen.z, gen.w
	gen.w = gen.w ^ (gen.w >> 19) ^ (t ^ (t >> 8))
	return gen.w
}

// Uniform generates a single random number in the range [0, 1).
func (gen *RNG) Uniform() float64 {
	for {
		res := float64(math.MaxUint32-gen.next()) / xorshiftMaxUint
		if res != 1.0 {
			return res
		}
	}
}

// UniformSequence generates one random number in the range [0, 1) for each
// element of target and writes them to it.
func (gen *RNG) UniformSequence(target []float32) {
	for i := range target {
		x := float32(gen.Uniform())
		for x == 1 {
			x = float32(gen.Uniform())
		}
		target[i] = x
	}
}
