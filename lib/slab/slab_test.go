package slab

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	c_error "github.com/phil-mansfield/przm/lib/error"
	"github.com/phil-mansfield/przm/lib/mpi"
)

// partitionAll runs Partition on n ranks where rank r owns counts[r] items.
func partitionAll(
	t *testing.T, policy Policy, counts []uint64, width, hint uint64,
) ([]Slab, error) {
	slabs := make([]Slab, len(counts))
	err := mpi.Spawn(len(counts), func(c mpi.Comm) error {
		s, err := Partition(c, policy, counts[c.Rank()], width, hint)
		slabs[c.Rank()] = s
		return err
	})
	return slabs, err
}

func TestReduce(t *testing.T) {
	err := mpi.Spawn(4, func(c mpi.Comm) error {
		local := uint64(c.Rank())
		global, err := Reduce(c, local, 2*local, 0)
		if err != nil {
			return err
		}
		if global[0] != 6 || global[1] != 12 || global[2] != 0 {
			return fmt.Errorf("rank %d: global = %v", c.Rank(), global)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPrefixSumTiles(t *testing.T) {
	tests := []struct {
		counts []uint64
	}{
		{[]uint64{10, 10, 10, 10}},
		{[]uint64{5, 0, 7, 1}},
		{[]uint64{0, 0, 0}},
		{[]uint64{0, 0, 9}},
		{[]uint64{3}},
	}

	for i := range tests {
		slabs, err := partitionAll(t, PrefixSum, tests[i].counts, 6, 0)
		require.NoError(t, err, "test %d", i)

		sum, offset := uint64(0), uint64(0)
		for r, s := range slabs {
			require.Equal(t, offset, s.Offset, "test %d, rank %d", i, r)
			require.Equal(t, tests[i].counts[r], s.Length)
			offset += s.Length
			sum += tests[i].counts[r]
		}
		for _, s := range slabs {
			require.Equal(t, sum, s.Global)
			require.Equal(t, 6*s.Offset, s.ElemOffset())
		}
		require.NoError(t, CheckTiling(slabs), "test %d", i)
	}
}

func TestUniformStride(t *testing.T) {
	slabs, err := partitionAll(t, UniformStride, []uint64{10, 10, 10, 10}, 1, 10)
	require.NoError(t, err)
	for r, s := range slabs {
		require.Equal(t, uint64(10*r), s.Offset)
		require.Equal(t, uint64(40), s.Global)
	}

	// Without a hint the stride comes from the global count.
	slabs, err = partitionAll(t, UniformStride, []uint64{5, 5}, 3, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(5), slabs[1].Offset)
	require.Equal(t, uint64(15), slabs[1].ElemOffset())
}

func TestUniformStrideRejectsUnevenCounts(t *testing.T) {
	_, err := partitionAll(t, UniformStride, []uint64{10, 12, 10}, 1, 10)

	var abortErr *mpi.AbortError
	require.True(t, errors.As(err, &abortErr))
	require.True(t, c_error.HasKind(err, c_error.PropertyConfiguration))

	// Same total as uniform, but unevenly spread.
	_, err = partitionAll(t, UniformStride, []uint64{4, 6}, 1, 0)
	require.True(t, c_error.HasKind(err, c_error.PropertyConfiguration))
}

func TestCheckTiling(t *testing.T) {
	good := []Slab{
		{Offset: 4, Length: 6, Global: 10},
		{Offset: 10, Length: 0, Global: 10},
		{Offset: 0, Length: 4, Global: 10},
	}
	require.NoError(t, CheckTiling(good))

	tests := []struct {
		slabs []Slab
		msg   string
	}{
		{[]Slab{{0, 5, 10, 1}, {4, 6, 10, 1}}, "overlap"},
		{[]Slab{{0, 4, 10, 1}, {5, 5, 10, 1}}, "no rank owns items [4, 5)"},
		{[]Slab{{0, 4, 10, 1}, {4, 4, 10, 1}}, "no rank owns items [8, 10)"},
		{[]Slab{{0, 4, 8, 1}, {4, 4, 9, 1}}, "thinks"},
	}
	for i := range tests {
		err := CheckTiling(tests[i].slabs)
		require.Error(t, err, "test %d", i)
		require.Contains(t, err.Error(), tests[i].msg, "test %d", i)
	}
}

func TestVerifyTiling(t *testing.T) {
	counts := []uint64{3, 1, 4, 1, 5}
	err := mpi.Spawn(len(counts), func(c mpi.Comm) error {
		s, err := Partition(c, PrefixSum, counts[c.Rank()], 1, 0)
		if err != nil {
			return err
		}
		slabs, err := VerifyTiling(c, "test", s)
		if err != nil {
			return err
		}
		if got := Counts(slabs); got[4] != 5 {
			return fmt.Errorf("counts = %v", got)
		}
		return nil
	})
	require.NoError(t, err)

	// Every rank lies and claims offset 0.
	err = mpi.Spawn(3, func(c mpi.Comm) error {
		_, err := VerifyTiling(c, "bad", Slab{Offset: 0, Length: 2, Global: 6, Width: 1})
		return err
	})
	require.True(t, c_error.HasKind(err, c_error.Coordination))
}

func TestBalance(t *testing.T) {
	im := Balance([]uint64{10, 10, 10, 10})
	require.True(t, im.Uniform)
	require.Equal(t, 10.0, im.Mean)
	require.Equal(t, 0.0, im.StdDev)
	require.Equal(t, 1.0, im.Ratio)

	im = Balance([]uint64{0, 20})
	require.False(t, im.Uniform)
	require.Equal(t, 10.0, im.Mean)
	require.Equal(t, 2.0, im.Ratio)
	require.InDelta(t, math.Sqrt(200), im.StdDev, 1e-9)

	im = Balance([]uint64{0, 0})
	require.Equal(t, 0.0, im.Ratio)
	require.True(t, Balance(nil).Uniform)
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{PrefixSum, UniformStride} {
		q, err := ParsePolicy(p.String())
		require.NoError(t, err)
		require.Equal(t, p, q)
	}
	_, err := ParsePolicy("round-robin")
	require.Error(t, err)
}
