/*package slab computes global dataset sizes and the hyperslab that each rank
writes into.

A dataset is logically a flat array of Global items, each of which is Width
elements wide (e.g. a prism connectivity tuple is 6 uint64s wide).
Every rank owns a contiguous Slab of it: the items [Offset, Offset+Length).
Reduce and Partition are collective and must be called by every rank, even
ranks which have no items.
*/
package slab

import (
	"fmt"
	"sort"

	c_error "github.com/phil-mansfield/przm/lib/error"
	"github.com/phil-mansfield/przm/lib/mpi"
)

// Policy selects how offsets are computed.
type Policy int

const (
	// PrefixSum gives each rank the exclusive prefix sum of the counts of
	// lower ranks as its offset. It is correct for any distribution of counts.
	PrefixSum Policy = iota
	// UniformStride gives each rank rank*stride as its offset. It skips the
	// scan, but it is only correct when every rank has exactly stride items,
	// so Partition aborts the job when that isn't the case.
	UniformStride
)

func (p Policy) String() string {
	switch p {
	case PrefixSum:
		return "prefix-sum"
	case UniformStride:
		return "uniform-stride"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy converts the output of Policy.String() back into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "prefix-sum", "":
		return PrefixSum, nil
	case "uniform-stride":
		return UniformStride, nil
	}
	return 0, fmt.Errorf("'%s' is not a valid offset policy. Only "+
		"'prefix-sum' and 'uniform-stride' are valid.", s)
}

// Slab is the region of a dataset owned by a single rank. All fields count
// items, not elements.
type Slab struct {
	Offset, Length, Global uint64
	Width                  uint64
}

// End returns the item just past the end of the slab.
func (s Slab) End() uint64 { return s.Offset + s.Length }

// ElemOffset, ElemLength, and ElemGlobal convert the slab to element units.
func (s Slab) ElemOffset() uint64 { return s.Offset * s.Width }
func (s Slab) ElemLength() uint64 { return s.Length * s.Width }
func (s Slab) ElemGlobal() uint64 { return s.Global * s.Width }

// Reduce returns the sum of each local count across all ranks. Several
// quantities can be reduced in a single collective.
func Reduce(comm mpi.Comm, counts ...uint64) ([]uint64, error) {
	return comm.AllreduceSum(counts)
}

// Partition computes the slab of the local rank for a dataset where the local
// rank owns local items of the given width. strideHint is only used by
// UniformStride: if it's zero, the stride is taken to be global/size. Partition
// also performs the global reduction, so Slab.Global is always filled in.
func Partition(
	comm mpi.Comm, policy Policy, local, width, strideHint uint64,
) (Slab, error) {
	if width == 0 {
		return Slab{}, c_error.Fail(comm, c_error.Newf(comm,
			c_error.PropertyConfiguration, "partition", "",
			"dataset width must be positive"))
	}

	global, err := Reduce(comm, local)
	if err != nil {
		return Slab{}, err
	}
	s := Slab{Length: local, Global: global[0], Width: width}

	switch policy {
	case PrefixSum:
		offset, err := comm.ExscanSum([]uint64{local})
		if err != nil {
			return Slab{}, err
		}
		s.Offset = offset[0]

	case UniformStride:
		size, rank := uint64(comm.Size()), uint64(comm.Rank())
		stride := strideHint
		if stride == 0 {
			stride = s.Global / size
		}
		if local != stride || s.Global != stride*size {
			return Slab{}, c_error.Fail(comm, c_error.Newf(comm,
				c_error.PropertyConfiguration, "partition", "",
				"uniform-stride offsets need every rank to own %d items, "+
					"but rank %d owns %d of %d total over %d ranks",
				stride, rank, local, s.Global, size))
		}
		s.Offset = rank * stride

	default:
		return Slab{}, c_error.Fail(comm, c_error.Newf(comm,
			c_error.PropertyConfiguration, "partition", "",
			"unknown offset policy %s", policy))
	}

	return s, nil
}

// CheckTiling returns an error unless the slabs are pairwise disjoint and
// together cover [0, Global) with no gaps. All slabs must agree on Global.
func CheckTiling(slabs []Slab) error {
	if len(slabs) == 0 {
		return nil
	}
	global := slabs[0].Global

	order := make([]int, len(slabs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return slabs[order[i]].Offset < slabs[order[j]].Offset
	})

	next := uint64(0)
	for _, r := range order {
		s := slabs[r]
		if s.Global != global {
			return fmt.Errorf("rank %d thinks the dataset has %d items, "+
				"but rank 0 thinks it has %d", r, s.Global, global)
		}
		if s.Length == 0 {
			continue
		}
		if s.Offset < next {
			return fmt.Errorf("rank %d's items [%d, %d) overlap an earlier "+
				"rank's, which end at %d", r, s.Offset, s.End(), next)
		} else if s.Offset > next {
			return fmt.Errorf("no rank owns items [%d, %d)", next, s.Offset)
		}
		next = s.End()
	}

	if next != global {
		return fmt.Errorf("no rank owns items [%d, %d)", next, global)
	}
	return nil
}

// Gather collects the slab of every rank, in rank order.
func Gather(comm mpi.Comm, s Slab) ([]Slab, error) {
	all, err := comm.Allgather([]uint64{s.Offset, s.Length, s.Global, s.Width})
	if err != nil {
		return nil, err
	}

	slabs := make([]Slab, comm.Size())
	for r := range slabs {
		v := all[4*r : 4*r+4]
		slabs[r] = Slab{Offset: v[0], Length: v[1], Global: v[2], Width: v[3]}
	}
	return slabs, nil
}

// VerifyTiling gathers every rank's slab and aborts the job if they don't tile
// the dataset. It returns the gathered slabs.
func VerifyTiling(comm mpi.Comm, name string, s Slab) ([]Slab, error) {
	slabs, err := Gather(comm, s)
	if err != nil {
		return nil, err
	}
	if err := CheckTiling(slabs); err != nil {
		return nil, c_error.Fail(comm, c_error.New(comm,
			c_error.Coordination, "verify tiling of "+name, "", err))
	}
	return slabs, nil
}
