/*package mpi contains a small MPI-like communicator written in pure Go. It only
supports the handful of collectives needed to coordinate a shared checkpoint
write: barriers, sum-reductions, exclusive prefix sums, allgathers, and a
job-wide abort.

Two transports are provided. NewWorld creates a set of in-process ranks which
share memory and are usually run on separate goroutines with Spawn. Dial joins
a job whose ranks are separate OS processes connected over TCP through a hub
that runs inside rank 0.

All collectives are blocking and must be called by every rank in the group in
the same order. There are no timeouts: once a rank calls Abort, every rank
which is blocked in a collective (or which enters one later) returns an
*AbortError describing the rank which aborted the job and why.
*/
package mpi

import (
	"fmt"
)

// Comm is a communicator over a fixed group of ranks.
type Comm interface {
	// Rank returns the index of the local rank, 0 <= Rank() < Size().
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int
	// Barrier blocks until every rank has called Barrier.
	Barrier() error
	// AllreduceSum returns the element-wise sum of local across all ranks.
	// Every rank must contribute a vector of the same length.
	AllreduceSum(local []uint64) ([]uint64, error)
	// ExscanSum returns the element-wise sum of local over all ranks with a
	// lower rank than the caller. Rank 0 receives a vector of zeros.
	ExscanSum(local []uint64) ([]uint64, error)
	// Allgather returns the concatenation of every rank's vector in rank
	// order. Every rank must contribute a vector of the same length.
	Allgather(local []uint64) ([]uint64, error)
	// Abort terminates the job. It does not block and it is safe to call more
	// than once. Only the first call has any effect.
	Abort(err error)
}

// AbortError is returned by every collective after the job has been aborted.
type AbortError struct {
	// Rank is the rank which called Abort.
	Rank int
	// Err is the reason the job was aborted. When the abort came from another
	// process, only the error text survives the trip.
	Err error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("mpi: job aborted by rank %d: %v", e.Rank, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// CollectiveMismatchError is the reason given for an abort when two ranks
// entered different collectives at the same point in the call sequence.
type CollectiveMismatchError struct {
	Rank          int
	Want, Got     string
	Width, Expect int
}

func (e *CollectiveMismatchError) Error() string {
	if e.Want != e.Got {
		return fmt.Sprintf("rank %d called %s while its peers called %s",
			e.Rank, e.Got, e.Want)
	}
	return fmt.Sprintf("rank %d passed %d values to %s, but rank 0 "+
		"passed %d", e.Rank, e.Width, e.Got, e.Expect)
}

// opCode identifies a collective operation.
type opCode uint8

const (
	opBarrier opCode = iota
	opAllreduceSum
	opExscanSum
	opAllgather
)

func (op opCode) String() string {
	switch op {
	case opBarrier:
		return "Barrier"
	case opAllreduceSum:
		return "AllreduceSum"
	case opExscanSum:
		return "ExscanSum"
	case opAllgather:
		return "Allgather"
	}
	return fmt.Sprintf("opCode(%d)", uint8(op))
}

// combine computes the result that every rank receives from a collective,
// given the contribution of every rank. in[r] is the vector sent by rank r and
// out[r] is the vector rank r receives. The returned slices are not shared
// between ranks.
func combine(op opCode, in [][]uint64) ([][]uint64, error) {
	out := make([][]uint64, len(in))
	if op == opBarrier {
		return out, nil
	}

	width := len(in[0])
	for r := range in {
		if len(in[r]) != width {
			return nil, &CollectiveMismatchError{
				Rank: r, Want: op.String(), Got: op.String(),
				Width: len(in[r]), Expect: width,
			}
		}
	}

	switch op {
	case opAllreduceSum:
		sum := make([]uint64, width)
		for r := range in {
			for i := range in[r] {
				sum[i] += in[r][i]
			}
		}
		for r := range out {
			out[r] = append([]uint64(nil), sum...)
		}

	case opExscanSum:
		acc := make([]uint64, width)
		for r := range in {
			out[r] = append([]uint64(nil), acc...)
			for i := range in[r] {
				acc[i] += in[r][i]
			}
		}

	case opAllgather:
		all := make([]uint64, 0, width*len(in))
		for r := range in {
			all = append(all, in[r]...)
		}
		for r := range out {
			out[r] = append([]uint64(nil), all...)
		}

	default:
		panic(fmt.Sprintf("Internal error: unrecognized collective %s.", op))
	}

	return out, nil
}
