package mpi

/* local.go contains the in-process transport. */

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// World is a group of in-process ranks which share memory.
type World struct {
	size int

	mu  sync.Mutex
	cur *round

	aborted   chan struct{}
	abortOnce sync.Once
	abortErr  *AbortError
}

// round is a single collective call. A new round is started by the first rank
// to arrive and completed by the last one.
type round struct {
	op      opCode
	arrived int
	in, out [][]uint64
	done    chan struct{}
}

// Local is the view that a single rank has of a World.
type Local struct {
	w    *World
	rank int
}

var _ Comm = &Local{}

// NewWorld creates a World with n ranks and returns the communicator for each
// rank, in rank order.
func NewWorld(n int) []*Local {
	if n <= 0 {
		panic(fmt.Sprintf("Internal error: NewWorld(%d) called with a "+
			"non-positive number of ranks.", n))
	}

	w := &World{size: n, aborted: make(chan struct{})}
	comms := make([]*Local, n)
	for i := range comms {
		comms[i] = &Local{w, i}
	}
	return comms
}

// Spawn creates a World with n ranks and runs f for every rank on its own
// goroutine. If f returns an error or panics on any rank, the job is aborted
// so that the other ranks don't block forever. Spawn returns the error which
// caused the abort, or nil if every rank finished cleanly.
func Spawn(n int, f func(c Comm) error) error {
	comms := NewWorld(n)
	g := &errgroup.Group{}

	for _, c := range comms {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("rank %d panicked: %v", c.rank, p)
					c.Abort(err)
				}
			}()

			err = f(c)
			if err != nil {
				c.Abort(err)
			}
			return err
		})
	}

	err := g.Wait()
	if abortErr := comms[0].w.abortError(); abortErr != nil {
		return abortErr
	}
	return err
}

func (c *Local) Rank() int { return c.rank }
func (c *Local) Size() int { return c.w.size }

func (c *Local) Barrier() error {
	_, err := c.collective(opBarrier, nil)
	return err
}

func (c *Local) AllreduceSum(local []uint64) ([]uint64, error) {
	return c.collective(opAllreduceSum, local)
}

func (c *Local) ExscanSum(local []uint64) ([]uint64, error) {
	return c.collective(opExscanSum, local)
}

func (c *Local) Allgather(local []uint64) ([]uint64, error) {
	return c.collective(opAllgather, local)
}

func (c *Local) Abort(err error) {
	c.w.abort(c.rank, err)
}

func (c *Local) collective(op opCode, local []uint64) ([]uint64, error) {
	w := c.w
	if err := w.abortError(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	r := w.cur
	if r == nil {
		r = &round{
			op: op, in: make([][]uint64, w.size), done: make(chan struct{}),
		}
		w.cur = r
	}

	if r.op != op {
		w.mu.Unlock()
		w.abort(c.rank, &CollectiveMismatchError{
			Rank: c.rank, Want: r.op.String(), Got: op.String(),
		})
		return nil, w.abortError()
	}

	r.in[c.rank] = append([]uint64(nil), local...)
	r.arrived++

	if r.arrived == w.size {
		w.cur = nil
		out, err := combine(op, r.in)
		if err != nil {
			w.mu.Unlock()
			w.abort(c.rank, err)
			return nil, w.abortError()
		}
		r.out = out
		close(r.done)
	}
	w.mu.Unlock()

	select {
	case <-r.done:
		return r.out[c.rank], nil
	case <-w.aborted:
		return nil, w.abortError()
	}
}

func (w *World) abort(rank int, err error) {
	w.abortOnce.Do(func() {
		w.mu.Lock()
		w.abortErr = &AbortError{Rank: rank, Err: err}
		w.mu.Unlock()
		close(w.aborted)
	})
}

func (w *World) abortError() *AbortError {
	select {
	case <-w.aborted:
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.abortErr
	default:
		return nil
	}
}
