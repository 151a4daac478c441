package mpi

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCombine(t *testing.T) {
	in := [][]uint64{{1, 10}, {2, 20}, {3, 30}}

	out, err := combine(opAllreduceSum, in)
	require.NoError(t, err)
	for r := range out {
		require.Equal(t, []uint64{6, 60}, out[r])
	}

	out, err = combine(opExscanSum, in)
	require.NoError(t, err)
	require.Equal(t, [][]uint64{{0, 0}, {1, 10}, {3, 30}}, out)

	out, err = combine(opAllgather, in)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 10, 2, 20, 3, 30}, out[2])

	// Results must not alias each other.
	out[0][0] = 100
	require.Equal(t, uint64(1), out[1][0])

	_, err = combine(opAllreduceSum, [][]uint64{{1}, {1, 2}})
	var mismatch *CollectiveMismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, 1, mismatch.Rank)
}

func TestLocalCollectives(t *testing.T) {
	const n = 5
	err := Spawn(n, func(c Comm) error {
		r := uint64(c.Rank())

		for i := 0; i < 10; i++ {
			if err := c.Barrier(); err != nil {
				return err
			}

			sum, err := c.AllreduceSum([]uint64{r, 1})
			if err != nil {
				return err
			}
			if sum[0] != n*(n-1)/2 || sum[1] != n {
				return fmt.Errorf("rank %d: sum = %v", r, sum)
			}

			scan, err := c.ExscanSum([]uint64{r + 1})
			if err != nil {
				return err
			}
			if want := r * (r + 1) / 2; scan[0] != want {
				return fmt.Errorf("rank %d: scan = %d, want %d", r, scan[0], want)
			}

			all, err := c.Allgather([]uint64{10 * r})
			if err != nil {
				return err
			}
			for j := range all {
				if all[j] != uint64(10*j) {
					return fmt.Errorf("rank %d: allgather = %v", r, all)
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestLocalAbort(t *testing.T) {
	cause := errors.New("disk on fire")
	var mu sync.Mutex
	seen := map[int]error{}

	err := Spawn(4, func(c Comm) error {
		if c.Rank() == 2 {
			c.Abort(cause)
			return nil
		}
		// The other ranks are stuck here until the abort reaches them.
		err := c.Barrier()
		mu.Lock()
		seen[c.Rank()] = err
		mu.Unlock()
		return err
	})

	var abortErr *AbortError
	require.True(t, errors.As(err, &abortErr))
	require.Equal(t, 2, abortErr.Rank)
	require.True(t, errors.Is(err, cause))

	require.Len(t, seen, 3)
	for r, err := range seen {
		require.True(t, errors.As(err, &abortErr), "rank %d", r)
		require.Equal(t, 2, abortErr.Rank)
	}
}

func TestLocalMismatchAborts(t *testing.T) {
	err := Spawn(2, func(c Comm) error {
		if c.Rank() == 0 {
			return c.Barrier()
		}
		_, err := c.AllreduceSum([]uint64{1})
		return err
	})

	var mismatch *CollectiveMismatchError
	require.True(t, errors.As(err, &mismatch))
}

func TestSpawnPanicAborts(t *testing.T) {
	err := Spawn(3, func(c Comm) error {
		if c.Rank() == 1 {
			panic("boom")
		}
		return c.Barrier()
	})

	var abortErr *AbortError
	require.True(t, errors.As(err, &abortErr))
	require.Equal(t, 1, abortErr.Rank)
	require.Contains(t, err.Error(), "boom")
}

func TestSpawnErrorAborts(t *testing.T) {
	cause := errors.New("rank 0 gave up")
	err := Spawn(3, func(c Comm) error {
		if c.Rank() == 0 {
			return cause
		}
		return c.Barrier()
	})
	require.True(t, errors.Is(err, cause))
}

func freeAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func runNetwork(t *testing.T, n int, f func(c *Network) error) []error {
	hub := freeAddr(t)
	errs := make([]error, n)
	wg := sync.WaitGroup{}

	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			c, err := Dial(NetworkConfig{
				Rank: r, Size: n, Hub: hub, InitTimeout: 5 * time.Second,
			})
			if err != nil {
				errs[r] = err
				return
			}
			errs[r] = f(c)
			c.Close()
		}(r)
	}
	wg.Wait()
	return errs
}

func TestNetworkCollectives(t *testing.T) {
	const n = 4
	errs := runNetwork(t, n, func(c *Network) error {
		r := uint64(c.Rank())
		for i := 0; i < 5; i++ {
			sum, err := c.AllreduceSum([]uint64{r, 2})
			if err != nil {
				return err
			}
			if sum[0] != 6 || sum[1] != 2*n {
				return fmt.Errorf("rank %d: sum = %v", r, sum)
			}

			scan, err := c.ExscanSum([]uint64{1})
			if err != nil {
				return err
			}
			if scan[0] != r {
				return fmt.Errorf("rank %d: scan = %v", r, scan)
			}

			all, err := c.Allgather([]uint64{r, r})
			if err != nil {
				return err
			}
			if len(all) != 2*n || all[2*n-1] != n-1 {
				return fmt.Errorf("rank %d: allgather = %v", r, all)
			}
		}
		return c.Barrier()
	})

	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
}

func TestNetworkAbort(t *testing.T) {
	const n = 3
	errs := runNetwork(t, n, func(c *Network) error {
		if c.Rank() == 1 {
			c.Abort(errors.New("could not create directory"))
			return nil
		}
		return c.Barrier()
	})

	require.NoError(t, errs[1])
	for _, r := range []int{0, 2} {
		var abortErr *AbortError
		require.True(t, errors.As(errs[r], &abortErr), "rank %d: %v", r, errs[r])
		require.Equal(t, 1, abortErr.Rank)
		require.Contains(t, abortErr.Error(), "could not create directory")
	}
}

func TestDialBadRank(t *testing.T) {
	_, err := Dial(NetworkConfig{Rank: 3, Size: 2, Hub: "127.0.0.1:1"})
	require.Error(t, err)
}
