package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	c_error "github.com/phil-mansfield/przm/lib/error"
	"github.com/phil-mansfield/przm/lib/mpi"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveDataset(0, "grid/x", 10, 10)
	m.ObserveCheckpoint(0, time.Second)
	m.ObserveAbort(0, fmt.Errorf("boom"))
}

func TestObserve(t *testing.T) {
	m := New()
	m.ObserveDataset(0, "grid/x", 160, 40)
	m.ObserveDataset(1, "grid/x", 160, 40)
	m.ObserveDataset(1, "grid/x", 40, 40)
	m.ObserveCheckpoint(0, 20*time.Millisecond)
	m.ObserveCheckpoint(1, 20*time.Millisecond)

	require.Equal(t, 160.0, testutil.ToFloat64(m.Bytes.WithLabelValues("0", "grid/x")))
	require.Equal(t, 200.0, testutil.ToFloat64(m.Bytes.WithLabelValues("1", "grid/x")))
	require.Equal(t, 40.0, testutil.ToFloat64(m.Items.WithLabelValues("grid/x")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Checkpoints.WithLabelValues("1")))
	require.Equal(t, 1, testutil.CollectAndCount(m.Duration))
}

func TestObserveAbort(t *testing.T) {
	comms := mpi.NewWorld(2)
	m := New()

	err := &mpi.AbortError{Rank: 1, Err: c_error.Newf(comms[1],
		c_error.PathCreation, "mkdir", "run.checkpoint", "permission denied")}
	m.ObserveAbort(0, err)
	m.ObserveAbort(1, err)
	m.ObserveAbort(0, &mpi.AbortError{Rank: 1, Err: fmt.Errorf("remote")})

	require.Equal(t, 1.0, testutil.ToFloat64(m.Aborts.WithLabelValues("PathCreationError")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Aborts.WithLabelValues("Unknown")))
}

func TestKindLabel(t *testing.T) {
	mismatch := &mpi.AbortError{Err: &mpi.CollectiveMismatchError{
		Rank: 1, Want: "Barrier", Got: "AllreduceSum",
	}}
	require.Equal(t, "CoordinationError", KindLabel(mismatch))
	require.Equal(t, "Unknown", KindLabel(fmt.Errorf("plain")))
}

func TestServe(t *testing.T) {
	m := New()
	m.ObserveCheckpoint(0, time.Millisecond)

	addr, err := m.Serve("127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `przm_checkpoints_total{rank="0"} 1`))
}
