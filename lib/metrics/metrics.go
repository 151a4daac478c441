/*package metrics exports Prometheus metrics about the checkpoints written by a
process.

Every method is safe to call on a nil *Metrics, in which case it does nothing,
so code which writes checkpoints doesn't need to check whether metrics are
enabled.
*/
package metrics

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	c_error "github.com/phil-mansfield/przm/lib/error"
	"github.com/phil-mansfield/przm/lib/mpi"
)

const namespace = "przm"

// Metrics holds the collectors for a single process. All of the collectors are
// registered with Registry rather than the global default registry, so several
// independent Metrics can exist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// Checkpoints counts finished checkpoints by the rank which observed them.
	Checkpoints *prometheus.CounterVec
	// Bytes counts dataset bytes written, by rank and dataset.
	Bytes *prometheus.CounterVec
	// Duration is the wall-clock time of a whole checkpoint on rank 0.
	Duration prometheus.Histogram
	// Aborts counts aborted checkpoints by error kind.
	Aborts *prometheus.CounterVec
	// Items is the global number of items in the last checkpoint's datasets.
	Items *prometheus.GaugeVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Number of checkpoints written.",
		}, []string{"rank"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_bytes_total",
			Help:      "Number of dataset bytes written.",
		}, []string{"rank", "dataset"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Wall-clock time needed to write a checkpoint.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		Aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aborts_total",
			Help:      "Number of checkpoints which aborted the job.",
		}, []string{"kind"}),
		Items: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dataset_items",
			Help:      "Global number of items in the last checkpoint.",
		}, []string{"dataset"}),
	}

	m.Registry.MustRegister(
		m.Checkpoints, m.Bytes, m.Duration, m.Aborts, m.Items,
		collectors.NewGoCollector(),
	)
	return m
}

// ObserveDataset records that the local rank wrote n bytes of a dataset which
// has global items in total.
func (m *Metrics) ObserveDataset(rank int, name string, n int64, global uint64) {
	if m == nil {
		return
	}
	m.Bytes.WithLabelValues(strconv.Itoa(rank), name).Add(float64(n))
	if rank == 0 {
		m.Items.WithLabelValues(name).Set(float64(global))
	}
}

// ObserveCheckpoint records a finished checkpoint. The duration is only
// recorded for rank 0, so that a job run in a single process isn't counted
// once per rank.
func (m *Metrics) ObserveCheckpoint(rank int, dt time.Duration) {
	if m == nil {
		return
	}
	m.Checkpoints.WithLabelValues(strconv.Itoa(rank)).Inc()
	if rank == 0 {
		m.Duration.Observe(dt.Seconds())
	}
}

// ObserveAbort records a checkpoint which ended in err. Only rank 0 counts
// aborts. Errors which crossed a process boundary lose their kind and are
// counted as "Unknown".
func (m *Metrics) ObserveAbort(rank int, err error) {
	if m == nil || rank != 0 || err == nil {
		return
	}
	m.Aborts.WithLabelValues(KindLabel(err)).Inc()
}

// KindLabel returns the label that ObserveAbort uses for err.
func KindLabel(err error) string {
	var e *c_error.Error
	if errors.As(err, &e) {
		return e.Kind.String()
	}
	var mismatch *mpi.CollectiveMismatchError
	if errors.As(err, &mismatch) {
		return c_error.Coordination.String()
	}
	return "Unknown"
}

// Handler returns an http.Handler which serves the metrics in m.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server on addr which exposes the metrics at /metrics.
// It returns once the listener is open. The server runs until the process
// exits.
func (m *Metrics) Serve(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			glog.Errorf("metrics server on %s stopped: %v", lis.Addr(), err)
		}
	}()
	glog.Infof("Serving metrics at http://%s/metrics", lis.Addr())
	return lis.Addr(), nil
}
