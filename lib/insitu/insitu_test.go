package insitu

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	read_przm "github.com/phil-mansfield/przm/go"
	"github.com/phil-mansfield/przm/lib/checkpoint"
	c_error "github.com/phil-mansfield/przm/lib/error"
	"github.com/phil-mansfield/przm/lib/mpi"
	"github.com/phil-mansfield/przm/lib/pdirs"
)

// recorder is a Pipeline which records the calls made to it.
type recorder struct {
	calls      []string
	failOn     string
	structured bool
	held       Source
}

func (r *recorder) call(s string) error {
	r.calls = append(r.calls, s)
	if s == r.failOn {
		return fmt.Errorf("%s failed", s)
	}
	return nil
}

func (r *recorder) BeginTimestep(step int) error {
	return r.call(fmt.Sprintf("begin %d", step))
}

func (r *recorder) Process(step int, src Source) error {
	r.held = src
	m := src.Mesh(r.structured)
	r.calls = append(r.calls, fmt.Sprintf("mesh %d", m.NPoints))
	return r.call(fmt.Sprintf("process %d", step))
}

func (r *recorder) EndTimestep() error { return r.call("end") }
func (r *recorder) Close() error       { return r.call("close") }

func TestBridgeLifecycle(t *testing.T) {
	rec := &recorder{}
	b := NewBridge(rec)

	for step := 0; step < 2; step++ {
		fr := NewFrame(step)
		fr.NPoints = 3
		fr.AddField("T", []float32{1, 2, 3})
		require.NoError(t, b.Step(fr))
		require.Error(t, b.Step(fr), "frames can't be reused")
	}
	require.Equal(t, 2, b.Steps())

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.Error(t, b.Step(NewFrame(2)))

	require.Equal(t, []string{
		"begin 0", "mesh 3", "process 0", "end",
		"begin 1", "mesh 3", "process 1", "end",
		"close",
	}, rec.calls)
}

func TestFrameReleased(t *testing.T) {
	rec := &recorder{}
	b := NewBridge(rec)

	fr := NewFrame(0)
	fr.NPoints = 1
	fr.X, fr.Y, fr.Z = []float32{1}, []float32{2}, []float32{3}
	fr.AddField("T", []float32{4})
	require.NoError(t, b.Step(fr))

	// A pipeline which holds on to its source sees nothing after the step.
	require.Nil(t, rec.held.Mesh(false))
	_, ok := rec.held.Field("T")
	require.False(t, ok)
	require.Nil(t, fr.X)
}

func TestEndAfterFailedProcess(t *testing.T) {
	rec := &recorder{failOn: "process 0"}
	b := NewBridge(rec)
	err := b.Step(NewFrame(0))
	require.Error(t, err)
	require.Equal(t, []string{"begin 0", "mesh 0", "process 0", "end"}, rec.calls)

	rec = &recorder{failOn: "begin 0"}
	require.Error(t, NewBridge(rec).Step(NewFrame(0)))
	require.Equal(t, []string{"begin 0"}, rec.calls)
}

func TestInvalidFrame(t *testing.T) {
	rec := &recorder{}
	fr := NewFrame(0)
	fr.NPoints = 2
	fr.AddField("T", []float32{1})
	require.Error(t, NewBridge(rec).Step(fr))
	require.Len(t, rec.calls, 0)
}

func TestImage(t *testing.T) {
	im := &Image{
		Whole:   [3]int{4, 4, 4},
		Extent:  [6]int{2, 3, 0, 1, 3, 3},
		Spacing: [3]float32{0.5, 1, 2},
	}
	require.NoError(t, im.Validate())
	require.Equal(t, [3]int{2, 2, 1}, im.Dims())
	require.Equal(t, 4, im.Points())

	x, y, z := im.Coordinates()
	require.Equal(t, []float32{1, 1.5, 1, 1.5}, x)
	require.Equal(t, []float32{0, 0, 1, 1}, y)
	require.Equal(t, []float32{6, 6, 6, 6}, z)

	bad := *im
	bad.Extent[5] = 4
	require.Error(t, bad.Validate())
	bad = *im
	bad.Spacing[1] = 0
	require.Error(t, bad.Validate())
}

func TestStructuredMesh(t *testing.T) {
	fr := NewFrame(0)
	fr.SetImage(&Image{
		Whole:   [3]int{2, 2, 2},
		Extent:  [6]int{0, 1, 0, 1, 0, 1},
		Spacing: [3]float32{1, 1, 1},
	})
	fr.AddField("iso", make([]float32, 8))

	m := fr.Mesh(true)
	require.True(t, m.StructureOnly)
	require.Nil(t, m.X)
	require.Equal(t, uint64(8), m.NPoints)
	require.Equal(t, []string{"iso"}, m.Fields)
	require.Same(t, m, fr.Mesh(true))

	full := fr.Mesh(false)
	require.False(t, full.StructureOnly)
	require.Len(t, full.X, 8)
	require.Same(t, full, fr.Mesh(true))
}

func TestComputeStats(t *testing.T) {
	s := ComputeStats([]float32{1, 2, 3, 4, float32(math.NaN())})
	require.Equal(t, 4, s.N)
	require.Equal(t, 1, s.NaN)
	require.Equal(t, 2.5, s.Mean)
	require.InDelta(t, math.Sqrt(5.0/3), s.StdDev, 1e-12)
	require.Equal(t, 1.0, s.Min)
	require.Equal(t, 4.0, s.Max)
	require.Equal(t, 2.0, s.Median)

	s = ComputeStats([]float32{7})
	require.Equal(t, 7.0, s.Mean)
	require.Equal(t, 0.0, s.StdDev)

	s = ComputeStats(nil)
	require.True(t, math.IsNaN(s.Mean))
}

func TestFieldStats(t *testing.T) {
	fs := NewFieldStats(0)
	b := NewBridge(fs)

	for step := 0; step < 3; step++ {
		fr := NewFrame(step)
		fr.NPoints = 2
		fr.AddField("a", []float32{float32(step), float32(step)})
		fr.AddField("b", []float32{0, 10})
		require.NoError(t, b.Step(fr))
	}
	require.NoError(t, b.Close())

	require.Len(t, fs.History(), 3)
	require.Equal(t, 2.0, fs.Last()["a"].Mean)
	require.Equal(t, 10.0, fs.Last()["b"].Max)

	only := NewFieldStats(0, "missing")
	fr := NewFrame(0)
	require.Error(t, NewBridge(only).Step(fr))
}

func TestCheckpointer(t *testing.T) {
	name := filepath.Join(t.TempDir(), "cart")
	stats := make([]*FieldStats, 2)

	err := mpi.Spawn(2, func(c mpi.Comm) error {
		w := checkpoint.NewWriter(checkpoint.DefaultOptions(), nil)
		stats[c.Rank()] = NewFieldStats(c.Rank())
		b := NewBridge(Multi(stats[c.Rank()], NewCheckpointer(c, w, name, "iso")))
		defer b.Close()

		for step := 0; step < 2; step++ {
			fr := NewFrame(step)
			fr.SetImage(&Image{
				Whole:   [3]int{4, 2, 1},
				Extent:  [6]int{2 * c.Rank(), 2*c.Rank() + 1, 0, 1, 0, 0},
				Spacing: [3]float32{1, 1, 1},
			})
			iso := make([]float32, 4)
			for i := range iso {
				iso[i] = float32(10*step + c.Rank())
			}
			fr.AddField("iso", iso)
			if err := b.Step(fr); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 11.0, stats[1].Last()["iso"].Mean)

	file, err := read_przm.Open(pdirs.FileName(name, 1))
	require.NoError(t, err)
	defer file.Close()
	require.Equal(t, "iso", file.Header().Variable)

	x, err := file.ReadFloat32("grid/x")
	require.NoError(t, err)
	require.Equal(t, []float32{0, 1, 0, 1, 2, 3, 2, 3}, x)
	v, err := file.ReadFloat32("variable")
	require.NoError(t, err)
	require.Equal(t, []float32{10, 10, 10, 10, 11, 11, 11, 11}, v)
}

func TestCheckpointerMissingField(t *testing.T) {
	name := filepath.Join(t.TempDir(), "cart")
	err := mpi.Spawn(2, func(c mpi.Comm) error {
		w := checkpoint.NewWriter(checkpoint.DefaultOptions(), nil)
		b := NewBridge(NewCheckpointer(c, w, name, "iso"))
		fr := NewFrame(0)
		fr.NPoints = 1
		fr.X, fr.Y, fr.Z = []float32{0}, []float32{0}, []float32{0}
		if c.Rank() == 0 {
			fr.AddField("iso", []float32{1})
		}
		return b.Step(fr)
	})
	require.True(t, c_error.HasKind(err, c_error.PropertyConfiguration))
}
