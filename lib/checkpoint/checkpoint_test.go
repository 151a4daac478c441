package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/phil-mansfield/przm/lib/container"
	c_error "github.com/phil-mansfield/przm/lib/error"
	"github.com/phil-mansfield/przm/lib/metrics"
	"github.com/phil-mansfield/przm/lib/mpi"
	"github.com/phil-mansfield/przm/lib/pdirs"
	"github.com/phil-mansfield/przm/lib/slab"
)

// checkpointFile is the read side of a finished checkpoint, decoded with the
// container package directly.
type checkpointFile struct {
	sb      *container.Superblock
	entries map[string]container.Entry
	order   []string
	f       *os.File
}

func open(t *testing.T, path string) *checkpointFile {
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	sb, err := container.ReadSuperblock(f)
	require.NoError(t, err)
	entries, err := container.ReadIndex(f, sb)
	require.NoError(t, err)

	cf := &checkpointFile{sb: sb, entries: map[string]container.Entry{}, f: f}
	for _, e := range entries {
		cf.entries[e.Name] = e
		cf.order = append(cf.order, e.Name)
	}
	return cf
}

func (cf *checkpointFile) float32s(t *testing.T, name string) []float32 {
	e, ok := cf.entries[name]
	require.True(t, ok, name)
	b := make([]byte, e.Bytes())
	_, err := cf.f.ReadAt(b, e.Offset)
	require.NoError(t, err)
	x := make([]float32, e.Elements())
	container.DecodeFloat32s(b, x)
	return x
}

func (cf *checkpointFile) uint64s(t *testing.T, name string) []uint64 {
	e, ok := cf.entries[name]
	require.True(t, ok, name)
	b := make([]byte, e.Bytes())
	_, err := cf.f.ReadAt(b, e.Offset)
	require.NoError(t, err)
	x := make([]uint64, e.Elements())
	container.DecodeUint64s(b, x)
	return x
}

// points gives rank r n points whose x coordinates are 1000*r + i.
func points(r int, n uint64) *Partition {
	p := &Partition{NPoints: n,
		X: make([]float32, n), Y: make([]float32, n), Z: make([]float32, n)}
	for i := range p.X {
		p.X[i] = float32(1000*r + i)
		p.Y[i] = -p.X[i]
		p.Z[i] = float32(r)
	}
	return p
}

func TestPointsOnly(t *testing.T) {
	name := filepath.Join(t.TempDir(), "run")
	err := mpi.Spawn(4, func(c mpi.Comm) error {
		return Write(c, name, 0, points(c.Rank(), 10), DefaultOptions())
	})
	require.NoError(t, err)

	cf := open(t, pdirs.FileName(name, 0))
	require.Equal(t, []string{GridX, GridY, GridZ, Volume, Surface}, cf.order)
	require.Equal(t, container.HasGrid, cf.sb.Flags)

	x := cf.float32s(t, GridX)
	y := cf.float32s(t, GridY)
	z := cf.float32s(t, GridZ)
	require.Len(t, x, 40)
	for r := 0; r < 4; r++ {
		require.Equal(t, points(r, 10).X, x[10*r:10*r+10])
		require.Equal(t, points(r, 10).Y, y[10*r:10*r+10])
		require.Equal(t, points(r, 10).Z, z[10*r:10*r+10])
	}

	require.Equal(t, uint64(0), cf.entries[Volume].Items)
	require.Equal(t, uint32(VolumeWidth), cf.entries[Volume].Width)
	require.Equal(t, uint64(0), cf.entries[Surface].Items)
}

func TestSurfaceOnly(t *testing.T) {
	name := filepath.Join(t.TempDir(), "run")
	err := mpi.Spawn(2, func(c mpi.Comm) error {
		part := &Partition{NSurface: 5, Surface: make([]uint64, 15)}
		for i := range part.Surface {
			part.Surface[i] = uint64(100*c.Rank() + i)
		}
		return Write(c, name, 1, part, DefaultOptions())
	})
	require.NoError(t, err)

	cf := open(t, pdirs.FileName(name, 1))
	require.Equal(t, []string{Volume, Surface}, cf.order)
	require.Equal(t, container.HasSurface, cf.sb.Flags)

	surf := cf.uint64s(t, Surface)
	require.Len(t, surf, 30)
	for i := 0; i < 15; i++ {
		require.Equal(t, uint64(i), surf[i])
		require.Equal(t, uint64(100+i), surf[15+i])
	}
	require.Len(t, cf.uint64s(t, Volume), 0)
}

func TestVariable(t *testing.T) {
	name := filepath.Join(t.TempDir(), "run")
	err := mpi.Spawn(4, func(c mpi.Comm) error {
		part := points(c.Rank(), 10)
		part.VarName = "pressure"
		part.VarData = make([]float32, 10)
		for i := range part.VarData {
			part.VarData[i] = 1
		}
		return Write(c, name, 2, part, DefaultOptions())
	})
	require.NoError(t, err)

	cf := open(t, pdirs.FileName(name, 2))
	require.Equal(t, "pressure", cf.entries[Variable].Label)
	require.Equal(t, container.HasGrid|container.HasVariable, cf.sb.Flags)

	v := cf.float32s(t, Variable)
	require.Len(t, v, 40)
	for i := range v {
		require.Equal(t, float32(1), v[i])
	}
}

func TestOverwrite(t *testing.T) {
	name := filepath.Join(t.TempDir(), "run")
	path := pdirs.FileName(name, 3)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	stale := make([]byte, 1<<20)
	for i := range stale {
		stale[i] = 0xab
	}
	require.NoError(t, os.WriteFile(path, stale, 0644))

	err := mpi.Spawn(3, func(c mpi.Comm) error {
		return Write(c, name, 3, points(c.Rank(), 2), DefaultOptions())
	})
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Less(t, len(b), len(stale))

	cf := open(t, path)
	require.Len(t, cf.float32s(t, GridX), 6)

	// A second write with less data replaces the first one entirely.
	err = mpi.Spawn(3, func(c mpi.Comm) error {
		return Write(c, name, 3, &Partition{}, DefaultOptions())
	})
	require.NoError(t, err)
	cf = open(t, path)
	require.Equal(t, []string{Volume, Surface}, cf.order)
}

func TestUnevenCounts(t *testing.T) {
	counts := []uint64{0, 7, 1, 0, 12}
	name := filepath.Join(t.TempDir(), "run")

	opts := DefaultOptions()
	opts.VerifyTiling = true
	opts.Container.Sync = true

	err := mpi.Spawn(len(counts), func(c mpi.Comm) error {
		n := counts[c.Rank()]
		part := points(c.Rank(), n)
		part.NVolume = n
		part.Volume = make([]uint64, VolumeWidth*n)
		for i := range part.Volume {
			part.Volume[i] = uint64(c.Rank())
		}
		return Write(c, name, 4, part, opts)
	})
	require.NoError(t, err)

	cf := open(t, pdirs.FileName(name, 4))
	x := cf.float32s(t, GridX)
	vol := cf.uint64s(t, Volume)
	require.Len(t, x, 20)
	require.Len(t, vol, 6*20)

	off := 0
	for r, n := range counts {
		require.Equal(t, points(r, n).X, x[off:off+int(n)])
		for i := VolumeWidth * off; i < VolumeWidth*(off+int(n)); i++ {
			require.Equal(t, uint64(r), vol[i])
		}
		off += int(n)
	}
}

func TestUniformStride(t *testing.T) {
	name := filepath.Join(t.TempDir(), "run")
	opts := DefaultOptions()
	opts.Policy = slab.UniformStride

	err := mpi.Spawn(3, func(c mpi.Comm) error {
		part := points(c.Rank(), 4)
		part.StrideHint = 4
		return Write(c, name, 5, part, opts)
	})
	require.NoError(t, err)

	x := open(t, pdirs.FileName(name, 5)).float32s(t, GridX)
	for r := 0; r < 3; r++ {
		require.Equal(t, points(r, 4).X, x[4*r:4*r+4])
	}

	// The shortcut refuses to run on uneven counts.
	err = mpi.Spawn(3, func(c mpi.Comm) error {
		part := points(c.Rank(), uint64(3+c.Rank()))
		part.StrideHint = 4
		return Write(c, name, 6, part, opts)
	})
	require.True(t, c_error.HasKind(err, c_error.PropertyConfiguration))
}

func TestFailingRankAbortsEveryone(t *testing.T) {
	dir := t.TempDir()
	// The root directory is a regular file, so rank 0 can't create it.
	name := filepath.Join(dir, "run")
	require.NoError(t, os.WriteFile(pdirs.RootDir(name), nil, 0644))

	errs := make([]error, 4)
	err := mpi.Spawn(4, func(c mpi.Comm) error {
		errs[c.Rank()] = Write(c, name, 0, points(c.Rank(), 1), DefaultOptions())
		return errs[c.Rank()]
	})
	require.True(t, c_error.HasKind(err, c_error.PathCreation))

	for r := 1; r < 4; r++ {
		var abortErr *mpi.AbortError
		require.True(t, errors.As(errs[r], &abortErr), "rank %d: %v", r, errs[r])
		require.Equal(t, 0, abortErr.Rank)
	}
}

func TestDisagreementAborts(t *testing.T) {
	name := filepath.Join(t.TempDir(), "run")
	err := mpi.Spawn(3, func(c mpi.Comm) error {
		part := points(c.Rank(), 2)
		if c.Rank() == 1 {
			part.VarName, part.VarData = "pressure", []float32{1, 2}
		}
		return Write(c, name, 0, part, DefaultOptions())
	})
	require.True(t, c_error.HasKind(err, c_error.Coordination))

	// Nothing was created before the check.
	_, statErr := os.Stat(pdirs.RootDir(name))
	require.True(t, os.IsNotExist(statErr))
}

func TestInvalidPartition(t *testing.T) {
	tests := []struct {
		name string
		part Partition
	}{
		{"missing z", Partition{NPoints: 1, X: []float32{0}, Y: []float32{0}}},
		{"short y", Partition{NPoints: 2, X: []float32{0, 1},
			Y: []float32{0}, Z: []float32{0, 1}}},
		{"short volume", Partition{NVolume: 1, Volume: make([]uint64, 5)}},
		{"missing surface", Partition{NSurface: 2}},
		{"unnamed variable", Partition{VarData: []float32{}}},
		{"short variable", Partition{NPoints: 2, VarName: "p",
			VarData: []float32{1}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.part.Validate())

			name := filepath.Join(t.TempDir(), "run")
			err := mpi.Spawn(2, func(c mpi.Comm) error {
				part := &Partition{}
				if c.Rank() == 1 {
					part = &tc.part
				}
				return Write(c, name, 0, part, DefaultOptions())
			})
			require.True(t, c_error.HasKind(err, c_error.PropertyConfiguration))
		})
	}
}

func TestVariableWithoutPoints(t *testing.T) {
	name := filepath.Join(t.TempDir(), "run")
	err := mpi.Spawn(2, func(c mpi.Comm) error {
		part := &Partition{NPoints: 2, VarName: "T", VarData: []float32{3, 4}}
		return Write(c, name, 0, part, DefaultOptions())
	})
	require.NoError(t, err)

	cf := open(t, pdirs.FileName(name, 0))
	require.Equal(t, []float32{3, 4, 3, 4}, cf.float32s(t, Variable))
	require.Equal(t, container.HasVariable, cf.sb.Flags)
}

func TestWriterMetrics(t *testing.T) {
	name := filepath.Join(t.TempDir(), "run")
	m := metrics.New()
	w := NewWriter(DefaultOptions(), m)

	sums := make([]*Summary, 2)
	err := mpi.Spawn(2, func(c mpi.Comm) error {
		var err error
		sums[c.Rank()], err = w.Write(c, name, 7, points(c.Rank(), 5))
		return err
	})
	require.NoError(t, err)

	require.Equal(t, uint64(10), sums[0].Points)
	require.Equal(t, int64(3*5*4), sums[1].BytesWritten)
	require.Equal(t, pdirs.FileName(name, 7), sums[0].Path)
	require.Equal(t, 20.0, testutil.ToFloat64(m.Bytes.WithLabelValues("1", GridX)))
	require.Equal(t, 10.0, testutil.ToFloat64(m.Items.WithLabelValues(GridX)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Checkpoints.WithLabelValues("0")))

	require.NoError(t, os.WriteFile(pdirs.RootDir(name+"-bad"), nil, 0644))
	err = mpi.Spawn(2, func(c mpi.Comm) error {
		_, err := w.Write(c, name+"-bad", 0, points(c.Rank(), 5))
		return err
	})
	require.Error(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Aborts.WithLabelValues("PathCreationError")))
}
