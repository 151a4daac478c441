/*package checkpoint writes a single timestep of a partitioned mesh to a shared
checkpoint file.

Every rank of a job calls Write with the same name and timestep and with its
own Partition. The writer sequences the collective steps identically on every
rank: it creates the directory tree, truncates the shared file, and then
writes, in order, the point coordinates, the volumetric connectivity, the
surface connectivity, and the field variable. The two connectivity datasets
are always created, with zero length if no rank has any elements. Any failure
on any rank aborts the whole job.
*/
package checkpoint

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"

	"github.com/phil-mansfield/przm/lib/container"
	c_error "github.com/phil-mansfield/przm/lib/error"
	"github.com/phil-mansfield/przm/lib/metrics"
	"github.com/phil-mansfield/przm/lib/mpi"
	"github.com/phil-mansfield/przm/lib/pdirs"
	"github.com/phil-mansfield/przm/lib/slab"
)

// Dataset names.
const (
	GridX    = "grid/x"
	GridY    = "grid/y"
	GridZ    = "grid/z"
	Volume   = "volumetric-connectivity"
	Surface  = "surface-connectivity"
	Variable = "variable"
)

const (
	// VolumeWidth is the number of point indices per volumetric element.
	VolumeWidth = 6
	// SurfaceWidth is the number of point indices per surface element.
	SurfaceWidth = 3
)

// Partition is the local rank's part of the mesh and its field variable. Its
// slices are only read during Write.
type Partition struct {
	// NPoints is the number of local points.
	NPoints uint64
	// StrideHint is the number of points owned by every rank. It's only used
	// by the UniformStride policy and may be left as zero, in which case it's
	// computed from the global point count.
	StrideHint uint64
	// X, Y, and Z are the point coordinates. Either all three are nil or all
	// three have NPoints elements.
	X, Y, Z []float32

	// NVolume is the number of local volumetric elements and Volume holds
	// their flattened VolumeWidth-wide tuples.
	NVolume uint64
	Volume  []uint64
	// NSurface is the number of local surface elements and Surface holds
	// their flattened SurfaceWidth-wide tuples.
	NSurface uint64
	Surface  []uint64

	// VarName and VarData are the field variable. VarData is nil if there is
	// no variable, and otherwise has NPoints elements.
	VarName string
	VarData []float32
}

// HasPoints returns true if the partition has point coordinates.
func (p *Partition) HasPoints() bool { return p.X != nil || p.Y != nil || p.Z != nil }

// HasVariable returns true if the partition has a field variable.
func (p *Partition) HasVariable() bool { return p.VarData != nil || p.VarName != "" }

// Validate checks that the partition is internally consistent.
func (p *Partition) Validate() error {
	if p.HasPoints() {
		if p.X == nil || p.Y == nil || p.Z == nil {
			return fmt.Errorf("only some of the x, y, and z coordinate " +
				"arrays were given")
		}
		for i, x := range [][]float32{p.X, p.Y, p.Z} {
			if uint64(len(x)) != p.NPoints {
				return fmt.Errorf("%c has %d coordinates, but there are "+
					"%d points", "xyz"[i], len(x), p.NPoints)
			}
		}
	}

	if p.Volume != nil && uint64(len(p.Volume)) != VolumeWidth*p.NVolume {
		return fmt.Errorf("volumetric connectivity has %d indices, but %d "+
			"elements need %d", len(p.Volume), p.NVolume, VolumeWidth*p.NVolume)
	} else if p.Volume == nil && p.NVolume > 0 {
		return fmt.Errorf("%d volumetric elements, but no connectivity",
			p.NVolume)
	}
	if p.Surface != nil && uint64(len(p.Surface)) != SurfaceWidth*p.NSurface {
		return fmt.Errorf("surface connectivity has %d indices, but %d "+
			"elements need %d", len(p.Surface), p.NSurface,
			SurfaceWidth*p.NSurface)
	} else if p.Surface == nil && p.NSurface > 0 {
		return fmt.Errorf("%d surface elements, but no connectivity",
			p.NSurface)
	}

	if p.HasVariable() {
		switch {
		case p.VarName == "":
			return fmt.Errorf("variable data was given without a name")
		case p.VarData == nil:
			return fmt.Errorf("variable '%s' has no data", p.VarName)
		case uint64(len(p.VarData)) != p.NPoints:
			return fmt.Errorf("variable '%s' has %d values, but there are "+
				"%d points", p.VarName, len(p.VarData), p.NPoints)
		}
	}
	return nil
}

// Options configure a Writer.
type Options struct {
	// Policy selects how each rank's offset into a dataset is computed.
	Policy slab.Policy
	// VerifyTiling gathers every rank's hyperslab before each write and
	// aborts unless they tile the dataset.
	VerifyTiling bool
	// CheckAgreement makes the ranks check that they agree on which optional
	// datasets exist before any of them is created.
	CheckAgreement bool
	// Container is passed through to container.Create.
	Container container.Options
}

// DefaultOptions returns the options used by Write.
func DefaultOptions() Options {
	return Options{
		Policy:         slab.PrefixSum,
		CheckAgreement: true,
		Container:      container.Options{Preallocate: true},
	}
}

// Writer writes checkpoints with a fixed set of options. A Writer carries no
// state between calls, so the same Writer can be shared by every rank of an
// in-process job.
type Writer struct {
	Options Options
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// NewWriter creates a Writer.
func NewWriter(opts Options, m *metrics.Metrics) *Writer {
	return &Writer{Options: opts, Metrics: m}
}

// Summary describes a finished checkpoint from the point of view of one rank.
type Summary struct {
	Path  string
	Flags container.Flags
	// Points, Volume, and Surface are the global item counts.
	Points, Volume, Surface uint64
	// BytesWritten is the number of data bytes written by the local rank.
	BytesWritten int64
	Duration     time.Duration
}

// Write writes the checkpoint of timestep step without recording metrics. Most
// callers should pass DefaultOptions().
func Write(comm mpi.Comm, name string, step int, part *Partition, opts Options) error {
	_, err := NewWriter(opts, nil).Write(comm, name, step, part)
	return err
}

// Write collectively writes the checkpoint of timestep step to
// <name>.checkpoint/t<step>.d/r.out. It must be called by every rank with the
// same name and step. On error, the job has been aborted and the file is left
// incomplete.
func (w *Writer) Write(
	comm mpi.Comm, name string, step int, part *Partition,
) (*Summary, error) {
	start := time.Now()
	if part == nil {
		part = &Partition{}
	}
	sum, err := w.write(comm, name, step, part)
	if err != nil {
		w.Metrics.ObserveAbort(comm.Rank(), err)
		return nil, err
	}
	sum.Duration = time.Since(start)
	w.Metrics.ObserveCheckpoint(comm.Rank(), sum.Duration)

	if comm.Rank() == 0 {
		glog.V(1).Infof("Wrote %s in %s: %d points, %d volumetric and %d "+
			"surface elements, %s on rank 0", sum.Path, sum.Duration,
			sum.Points, sum.Volume, sum.Surface,
			humanize.IBytes(uint64(sum.BytesWritten)))
	}
	return sum, nil
}

func (w *Writer) write(
	comm mpi.Comm, name string, step int, part *Partition,
) (*Summary, error) {
	path := pdirs.FileName(name, step)

	if err := part.Validate(); err != nil {
		return nil, c_error.Fail(comm, c_error.New(comm,
			c_error.PropertyConfiguration, "validate partition", path, err))
	}
	if w.Options.CheckAgreement {
		if err := CheckAgreement(comm, path, part); err != nil {
			return nil, err
		}
	}

	if _, err := pdirs.Checkpoint(comm, name, step); err != nil {
		return nil, err
	}
	file, err := container.Create(comm, path, step, w.Options.Container)
	if err != nil {
		return nil, err
	}

	sum, err := w.writeDatasets(comm, file, part)
	if err != nil {
		file.Abandon()
		return nil, err
	}

	file.SetFlags(sum.Flags)
	if err := file.Close(); err != nil {
		return nil, err
	}
	sum.Path = path
	sum.BytesWritten = file.BytesWritten()
	return sum, nil
}

func (w *Writer) writeDatasets(
	comm mpi.Comm, file *container.File, part *Partition,
) (*Summary, error) {
	sum := &Summary{}

	if part.HasPoints() {
		s, err := w.partition(comm, GridX, part.NPoints, 1, part.StrideHint)
		if err != nil {
			return nil, err
		}
		coords := []struct {
			name string
			x    []float32
		}{{GridX, part.X}, {GridY, part.Y}, {GridZ, part.Z}}
		for _, c := range coords {
			if err := w.writeFloat32(comm, file, c.name, "", s, c.x); err != nil {
				return nil, err
			}
		}
		sum.Points = s.Global
		sum.Flags |= container.HasGrid
	}

	conns := []struct {
		name  string
		n     uint64
		width uint64
		data  []uint64
		flag  container.Flags
		out   *uint64
	}{
		{Volume, part.NVolume, VolumeWidth, part.Volume, container.HasVolume, &sum.Volume},
		{Surface, part.NSurface, SurfaceWidth, part.Surface, container.HasSurface, &sum.Surface},
	}
	for _, c := range conns {
		s, err := w.partition(comm, c.name, c.n, c.width, 0)
		if err != nil {
			return nil, err
		}
		if err := w.writeUint64(comm, file, c.name, s, c.data); err != nil {
			return nil, err
		}
		*c.out = s.Global
		if s.Global > 0 {
			sum.Flags |= c.flag
		}
	}

	if part.HasVariable() {
		s, err := w.partition(comm, Variable, part.NPoints, 1, part.StrideHint)
		if err != nil {
			return nil, err
		}
		if part.HasPoints() && s.Global != sum.Points {
			return nil, c_error.Fail(comm, c_error.Newf(comm,
				c_error.Coordination, "size variable", file.Path(),
				"variable has %d values in total, but the grid has %d points",
				s.Global, sum.Points))
		}
		if err := w.writeFloat32(comm, file, Variable, part.VarName, s, part.VarData); err != nil {
			return nil, err
		}
		sum.Flags |= container.HasVariable
		if !part.HasPoints() {
			sum.Points = s.Global
		}
	}

	return sum, nil
}

// partition reduces the local count of a dataset and computes the local
// rank's slab of it.
func (w *Writer) partition(
	comm mpi.Comm, name string, local, width, strideHint uint64,
) (slab.Slab, error) {
	s, err := slab.Partition(comm, w.Options.Policy, local, width, strideHint)
	if err != nil {
		return slab.Slab{}, err
	}
	if !w.Options.VerifyTiling {
		return s, nil
	}

	slabs, err := slab.VerifyTiling(comm, name, s)
	if err != nil {
		return slab.Slab{}, err
	}
	if comm.Rank() == 0 {
		glog.V(2).Infof("%s: %d items over %d ranks: %s",
			name, s.Global, comm.Size(), slab.Balance(slab.Counts(slabs)))
	}
	return s, nil
}

func (w *Writer) writeFloat32(
	comm mpi.Comm, file *container.File, name, label string,
	s slab.Slab, data []float32,
) error {
	ds, err := file.CreateDataset(name, label, container.Float32, s.Global,
		uint32(s.Width))
	if err != nil {
		return err
	}
	if data == nil {
		data = []float32{}
	}
	if err := ds.WriteFloat32(s, data); err != nil {
		return err
	}
	w.Metrics.ObserveDataset(comm.Rank(), name, 4*int64(len(data)), s.Global)
	return nil
}

func (w *Writer) writeUint64(
	comm mpi.Comm, file *container.File, name string,
	s slab.Slab, data []uint64,
) error {
	ds, err := file.CreateDataset(name, "", container.Uint64, s.Global,
		uint32(s.Width))
	if err != nil {
		return err
	}
	if data == nil {
		data = []uint64{}
	}
	if err := ds.WriteUint64(s, data); err != nil {
		return err
	}
	w.Metrics.ObserveDataset(comm.Rank(), name, 8*int64(len(data)), s.Global)
	return nil
}

// CheckAgreement aborts the job unless every rank agrees on whether the
// partition has points and a variable. Ranks which disagree would otherwise
// call a different sequence of collectives and hang.
func CheckAgreement(comm mpi.Comm, path string, part *Partition) error {
	local := []uint64{0, 0}
	if part.HasPoints() {
		local[0] = 1
	}
	if part.HasVariable() {
		local[1] = 1
	}

	n, err := comm.AllreduceSum(local)
	if err != nil {
		return err
	}

	size := uint64(comm.Size())
	names := []string{"point coordinates", "a field variable"}
	for i := range n {
		if n[i] != 0 && n[i] != size {
			return c_error.Fail(comm, c_error.Newf(comm, c_error.Coordination,
				"check agreement", path, "%d of %d ranks have %s (local: %t)",
				n[i], size, names[i], local[i] == 1))
		}
	}
	return nil
}
