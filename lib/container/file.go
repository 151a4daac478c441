package container

/* file.go contains the collective writer. Every exported method on File and
Dataset is collective: it must be called by every rank, in the same order,
with the same arguments (except for the local data passed to the Write*
methods). */

import (
	"fmt"
	"os"

	"github.com/golang/glog"

	c_error "github.com/phil-mansfield/przm/lib/error"
	"github.com/phil-mansfield/przm/lib/mpi"
	"github.com/phil-mansfield/przm/lib/slab"
)

const fileMode = 0644

// Options control how a container is written.
type Options struct {
	// Preallocate makes rank 0 reserve the space for each dataset when it's
	// created, before any rank writes to it.
	Preallocate bool
	// Sync makes every rank flush its writes to stable storage before the
	// index is written.
	Sync bool
}

// File is a container which is open for writing on every rank of a job.
type File struct {
	comm mpi.Comm
	path string
	f    *os.File
	opts Options

	sb      Superblock
	cursor  int64
	entries []Entry
	names   map[string]bool

	// written counts the bytes of dataset data written by the local rank.
	written int64
}

// Dataset is a dataset inside an open File.
type Dataset struct {
	file *File
	idx  int
}

// Create collectively creates the container at path, truncating any existing
// file. Rank 0 creates the file and the other ranks open it once it exists.
// Any failure aborts the job.
func Create(
	comm mpi.Comm, path string, timestep int, opts Options,
) (*File, error) {
	file := &File{
		comm: comm, path: path, opts: opts,
		cursor: SuperblockSize, names: map[string]bool{},
		sb: Superblock{
			Version: Version, NRanks: uint32(comm.Size()),
			Timestep: int64(timestep),
		},
	}

	if comm.Rank() == 0 {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, fileMode)
		if err != nil {
			return nil, c_error.Fail(comm, c_error.New(comm, c_error.FileOpen,
				"create container", path, err))
		}
		file.f = f

		// A zeroed superblock marks the file as incomplete until Close.
		if err := writeSuperblock(f, &Superblock{}); err != nil {
			f.Close()
			return nil, c_error.Fail(comm, c_error.New(comm, c_error.FileOpen,
				"write placeholder superblock", path, err))
		}
	}

	if err := comm.Barrier(); err != nil {
		file.Abandon()
		return nil, err
	}

	if comm.Rank() != 0 {
		f, err := os.OpenFile(path, os.O_RDWR, fileMode)
		if err != nil {
			return nil, c_error.Fail(comm, c_error.New(comm, c_error.FileOpen,
				"open container", path, err))
		}
		file.f = f
	}

	if err := comm.Barrier(); err != nil {
		file.Abandon()
		return nil, err
	}
	return file, nil
}

// Path returns the path of the container.
func (file *File) Path() string { return file.path }

// Entries returns the datasets created so far.
func (file *File) Entries() []Entry {
	return append([]Entry(nil), file.entries...)
}

// BytesWritten returns the number of data bytes the local rank has written.
func (file *File) BytesWritten() int64 { return file.written }

// SetFlags records which optional datasets the container holds. Every rank
// must pass the same flags.
func (file *File) SetFlags(flags Flags) { file.sb.Flags = flags }

func (file *File) fail(kind c_error.Kind, op string, err error) error {
	return c_error.Fail(file.comm, c_error.New(file.comm, kind, op, file.path, err))
}

func (file *File) failf(
	kind c_error.Kind, op, format string, a ...interface{},
) error {
	return c_error.Fail(file.comm,
		c_error.Newf(file.comm, kind, op, file.path, format, a...))
}

// CreateDataset collectively creates a dataset holding items*width elements
// of type t. Datasets with zero items are valid and are still recorded in the
// index. Ranks which disagree on the shape of a dataset abort the job.
func (file *File) CreateDataset(
	name, label string, t Type, items uint64, width uint32,
) (*Dataset, error) {
	op := "create dataset " + name
	switch {
	case file.f == nil:
		return nil, file.failf(c_error.DatasetCreate, op, "file is not open")
	case name == "":
		return nil, file.failf(c_error.DatasetCreate, op, "empty dataset name")
	case len(name) > maxNameLen || len(label) > maxNameLen:
		return nil, file.failf(c_error.DatasetCreate, op,
			"name or label is longer than %d bytes", maxNameLen)
	case file.names[name]:
		return nil, file.failf(c_error.DatasetCreate, op,
			"dataset already exists")
	case !t.valid():
		return nil, file.failf(c_error.DatasetCreate, op, "unknown type %d", t)
	case width == 0:
		return nil, file.failf(c_error.DatasetCreate, op, "zero width")
	}

	e := Entry{
		Name: name, Label: label, Type: t, Width: width, Items: items,
		Offset: align(file.cursor),
	}

	if file.comm.Rank() == 0 && file.opts.Preallocate && e.Bytes() > 0 {
		if err := reserve(file.f, e.Offset, e.Bytes()); err != nil {
			return nil, file.fail(c_error.DatasetCreate, op, err)
		}
	}

	// Doubles as the barrier which keeps ranks from writing into the region
	// before rank 0 has reserved it.
	size := uint64(file.comm.Size())
	sum, err := file.comm.AllreduceSum([]uint64{items, uint64(width), uint64(t)})
	if err != nil {
		return nil, err
	}
	if sum[0] != size*items || sum[1] != size*uint64(width) ||
		sum[2] != size*uint64(t) {
		return nil, file.failf(c_error.Coordination, op, "ranks disagree on "+
			"the shape of the dataset (local: %d x %d %s)", items, width, t)
	}

	file.cursor = e.Offset + e.Bytes()
	file.names[name] = true
	file.entries = append(file.entries, e)

	if file.comm.Rank() == 0 {
		glog.V(2).Infof("container: created %s in %s: %d x %d %s at byte %d",
			name, file.path, items, width, t, e.Offset)
	}
	return &Dataset{file, len(file.entries) - 1}, nil
}

// Entry returns the index entry of the dataset.
func (ds *Dataset) Entry() Entry { return ds.file.entries[ds.idx] }

// WriteFloat32 collectively writes the local rank's hyperslab of a Float32
// dataset. Ranks with nothing to write must still call it, with an empty slab.
func (ds *Dataset) WriteFloat32(s slab.Slab, data []float32) error {
	if err := ds.check(s, Float32, len(data)); err != nil {
		return err
	}
	b := make([]byte, 4*len(data))
	EncodeFloat32s(b, data)
	return ds.write(s, b)
}

// WriteUint64 collectively writes the local rank's hyperslab of a Uint64
// dataset. Ranks with nothing to write must still call it, with an empty slab.
func (ds *Dataset) WriteUint64(s slab.Slab, data []uint64) error {
	if err := ds.check(s, Uint64, len(data)); err != nil {
		return err
	}
	b := make([]byte, 8*len(data))
	EncodeUint64s(b, data)
	return ds.write(s, b)
}

func (ds *Dataset) check(s slab.Slab, t Type, n int) error {
	e := &ds.file.entries[ds.idx]
	op := "select hyperslab of " + e.Name

	switch {
	case e.Type != t:
		return ds.file.failf(c_error.DatasetWrite, op,
			"dataset has type %s, but %s data was given", e.Type, t)
	case s.Width != uint64(e.Width):
		return ds.file.failf(c_error.DatasetWrite, op,
			"slab has width %d, but the dataset has width %d", s.Width, e.Width)
	case s.Global != e.Items:
		return ds.file.failf(c_error.DatasetWrite, op,
			"slab is for a dataset with %d items, but the dataset has %d",
			s.Global, e.Items)
	case s.End() > e.Items || s.End() < s.Offset:
		return ds.file.failf(c_error.DatasetWrite, op,
			"items [%d, %d) are outside the dataset's %d items",
			s.Offset, s.End(), e.Items)
	case uint64(n) != s.ElemLength():
		return ds.file.failf(c_error.DatasetWrite, op,
			"slab holds %d elements, but %d were given", s.ElemLength(), n)
	}
	return nil
}

func (ds *Dataset) write(s slab.Slab, b []byte) error {
	e := &ds.file.entries[ds.idx]
	if len(b) > 0 {
		off := e.Offset + int64(s.ElemOffset())*e.Type.Size()
		if _, err := ds.file.f.WriteAt(b, off); err != nil {
			return ds.file.fail(c_error.DatasetWrite, "write "+e.Name, err)
		}
		ds.file.written += int64(len(b))
	}
	return ds.file.comm.Barrier()
}

// Close collectively finishes the container: every rank flushes its writes,
// then rank 0 writes the index and the superblock. The file is not a valid
// container until Close returns without error.
func (file *File) Close() error {
	if file.f == nil {
		return file.failf(c_error.FileOpen, "close container", "file is not open")
	}

	if err := file.comm.Barrier(); err != nil {
		file.Abandon()
		return err
	}

	if file.opts.Sync {
		if err := file.f.Sync(); err != nil {
			file.Abandon()
			return file.fail(c_error.FileOpen, "sync container", err)
		}
	}

	if err := file.comm.Barrier(); err != nil {
		file.Abandon()
		return err
	}

	if file.comm.Rank() == 0 {
		if err := file.writeIndex(); err != nil {
			file.Abandon()
			return file.fail(c_error.FileOpen, "write index", err)
		}
	}

	err := file.f.Close()
	file.f = nil
	if err != nil {
		return file.fail(c_error.FileOpen, "close container", err)
	}

	return file.comm.Barrier()
}

func (file *File) writeIndex() error {
	index := EncodeIndex(file.entries)
	offset := align(file.cursor)
	if _, err := file.f.WriteAt(index, offset); err != nil {
		return err
	}

	// Drop anything past the index, e.g. space reserved by a previous
	// version of the file.
	if err := file.f.Truncate(offset + int64(len(index))); err != nil {
		return err
	}

	sb := file.sb
	sb.Magic = MagicNumber
	sb.IndexOffset, sb.IndexLength = offset, int64(len(index))

	if file.opts.Sync {
		// The data and index must be durable before the superblock says
		// that they're valid.
		if err := file.f.Sync(); err != nil {
			return err
		}
	}
	if err := writeSuperblock(file.f, &sb); err != nil {
		return err
	}
	if file.opts.Sync {
		return file.f.Sync()
	}
	return nil
}

// Abandon closes the local rank's handle without finishing the container. It
// is used once a job has been aborted and leaves an incomplete file behind.
func (file *File) Abandon() {
	if file.f != nil {
		file.f.Close()
		file.f = nil
	}
}

func (file *File) String() string {
	return fmt.Sprintf("container %s (%d datasets)", file.path, len(file.entries))
}
