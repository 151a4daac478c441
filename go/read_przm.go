/*package read_przm provides several functions for reading przm checkpoint
files (the r.out files inside <name>.checkpoint/t<step>.d/).*/
package read_przm

import (
	"fmt"
	"os"
	"sync"

	"github.com/phil-mansfield/przm/lib/container"
)

var (
	workers []*worker
	mutexes []*sync.Mutex
)

// Header contains header information about a given checkpoint file.
type Header struct {
	// Timestep is the timestep the checkpoint was written at and NRanks is
	// the number of ranks which wrote it.
	Timestep int
	NRanks   int
	// HasGrid, HasVolume, HasSurface, and HasVariable say which optional
	// datasets contain data. The connectivity datasets always exist, but are
	// empty when HasVolume or HasSurface is false.
	HasGrid, HasVolume, HasSurface, HasVariable bool
	// Variable is the name of the field variable, or "" if there isn't one.
	Variable string
	// Names gives the names of all the datasets stored in the file and Types
	// gives their types: "f32" for 32-bit floats and "u64" for 64-bit
	// unsigned integers.
	Names, Types []string
}

// Dataset describes a single dataset in a File.
type Dataset struct {
	Name, Label, Type string
	// Width is the number of elements per item and Items is the number of
	// items, so the dataset holds Width*Items elements.
	Width, Items int
}

// Len returns the number of elements in the dataset.
func (ds Dataset) Len() int { return ds.Width * ds.Items }

// File is an open checkpoint file.
type File struct {
	f       *os.File
	sb      *container.Superblock
	entries []container.Entry
	index   map[string]int
}

// worker contains a byte buffer which prevents excess heap allocations when
// reading many datasets.
type worker struct {
	buf []byte
}

// newWorker creates a blank worker object that can be used for reading.
func newWorker() *worker {
	return &worker{}
}

func (w *worker) bytes(n int64) []byte {
	if int64(cap(w.buf)) < n {
		w.buf = make([]byte, n)
	}
	return w.buf[:n]
}

func getWorker(workerID int) *worker {
	if workerID == -1 {
		return newWorker()
	} else if workerID < -1 || workerID >= len(workers) {
		panic(fmt.Sprintf("Cannot use worker %d for nWorkers = %d",
			workerID, len(workers)))
	}
	mutexes[workerID].Lock()
	return workers[workerID]
}

func finishWorker(workerID int) {
	if workerID != -1 {
		mutexes[workerID].Unlock()
	}
}

// InitWorkers allocates nWorkers reusable read buffers.
func InitWorkers(nWorkers int) {
	workers = make([]*worker, nWorkers)
	mutexes = make([]*sync.Mutex, nWorkers)

	for i := 0; i < nWorkers; i++ {
		workers[i] = newWorker()
		mutexes[i] = &sync.Mutex{}
	}
}

// Open opens a checkpoint file and reads its index. It returns
// container.ErrIncomplete if the job writing the file never finished it.
func Open(fileName string) (*File, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}

	sb, err := container.ReadSuperblock(f)
	if err != nil {
		f.Close()
		if err == container.ErrIncomplete {
			return nil, err
		}
		return nil, fmt.Errorf("could not read %s: %v", fileName, err)
	}
	entries, err := container.ReadIndex(f, sb)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("could not read %s: %v", fileName, err)
	}

	file := &File{f: f, sb: sb, entries: entries, index: map[string]int{}}
	for i := range entries {
		file.index[entries[i].Name] = i
	}
	return file, nil
}

// Close closes the file.
func (file *File) Close() error { return file.f.Close() }

// Header returns the header of the file.
func (file *File) Header() *Header {
	hd := &Header{
		Timestep:    int(file.sb.Timestep),
		NRanks:      int(file.sb.NRanks),
		HasGrid:     file.sb.Flags&container.HasGrid != 0,
		HasVolume:   file.sb.Flags&container.HasVolume != 0,
		HasSurface:  file.sb.Flags&container.HasSurface != 0,
		HasVariable: file.sb.Flags&container.HasVariable != 0,
	}
	for _, e := range file.entries {
		hd.Names = append(hd.Names, e.Name)
		hd.Types = append(hd.Types, e.Type.String())
		if e.Name == "variable" {
			hd.Variable = e.Label
		}
	}
	return hd
}

// Datasets returns every dataset in the file, in the order they were written.
func (file *File) Datasets() []Dataset {
	out := make([]Dataset, len(file.entries))
	for i, e := range file.entries {
		out[i] = Dataset{
			Name: e.Name, Label: e.Label, Type: e.Type.String(),
			Width: int(e.Width), Items: int(e.Items),
		}
	}
	return out
}

// Dataset returns the description of a single dataset.
func (file *File) Dataset(name string) (Dataset, bool) {
	i, ok := file.index[name]
	if !ok {
		return Dataset{}, false
	}
	return file.Datasets()[i], true
}

func (file *File) entry(name string, t container.Type) (*container.Entry, error) {
	i, ok := file.index[name]
	if !ok {
		return nil, fmt.Errorf("the file doesn't contain a dataset named '%s'",
			name)
	}
	e := &file.entries[i]
	if e.Type != t {
		return nil, fmt.Errorf("dataset '%s' has type %s, not %s",
			name, e.Type, t)
	}
	return e, nil
}

// ReadVar reads a dataset with a given name into buf, which must be a
// []float32 or []uint64 with exactly as many elements as the dataset. If you
// want to use one of the pre-allocated workers, you should give the integer ID
// of that worker (i.e. in the range [0, nWorkers)). ReadVar uses mutexes to
// make sure that the same worker isn't being used simultaneously. If you don't
// care about heap space, just set workerID to -1.
func (file *File) ReadVar(name string, workerID int, buf interface{}) error {
	var (
		e   *container.Entry
		err error
		n   int
	)
	switch x := buf.(type) {
	case []float32:
		e, err = file.entry(name, container.Float32)
		n = len(x)
	case []uint64:
		e, err = file.entry(name, container.Uint64)
		n = len(x)
	default:
		return fmt.Errorf("buffer for '%s' has type %T, but only []float32 "+
			"and []uint64 are supported", name, buf)
	}
	if err != nil {
		return err
	}
	if uint64(n) != e.Elements() {
		return fmt.Errorf("dataset '%s' has %d elements, but the buffer has "+
			"length %d", name, e.Elements(), n)
	}

	w := getWorker(workerID)
	defer finishWorker(workerID)

	b := w.bytes(e.Bytes())
	if len(b) > 0 {
		if _, err := file.f.ReadAt(b, e.Offset); err != nil {
			return fmt.Errorf("could not read dataset '%s': %v", name, err)
		}
	}

	switch x := buf.(type) {
	case []float32:
		container.DecodeFloat32s(b, x)
	case []uint64:
		container.DecodeUint64s(b, x)
	}
	return nil
}

// ReadFloat32 reads a whole float32 dataset into a new slice.
func (file *File) ReadFloat32(name string) ([]float32, error) {
	e, err := file.entry(name, container.Float32)
	if err != nil {
		return nil, err
	}
	x := make([]float32, e.Elements())
	return x, file.ReadVar(name, -1, x)
}

// ReadUint64 reads a whole uint64 dataset into a new slice.
func (file *File) ReadUint64(name string) ([]uint64, error) {
	e, err := file.entry(name, container.Uint64)
	if err != nil {
		return nil, err
	}
	x := make([]uint64, e.Elements())
	return x, file.ReadVar(name, -1, x)
}

// ReadHeader returns the header of a given file.
func ReadHeader(fileName string) (*Header, error) {
	file, err := Open(fileName)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return file.Header(), nil
}
