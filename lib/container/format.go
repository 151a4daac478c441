/*package container implements the binary container which holds a checkpoint.

A container is written collectively by every rank of a job. Each rank writes
its own hyperslab of each dataset directly into the shared file, so the layout
has to be computable by every rank without communication: datasets are laid
out one after another in creation order, each starting on an 8-byte boundary.

   superblock    (SuperblockSize bytes, at offset 0)
   dataset 0     (Items*Width elements)
   dataset 1
   ...
   index         (one Entry per dataset)

The superblock points at the index and is written last, after every rank has
finished writing. A file whose superblock doesn't start with MagicNumber is an
incomplete checkpoint, e.g. one whose job was aborted. All values are stored
little endian.
*/
package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	// MagicNumber is the first four bytes of every finished container: "przm"
	// in ASCII.
	MagicNumber = 0x70727a6d
	// ReverseMagicNumber is the magic number if read with flipped endianness.
	ReverseMagicNumber = 0x6d7a7270
	Version            = 1

	// SuperblockSize is the number of bytes reserved at the start of the file.
	SuperblockSize = 64
	// Alignment is the byte alignment of the start of each dataset.
	Alignment = 8

	maxNameLen = math.MaxUint16
	// minEntrySize is the size of an index entry with an empty name and label.
	minEntrySize = 2 + 2 + 1 + 4 + 8 + 8
)

// ByteOrder is the byte order of every value in a container.
var ByteOrder = binary.LittleEndian

// Type is the element type of a dataset.
type Type uint8

const (
	Float32 Type = iota + 1
	Uint64
)

// Size returns the width of a single element in bytes.
func (t Type) Size() int64 {
	switch t {
	case Float32:
		return 4
	case Uint64:
		return 8
	}
	panic(fmt.Sprintf("Internal error: unrecognized container type %d.", t))
}

func (t Type) String() string {
	switch t {
	case Float32:
		return "f32"
	case Uint64:
		return "u64"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

func (t Type) valid() bool { return t == Float32 || t == Uint64 }

// Flags summarize which optional datasets are in a container.
type Flags uint32

const (
	HasGrid Flags = 1 << iota
	HasVolume
	HasSurface
	HasVariable
)

func (f Flags) String() string {
	buf := &bytes.Buffer{}
	names := []string{"grid", "volume", "surface", "variable"}
	for i, name := range names {
		if f&(1<<uint(i)) == 0 {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("|")
		}
		buf.WriteString(name)
	}
	if buf.Len() == 0 {
		return "none"
	}
	return buf.String()
}

// Superblock is the fixed-width header at the start of a container.
type Superblock struct {
	Magic, Version uint32
	Flags          Flags
	// NRanks is the number of ranks which wrote the container.
	NRanks   uint32
	Timestep int64
	// IndexOffset and IndexLength give the location of the index in bytes.
	IndexOffset, IndexLength int64
	Reserved                 [3]int64
}

// Entry describes a single dataset.
type Entry struct {
	Name string
	// Label is free text attached to the dataset. The variable dataset uses it
	// to record the name of the variable.
	Label string
	Type  Type
	// Width is the number of elements in each item and Items the number of
	// items, so the dataset holds Items*Width elements.
	Width uint32
	Items uint64
	// Offset is the byte offset of the first element.
	Offset int64
}

// Elements returns the number of elements in the dataset.
func (e *Entry) Elements() uint64 { return e.Items * uint64(e.Width) }

// Bytes returns the number of bytes used by the dataset's data.
func (e *Entry) Bytes() int64 { return int64(e.Elements()) * e.Type.Size() }

// align rounds x up to the next multiple of Alignment.
func align(x int64) int64 {
	return (x + Alignment - 1) / Alignment * Alignment
}

func writeSuperblock(w io.WriterAt, sb *Superblock) error {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, ByteOrder, sb); err != nil {
		return err
	}
	if buf.Len() != SuperblockSize {
		panic(fmt.Sprintf("Internal error: superblock is %d bytes, not %d.",
			buf.Len(), SuperblockSize))
	}
	_, err := w.WriteAt(buf.Bytes(), 0)
	return err
}

// ReadSuperblock reads and checks the superblock of a container.
func ReadSuperblock(r io.ReaderAt) (*Superblock, error) {
	b := make([]byte, SuperblockSize)
	if _, err := r.ReadAt(b, 0); err != nil {
		return nil, fmt.Errorf("could not read superblock: %v", err)
	}

	sb := &Superblock{}
	if err := binary.Read(bytes.NewReader(b), ByteOrder, sb); err != nil {
		return nil, err
	}

	switch sb.Magic {
	case MagicNumber:
	case ReverseMagicNumber:
		return nil, fmt.Errorf("container was written with the wrong byte order")
	case 0:
		return nil, ErrIncomplete
	default:
		return nil, fmt.Errorf("not a przm container (magic number 0x%08x)",
			sb.Magic)
	}
	if sb.Version != Version {
		return nil, fmt.Errorf("container has version %d, but only version "+
			"%d is supported", sb.Version, Version)
	}
	return sb, nil
}

// ErrIncomplete is returned when a container was never closed, which is what
// an aborted checkpoint leaves behind.
var ErrIncomplete = fmt.Errorf("container is incomplete: it was not closed " +
	"by the job which wrote it")

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, ByteOrder, uint16(len(s)))
	buf.WriteString(s)
}

func readString(rd io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(rd, ByteOrder, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rd, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeIndex converts a list of entries to the on-disk index.
func EncodeIndex(entries []Entry) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, ByteOrder, uint32(len(entries)))
	for i := range entries {
		e := &entries[i]
		writeString(buf, e.Name)
		writeString(buf, e.Label)
		binary.Write(buf, ByteOrder, uint8(e.Type))
		binary.Write(buf, ByteOrder, e.Width)
		binary.Write(buf, ByteOrder, e.Items)
		binary.Write(buf, ByteOrder, e.Offset)
	}
	return buf.Bytes()
}

// DecodeIndex is the inverse of EncodeIndex.
func DecodeIndex(b []byte) ([]Entry, error) {
	rd := bytes.NewReader(b)
	var n uint32
	if err := binary.Read(rd, ByteOrder, &n); err != nil {
		return nil, fmt.Errorf("could not read index: %v", err)
	}
	if int64(n)*minEntrySize > int64(rd.Len()) {
		return nil, fmt.Errorf("index claims %d entries, but only has %d "+
			"bytes", n, rd.Len())
	}

	entries := make([]Entry, n)
	for i := range entries {
		e := &entries[i]
		var err error
		if e.Name, err = readString(rd); err != nil {
			return nil, fmt.Errorf("could not read entry %d: %v", i, err)
		}
		if e.Label, err = readString(rd); err != nil {
			return nil, fmt.Errorf("could not read entry %d: %v", i, err)
		}

		var t uint8
		fields := []interface{}{&t, &e.Width, &e.Items, &e.Offset}
		for _, field := range fields {
			if err := binary.Read(rd, ByteOrder, field); err != nil {
				return nil, fmt.Errorf("could not read entry %d (%s): %v",
					i, e.Name, err)
			}
		}
		e.Type = Type(t)
		if !e.Type.valid() {
			return nil, fmt.Errorf("entry %d (%s) has unknown type %d",
				i, e.Name, t)
		}
	}

	if rd.Len() != 0 {
		return nil, fmt.Errorf("index has %d trailing bytes", rd.Len())
	}
	return entries, nil
}

// ReadIndex reads the index that sb points to.
func ReadIndex(r io.ReaderAt, sb *Superblock) ([]Entry, error) {
	if sb.IndexOffset < SuperblockSize || sb.IndexLength < 4 {
		return nil, fmt.Errorf("superblock has a bad index location "+
			"(offset %d, length %d)", sb.IndexOffset, sb.IndexLength)
	}
	b := make([]byte, sb.IndexLength)
	if _, err := r.ReadAt(b, sb.IndexOffset); err != nil {
		return nil, fmt.Errorf("could not read index: %v", err)
	}
	return DecodeIndex(b)
}

// EncodeFloat32s writes x into b, which must be 4*len(x) bytes long.
func EncodeFloat32s(b []byte, x []float32) {
	for i := range x {
		ByteOrder.PutUint32(b[4*i:], math.Float32bits(x[i]))
	}
}

// EncodeUint64s writes x into b, which must be 8*len(x) bytes long.
func EncodeUint64s(b []byte, x []uint64) {
	for i := range x {
		ByteOrder.PutUint64(b[8*i:], x[i])
	}
}

// DecodeFloat32s is the inverse of EncodeFloat32s.
func DecodeFloat32s(b []byte, x []float32) {
	for i := range x {
		x[i] = math.Float32frombits(ByteOrder.Uint32(b[4*i:]))
	}
}

// DecodeUint64s is the inverse of EncodeUint64s.
func DecodeUint64s(b []byte, x []uint64) {
	for i := range x {
		x[i] = ByteOrder.Uint64(b[8*i:])
	}
}

// extend grows f to at least size bytes. It never shrinks the file.
func extend(f *os.File, size int64) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() >= size {
		return nil
	}
	return f.Truncate(size)
}
