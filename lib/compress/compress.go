/*package compress packs finished checkpoint files with zstd.

A packed file is a sequence of sections which together cover every byte of
the original file, in order. Dataset regions are stored byte-shuffled: the
elements are split into one "column" per byte of the element type, and each
column is compressed with its own zstd frame, so the high-significance bytes
of smooth coordinates and small indices compress to almost nothing.
Everything else (the superblock, alignment padding, the index) is stored as a
single plain zstd frame.

   header     magic u32, version u32, raw size i64, sections u32
   section    element size u8, raw length i64, then one frame per column:
              compressed length i64, compressed bytes

Unpacking reproduces the original file byte for byte.
*/
package compress

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/DataDog/zstd"

	"github.com/phil-mansfield/przm/lib/container"
)

const (
	// MagicNumber is an arbitrary number at the start of all packed files
	// which should help identify when the code is run on something else by
	// accident: "przz" in ASCII.
	MagicNumber = 0x70727a7a
	// ReverseMagicNumber is the magic number if read with the wrong byte
	// order.
	ReverseMagicNumber = 0x7a7a7270
	Version            = 1

	// DefaultLevel is the zstd compression level used when Level is zero.
	DefaultLevel = 3
)

var order = binary.LittleEndian

// Section is a contiguous range of the original file.
type Section struct {
	Offset, Length int64
	// ElemSize is 1 for unshuffled sections.
	ElemSize int
}

// Stats describe the result of packing a file.
type Stats struct {
	RawBytes, PackedBytes int64
	Sections              int
}

// Ratio returns RawBytes/PackedBytes.
func (s *Stats) Ratio() float64 {
	if s.PackedBytes == 0 {
		return 0
	}
	return float64(s.RawBytes) / float64(s.PackedBytes)
}

// Buffer holds the temporary arrays used while packing, so that packing many
// files doesn't repeatedly allocate.
type Buffer struct {
	raw, col, frame []byte
}

// NewBuffer creates a new, resizable Buffer.
func NewBuffer() *Buffer { return &Buffer{} }

// resizeBytes resizes a byte buffer to have length n.
func resizeBytes(b []byte, n int) []byte {
	if cap(b) >= n {
		return b[:n]
	}
	b = b[:cap(b)]
	return append(b, make([]byte, n-len(b))...)
}

// Sections splits a checkpoint file of the given size into sections: one
// shuffled section per non-empty dataset and plain sections for the gaps
// between them.
func Sections(entries []container.Entry, size int64) ([]Section, error) {
	data := make([]Section, 0, len(entries))
	for _, e := range entries {
		if e.Bytes() == 0 {
			continue
		}
		data = append(data, Section{e.Offset, e.Bytes(), int(e.Type.Size())})
	}
	sort.Slice(data, func(i, j int) bool { return data[i].Offset < data[j].Offset })

	out := []Section{}
	next := int64(0)
	for _, s := range data {
		if s.Offset < next || s.Offset+s.Length > size {
			return nil, fmt.Errorf("dataset at bytes [%d, %d) overlaps "+
				"another dataset or runs past the end of the %d-byte file",
				s.Offset, s.Offset+s.Length, size)
		}
		if s.Offset > next {
			out = append(out, Section{next, s.Offset - next, 1})
		}
		out = append(out, s)
		next = s.Offset + s.Length
	}
	if next < size {
		out = append(out, Section{next, size - next, 1})
	}
	return out, nil
}

// shuffle copies byte col of every size-byte element in b to out.
func shuffle(b []byte, size, col int, out []byte) {
	for i := range out {
		out[i] = b[i*size+col]
	}
}

// unshuffle is the inverse of shuffle.
func unshuffle(col []byte, size, c int, b []byte) {
	for i := range col {
		b[i*size+c] = col[i]
	}
}

// Pack compresses a checkpoint file of the given size, read from rd, and
// writes the packed version to wr. Incomplete checkpoints can't be packed.
func Pack(
	rd io.ReaderAt, size int64, wr io.Writer, level int, buf *Buffer,
) (*Stats, error) {
	if level == 0 {
		level = DefaultLevel
	}
	if buf == nil {
		buf = NewBuffer()
	}

	sb, err := container.ReadSuperblock(rd)
	if err != nil {
		return nil, err
	}
	entries, err := container.ReadIndex(rd, sb)
	if err != nil {
		return nil, err
	}
	sections, err := Sections(entries, size)
	if err != nil {
		return nil, err
	}

	cw := &countWriter{w: wr}
	hd := []interface{}{
		uint32(MagicNumber), uint32(Version), size, uint32(len(sections)),
	}
	for _, x := range hd {
		if err := binary.Write(cw, order, x); err != nil {
			return nil, err
		}
	}

	for _, s := range sections {
		if err := buf.packSection(rd, s, cw, level); err != nil {
			return nil, fmt.Errorf("could not pack bytes [%d, %d): %v",
				s.Offset, s.Offset+s.Length, err)
		}
	}

	return &Stats{RawBytes: size, PackedBytes: cw.n, Sections: len(sections)}, nil
}

func (buf *Buffer) packSection(
	rd io.ReaderAt, s Section, wr io.Writer, level int,
) error {
	buf.raw = resizeBytes(buf.raw, int(s.Length))
	if _, err := rd.ReadAt(buf.raw, s.Offset); err != nil {
		return err
	}

	if err := binary.Write(wr, order, uint8(s.ElemSize)); err != nil {
		return err
	}
	if err := binary.Write(wr, order, s.Length); err != nil {
		return err
	}

	n := int(s.Length) / s.ElemSize
	buf.col = resizeBytes(buf.col, n)
	for c := 0; c < s.ElemSize; c++ {
		// Each column gets its own frame so that its statistics don't mix
		// with the other columns'.
		col := buf.raw
		if s.ElemSize > 1 {
			shuffle(buf.raw, s.ElemSize, c, buf.col)
			col = buf.col
		}

		var err error
		buf.frame, err = zstd.CompressLevel(buf.frame[:cap(buf.frame)], col, level)
		if err != nil {
			return err
		}
		if err := binary.Write(wr, order, int64(len(buf.frame))); err != nil {
			return err
		}
		if _, err := wr.Write(buf.frame); err != nil {
			return err
		}
	}
	return nil
}

// Unpack reads a packed file from rd and writes the original checkpoint file
// to wr.
func Unpack(rd io.Reader, wr io.Writer, buf *Buffer) error {
	if buf == nil {
		buf = NewBuffer()
	}
	br := bufio.NewReader(rd)

	var (
		magic, version, nSections uint32
		size                      int64
	)
	for _, x := range []interface{}{&magic, &version, &size, &nSections} {
		if err := binary.Read(br, order, x); err != nil {
			return fmt.Errorf("could not read packed header: %v", err)
		}
	}
	switch {
	case magic == ReverseMagicNumber:
		return fmt.Errorf("packed file was written with the wrong byte order")
	case magic != MagicNumber:
		return fmt.Errorf("not a packed przm file (magic number 0x%08x)", magic)
	case version != Version:
		return fmt.Errorf("packed file has version %d, but only version %d "+
			"is supported", version, Version)
	}

	written := int64(0)
	for i := uint32(0); i < nSections; i++ {
		n, err := buf.unpackSection(br, wr)
		if err != nil {
			return fmt.Errorf("could not unpack section %d: %v", i, err)
		}
		written += n
	}
	if written != size {
		return fmt.Errorf("packed file should hold %d bytes, but its "+
			"sections only hold %d", size, written)
	}
	return nil
}

func (buf *Buffer) unpackSection(rd io.Reader, wr io.Writer) (int64, error) {
	var (
		elemSize uint8
		length   int64
	)
	if err := binary.Read(rd, order, &elemSize); err != nil {
		return 0, err
	}
	if err := binary.Read(rd, order, &length); err != nil {
		return 0, err
	}
	if elemSize == 0 || length < 0 || length%int64(elemSize) != 0 {
		return 0, fmt.Errorf("bad section shape: %d bytes of %d-byte elements",
			length, elemSize)
	}

	size, n := int(elemSize), int(length)/int(elemSize)
	buf.raw = resizeBytes(buf.raw, int(length))
	for c := 0; c < size; c++ {
		var nFrame int64
		if err := binary.Read(rd, order, &nFrame); err != nil {
			return 0, err
		}
		buf.frame = resizeBytes(buf.frame, int(nFrame))
		if _, err := io.ReadFull(rd, buf.frame); err != nil {
			return 0, err
		}

		buf.col = resizeBytes(buf.col, n)
		col, err := zstd.Decompress(buf.col, buf.frame)
		if err != nil {
			return 0, err
		}
		if len(col) != n {
			return 0, fmt.Errorf("column %d has %d bytes, not %d",
				c, len(col), n)
		}

		if size == 1 {
			copy(buf.raw, col)
		} else {
			unshuffle(col, size, c, buf.raw)
		}
	}

	_, err := wr.Write(buf.raw)
	return length, err
}

// countWriter counts the bytes written through it.
type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
