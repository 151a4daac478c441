package compress

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Extension is appended to the name of packed files.
const Extension = ".zst"

// PackedName returns the default name of the packed version of a file.
func PackedName(path string) string { return path + Extension }

// UnpackedName returns the default name of the unpacked version of a packed
// file.
func UnpackedName(path string) (string, error) {
	if !strings.HasSuffix(path, Extension) || len(path) == len(Extension) {
		return "", fmt.Errorf("'%s' doesn't end in '%s', so an output name "+
			"must be given", path, Extension)
	}
	return strings.TrimSuffix(path, Extension), nil
}

// PackFile packs the checkpoint file at inPath into outPath.
func PackFile(inPath, outPath string, level int, buf *Buffer) (*Stats, error) {
	in, err := os.Open(inPath)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return nil, err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriter(out)

	stats, err := Pack(in, info.Size(), bw, level, buf)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(outPath)
		return nil, fmt.Errorf("could not pack %s: %v", inPath, err)
	}
	return stats, nil
}

// UnpackFile unpacks the packed file at inPath into outPath.
func UnpackFile(inPath, outPath string, buf *Buffer) error {
	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(out)

	err = Unpack(in, bw, buf)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(outPath)
		return fmt.Errorf("could not unpack %s: %v", inPath, err)
	}
	return nil
}
