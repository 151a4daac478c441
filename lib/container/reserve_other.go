//go:build !linux

package container

import (
	"os"
)

// reserve grows the file so that it covers [off, off+n).
func reserve(f *os.File, off, n int64) error {
	return extend(f, off+n)
}
