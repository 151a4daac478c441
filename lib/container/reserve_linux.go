//go:build linux

package container

import (
	"os"

	"golang.org/x/sys/unix"
)

// reserve allocates n bytes of disk space starting at off, growing the file
// if needed. Filesystems without fallocate support fall back to extending the
// file with Truncate.
func reserve(f *os.File, off, n int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, off, n)
	if err == unix.EOPNOTSUPP || err == unix.ENOSYS {
		return extend(f, off+n)
	}
	return err
}
