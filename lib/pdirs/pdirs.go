/*package pdirs creates the checkpoint directory tree on a shared filesystem.

Directories are created by a single rank between two barriers, so that ranks
never race each other in mkdir and no rank tries to open a file in a directory
which doesn't exist yet. The tree for a timestep looks like:

   <name>.checkpoint/t<step, %04d>.d/r.out
*/
package pdirs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/glog"

	c_error "github.com/phil-mansfield/przm/lib/error"
	"github.com/phil-mansfield/przm/lib/mpi"
)

const (
	// RootSuffix is appended to the output name to get the top-level
	// directory.
	RootSuffix = ".checkpoint"
	// FileBase is the name of the shared file inside a timestep directory.
	FileBase = "r.out"
	// TimeDigits is the zero-padded width of the timestep in directory names.
	TimeDigits = 4

	dirMode = 0755
)

// RootDir returns the top-level output directory for name.
func RootDir(name string) string { return name + RootSuffix }

// StepDir returns the directory which holds the checkpoint of timestep step.
func StepDir(name string, step int) string {
	return filepath.Join(RootDir(name), fmt.Sprintf("t%0*d.d", TimeDigits, step))
}

// FileName returns the path of the shared checkpoint file of timestep step.
func FileName(name string, step int) string {
	return filepath.Join(StepDir(name, step), FileBase)
}

// Checkpoint makes sure that the directory tree for timestep step exists on
// every rank and returns the timestep directory. It must be called by every
// rank. Any failure aborts the job.
func Checkpoint(comm mpi.Comm, name string, step int) (string, error) {
	if step < 0 {
		return "", c_error.Fail(comm, c_error.Newf(comm,
			c_error.PropertyConfiguration, "timestep directory", name,
			"timestep %d is negative", step))
	}

	root, dir := RootDir(name), StepDir(name, step)
	if err := MkdirOneTask(comm, root); err != nil {
		return "", err
	}
	if err := MkdirOneTask(comm, dir); err != nil {
		return "", err
	}
	if err := CheckDir(comm, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// MkdirOneTask creates dir (and any missing parents) on rank 0 only. Every
// rank blocks until the directory has been created. If rank 0 fails, it aborts
// the job before the ranks waiting on the second barrier could hang.
func MkdirOneTask(comm mpi.Comm, dir string) error {
	if err := comm.Barrier(); err != nil {
		return err
	}

	if comm.Rank() == 0 {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return c_error.Fail(comm, c_error.New(comm, c_error.PathCreation,
				"mkdir", dir, err))
		}
		glog.V(2).Infof("pdirs: created %s", dir)
	}

	return comm.Barrier()
}

// CheckDir verifies on every rank that dir exists and is a directory. A
// missing directory after MkdirOneTask is a coordination bug, so it aborts.
func CheckDir(comm mpi.Comm, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return c_error.Fail(comm, c_error.New(comm, c_error.PathCreation,
			"check directory", dir, err))
	}
	if !info.IsDir() {
		return c_error.Fail(comm, c_error.Newf(comm, c_error.PathCreation,
			"check directory", dir, "path exists but is not a directory"))
	}
	return nil
}
