/*package error contains the error kinds used by przm and simple functions for
reporting them.

Nearly every operation in przm is collective, so an error on one rank can't
just be returned to the caller: the other ranks are already waiting inside the
matching collective and would block forever. Errors detected during a
checkpoint are therefore wrapped in an *Error and passed to Fail, which logs a
diagnostic on the failing rank and aborts the whole job. The other ranks see
an *mpi.AbortError from whatever collective they are blocked in.
*/
package error

import (
	"fmt"
	"log"
	"os"
	"runtime/debug"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/phil-mansfield/przm/lib/mpi"
)

// Kind classifies the operation which failed.
type Kind int

const (
	// PathCreation means the checkpoint directory tree could not be created
	// or was missing after it should have been created.
	PathCreation Kind = iota
	// FileOpen means the shared checkpoint file could not be created, opened,
	// synced or closed.
	FileOpen
	// DatasetCreate means a dataset could not be created in the open file.
	DatasetCreate
	// DatasetWrite means a rank's hyperslab could not be selected or written.
	DatasetWrite
	// PropertyConfiguration means the writer was configured or called with
	// inconsistent values (array lengths, strides, options).
	PropertyConfiguration
	// Coordination means the ranks disagreed about something they must agree
	// on, e.g. which optional datasets are present.
	Coordination
)

func (k Kind) String() string {
	switch k {
	case PathCreation:
		return "PathCreationError"
	case FileOpen:
		return "FileOpenError"
	case DatasetCreate:
		return "DatasetCreateError"
	case DatasetWrite:
		return "DatasetWriteError"
	case PropertyConfiguration:
		return "PropertyConfigurationError"
	case Coordination:
		return "CoordinationError"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a failure of a single operation on a single rank.
type Error struct {
	Kind Kind
	// Op names the operation which failed, e.g. "create dataset grid/x".
	Op   string
	Rank int
	// Path is the file or directory involved, if any.
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s on rank %d: %s (%s): %v",
			e.Kind, e.Rank, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s on rank %d: %s: %v", e.Kind, e.Rank, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an *Error for the local rank of comm. The cause is wrapped with
// a stack trace.
func New(comm mpi.Comm, kind Kind, op, path string, cause error) *Error {
	return &Error{
		Kind: kind, Op: op, Rank: comm.Rank(), Path: path,
		Err: errors.WithStack(cause),
	}
}

// Newf is New with a formatted cause.
func Newf(
	comm mpi.Comm, kind Kind, op, path, format string, a ...interface{},
) *Error {
	return &Error{
		Kind: kind, Op: op, Rank: comm.Rank(), Path: path,
		Err: errors.Errorf(format, a...),
	}
}

// HasKind returns true if err is an *Error of the given kind, or wraps one.
func HasKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Fail logs err on the local rank, aborts the job that comm belongs to, and
// returns err so callers can write "return error.Fail(comm, err)".
func Fail(comm mpi.Comm, err error) error {
	glog.Errorf("rank %d aborting job: %+v", comm.Rank(), err)
	comm.Abort(err)
	return err
}

// External reports an error to stderr and kills the process. It should be used
// when an error is something a user could reasonably be expected to fix through
// changes in configuration/data/environment. It has the same signature as the
// standard fmt.*printf() functions.
func External(format string, a ...interface{}) {
	glog.Flush()
	log.Printf("przm exited early with the following error:\n"+format, a...)
	os.Exit(1)
}

// Internal reports an error to stderr along with a stack trace and kills the
// process. It should be used when the error requires a code dive to fix. It has
// the same signature as the standard fmt.*printf() functions.
func Internal(format string, a ...interface{}) {
	glog.Flush()
	log.Println("przm exited early with the following error:")
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n\n")
	debug.PrintStack()
	os.Exit(1)
}
