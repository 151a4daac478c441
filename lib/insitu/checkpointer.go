package insitu

import (
	"fmt"

	"github.com/phil-mansfield/przm/lib/checkpoint"
	"github.com/phil-mansfield/przm/lib/mpi"
)

// Checkpointer is a Pipeline which writes a checkpoint of every timestep. It
// must run on every rank of comm, since each Process call is collective.
type Checkpointer struct {
	comm mpi.Comm
	w    *checkpoint.Writer
	name string
	// Variable is the field written as the checkpoint's variable. If it's
	// empty, no variable is written.
	Variable string
	// StrideHint is passed through to checkpoint.Partition.
	StrideHint uint64

	last *checkpoint.Summary
}

var _ Pipeline = &Checkpointer{}

// NewCheckpointer creates a Checkpointer which writes to
// <name>.checkpoint/t<step>.d/r.out.
func NewCheckpointer(
	comm mpi.Comm, w *checkpoint.Writer, name, variable string,
) *Checkpointer {
	return &Checkpointer{comm: comm, w: w, name: name, Variable: variable}
}

func (c *Checkpointer) BeginTimestep(step int) error { return nil }

// Process converts the source's mesh into a checkpoint.Partition and writes
// it.
func (c *Checkpointer) Process(step int, src Source) error {
	m := src.Mesh(false)
	if m == nil {
		return fmt.Errorf("step %d has no mesh", step)
	}

	part := &checkpoint.Partition{
		NPoints: m.NPoints, StrideHint: c.StrideHint,
		X: m.X, Y: m.Y, Z: m.Z,
		NVolume: m.NVolume, Volume: m.Volume,
		NSurface: m.NSurface, Surface: m.Surface,
	}
	if c.Variable != "" {
		data, ok := src.Field(c.Variable)
		if !ok {
			// The writer aborts the job on the length mismatch.
			data = []float32{}
		}
		part.VarName, part.VarData = c.Variable, data
	}

	sum, err := c.w.Write(c.comm, c.name, step, part)
	if err != nil {
		return err
	}
	c.last = sum
	return nil
}

func (c *Checkpointer) EndTimestep() error { return nil }
func (c *Checkpointer) Close() error       { return nil }

// Last returns the summary of the most recent checkpoint, or nil.
func (c *Checkpointer) Last() *checkpoint.Summary { return c.last }
