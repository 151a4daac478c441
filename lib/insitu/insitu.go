/*package insitu hands the mesh and fields of each timestep to analysis
pipelines which run inside the simulation.

A simulation creates a Bridge around a Pipeline once, calls Bridge.Step with a
new Frame every timestep, and closes the Bridge when it's done. A Frame only
lives for the duration of a single Step: it refers to the simulation's own
arrays, and the bridge drops every reference to them before Step returns, so a
pipeline must copy anything it wants to keep.
*/
package insitu

import (
	"fmt"
	"sort"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/phil-mansfield/przm/lib/checkpoint"
)

// Source is the view of a Frame that a Pipeline gets during Process.
type Source interface {
	// Timestep returns the timestep of the frame.
	Timestep() int
	// Mesh returns the mesh. If structureOnly is true, geometry and topology
	// may be left out.
	Mesh(structureOnly bool) *Mesh
	// Field returns the values of a point field and true, or false if the
	// frame has no field with that name.
	Field(name string) ([]float32, bool)
	// FieldNames returns the names of every field, sorted.
	FieldNames() []string
}

// Pipeline is an analysis which runs once per timestep.
type Pipeline interface {
	BeginTimestep(step int) error
	Process(step int, src Source) error
	EndTimestep() error
	Close() error
}

// Frame holds the data of a single timestep. Frames are built by the
// simulation and passed to Bridge.Step.
type Frame struct {
	Step  int
	Image *Image

	NPoints  uint64
	X, Y, Z  []float32
	NVolume  uint64
	Volume   []uint64
	NSurface uint64
	Surface  []uint64
	Fields   map[string][]float32

	mesh     *Mesh
	released bool
}

var _ Source = &Frame{}

// NewFrame creates an empty frame for timestep step.
func NewFrame(step int) *Frame {
	return &Frame{Step: step, Fields: map[string][]float32{}}
}

// FromPartition creates a frame from the same arrays that would be given to
// the checkpoint writer. The variable, if any, becomes the frame's only field.
func FromPartition(step int, part *checkpoint.Partition) *Frame {
	fr := NewFrame(step)
	fr.NPoints = part.NPoints
	fr.X, fr.Y, fr.Z = part.X, part.Y, part.Z
	fr.NVolume, fr.Volume = part.NVolume, part.Volume
	fr.NSurface, fr.Surface = part.NSurface, part.Surface
	if part.HasVariable() {
		fr.Fields[part.VarName] = part.VarData
	}
	return fr
}

// SetImage attaches a structured grid to the frame. The point count is taken
// from the image's extent.
func (fr *Frame) SetImage(im *Image) {
	fr.Image = im
	fr.NPoints = uint64(im.Points())
}

// AddField adds a point field to the frame.
func (fr *Frame) AddField(name string, data []float32) {
	if fr.Fields == nil {
		fr.Fields = map[string][]float32{}
	}
	fr.Fields[name] = data
}

// Validate checks that the arrays in the frame are consistent with its counts.
func (fr *Frame) Validate() error {
	if fr.Image != nil {
		if err := fr.Image.Validate(); err != nil {
			return err
		}
		if uint64(fr.Image.Points()) != fr.NPoints {
			return fmt.Errorf("image has %d points, but the frame has %d",
				fr.Image.Points(), fr.NPoints)
		}
	}
	for dim, x := range [][]float32{fr.X, fr.Y, fr.Z} {
		if x != nil && uint64(len(x)) != fr.NPoints {
			return fmt.Errorf("%c has %d coordinates, but the frame has %d "+
				"points", "xyz"[dim], len(x), fr.NPoints)
		}
	}
	if fr.Volume != nil &&
		uint64(len(fr.Volume)) != checkpoint.VolumeWidth*fr.NVolume {
		return fmt.Errorf("frame has %d volumetric elements, but %d indices",
			fr.NVolume, len(fr.Volume))
	}
	if fr.Surface != nil &&
		uint64(len(fr.Surface)) != checkpoint.SurfaceWidth*fr.NSurface {
		return fmt.Errorf("frame has %d surface elements, but %d indices",
			fr.NSurface, len(fr.Surface))
	}
	for name, data := range fr.Fields {
		if uint64(len(data)) != fr.NPoints {
			return fmt.Errorf("field '%s' has %d values, but the frame has "+
				"%d points", name, len(data), fr.NPoints)
		}
	}
	return nil
}

func (fr *Frame) Timestep() int { return fr.Step }

// Mesh builds the mesh the first time it's asked for and reuses it for the
// rest of the step. Structured grids without explicit coordinates get them
// from the image.
func (fr *Frame) Mesh(structureOnly bool) *Mesh {
	if fr.released {
		return nil
	}
	if fr.mesh != nil && (structureOnly || !fr.mesh.StructureOnly) {
		return fr.mesh
	}

	m := &Mesh{
		Image: fr.Image, NPoints: fr.NPoints,
		NVolume: fr.NVolume, NSurface: fr.NSurface,
		Fields: fr.FieldNames(), StructureOnly: structureOnly,
	}
	if !structureOnly {
		m.X, m.Y, m.Z = fr.X, fr.Y, fr.Z
		if m.X == nil && fr.Image != nil {
			m.X, m.Y, m.Z = fr.Image.Coordinates()
		}
		m.Volume, m.Surface = fr.Volume, fr.Surface
	}
	fr.mesh = m
	return m
}

func (fr *Frame) Field(name string) ([]float32, bool) {
	if fr.released {
		return nil, false
	}
	data, ok := fr.Fields[name]
	return data, ok
}

func (fr *Frame) FieldNames() []string {
	names := make([]string, 0, len(fr.Fields))
	for name := range fr.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// release drops every reference the frame holds to simulation memory.
func (fr *Frame) release() {
	fr.mesh = nil
	fr.X, fr.Y, fr.Z = nil, nil, nil
	fr.Volume, fr.Surface = nil, nil
	fr.Fields = nil
	fr.released = true
}

// Bridge owns a Pipeline for the lifetime of a simulation.
type Bridge struct {
	p      Pipeline
	steps  int
	closed bool
}

// NewBridge creates a Bridge which runs p.
func NewBridge(p Pipeline) *Bridge {
	return &Bridge{p: p}
}

// Steps returns the number of steps which have been run.
func (b *Bridge) Steps() int { return b.steps }

// Step runs the pipeline on fr. EndTimestep is called even if Process fails.
// The frame is released before Step returns and can't be reused.
func (b *Bridge) Step(fr *Frame) error {
	if b.closed {
		return fmt.Errorf("in-situ bridge is closed")
	}
	if fr.released {
		return fmt.Errorf("frame for step %d was already used", fr.Step)
	}
	defer fr.release()

	if err := fr.Validate(); err != nil {
		return errors.Wrapf(err, "invalid frame for step %d", fr.Step)
	}

	if err := b.p.BeginTimestep(fr.Step); err != nil {
		return errors.Wrapf(err, "begin step %d", fr.Step)
	}
	procErr := b.p.Process(fr.Step, fr)
	endErr := b.p.EndTimestep()
	b.steps++

	if procErr != nil {
		return errors.Wrapf(procErr, "process step %d", fr.Step)
	}
	if endErr != nil {
		return errors.Wrapf(endErr, "end step %d", fr.Step)
	}
	glog.V(2).Infof("insitu: finished step %d", fr.Step)
	return nil
}

// Close closes the pipeline. It is safe to call more than once.
func (b *Bridge) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.p.Close()
}

// multi runs several pipelines in order.
type multi []Pipeline

// Multi combines several pipelines into one. Each stage of a timestep runs
// every pipeline, stopping at the first error.
func Multi(ps ...Pipeline) Pipeline { return multi(ps) }

func (m multi) BeginTimestep(step int) error {
	for _, p := range m {
		if err := p.BeginTimestep(step); err != nil {
			return err
		}
	}
	return nil
}

func (m multi) Process(step int, src Source) error {
	for _, p := range m {
		if err := p.Process(step, src); err != nil {
			return err
		}
	}
	return nil
}

func (m multi) EndTimestep() error {
	for _, p := range m {
		if err := p.EndTimestep(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every pipeline, even if some of them fail, and returns the
// first error.
func (m multi) Close() error {
	var first error
	for _, p := range m {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
