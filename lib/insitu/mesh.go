package insitu

import (
	"fmt"
)

// Image describes the local piece of a structured Cartesian grid.
type Image struct {
	// Whole is the number of points in the global grid along each axis.
	Whole [3]int
	// Extent is the inclusive index range of the local piece:
	// [i0, i1, j0, j1, k0, k1].
	Extent [6]int
	// Spacing is the distance between neighboring points along each axis.
	Spacing [3]float32
}

// Dims returns the number of local points along each axis.
func (im *Image) Dims() [3]int {
	return [3]int{
		im.Extent[1] - im.Extent[0] + 1,
		im.Extent[3] - im.Extent[2] + 1,
		im.Extent[5] - im.Extent[4] + 1,
	}
}

// Points returns the number of local points.
func (im *Image) Points() int {
	d := im.Dims()
	return d[0] * d[1] * d[2]
}

// Validate checks that the extent is inside the global grid.
func (im *Image) Validate() error {
	for dim := 0; dim < 3; dim++ {
		lo, hi := im.Extent[2*dim], im.Extent[2*dim+1]
		if lo < 0 || hi < lo || hi >= im.Whole[dim] {
			return fmt.Errorf("extent [%d, %d] along axis %d is outside "+
				"the %d-point grid", lo, hi, dim, im.Whole[dim])
		}
		if im.Spacing[dim] <= 0 {
			return fmt.Errorf("spacing %g along axis %d isn't positive",
				im.Spacing[dim], dim)
		}
	}
	return nil
}

// Coordinates returns the positions of the local points, with the first axis
// varying fastest.
func (im *Image) Coordinates() (x, y, z []float32) {
	d, n := im.Dims(), im.Points()
	x, y, z = make([]float32, n), make([]float32, n), make([]float32, n)

	idx := 0
	for k := 0; k < d[2]; k++ {
		zk := float32(im.Extent[4]+k) * im.Spacing[2]
		for j := 0; j < d[1]; j++ {
			yj := float32(im.Extent[2]+j) * im.Spacing[1]
			for i := 0; i < d[0]; i++ {
				x[idx] = float32(im.Extent[0]+i) * im.Spacing[0]
				y[idx], z[idx] = yj, zk
				idx++
			}
		}
	}
	return x, y, z
}

// Mesh is the mesh of a Frame as seen by a Pipeline. A Mesh returned with
// structureOnly set has no coordinates or connectivity, only counts.
type Mesh struct {
	// Image is non-nil for structured grids.
	Image *Image

	NPoints, NVolume, NSurface uint64
	X, Y, Z                    []float32
	Volume, Surface            []uint64

	// Fields are the names of the fields defined on the points.
	Fields []string
	// StructureOnly is true if the geometry and topology were left out.
	StructureOnly bool
}
