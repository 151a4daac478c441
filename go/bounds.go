package read_przm

import (
	"fmt"
	"math"
)

// Bounds returns the smallest axis-aligned bounding box that encloses all the
// points in x, y, and z. The bounding box is output as a length-6 array: the
// first three indexes give the lower corner of the box and the upper three
// give the upper corner. NaN coordinates are ignored. If there are no
// points, every value is NaN.
func Bounds(x, y, z []float32) [6]float32 {
	bounds := [6]float32{}
	for dim, xi := range [][]float32{x, y, z} {
		bounds[dim], bounds[dim+3] = coordRange(xi)
	}
	return bounds
}

// coordRange returns the minimum and maximum non-NaN value in x.
func coordRange(x []float32) (lo, hi float32) {
	lo, hi = float32(math.NaN()), float32(math.NaN())
	for _, xi := range x {
		if xi != xi {
			continue
		}
		if lo != lo || xi < lo {
			lo = xi
		}
		if hi != hi || xi > hi {
			hi = xi
		}
	}
	return lo, hi
}

// Overlap returns true if two bounding boxes in the format returned by
// Bounds overlap and false otherwise. Boxes which only share a face overlap.
func Overlap(b1, b2 [6]float32) bool {
	for dim := 0; dim < 3; dim++ {
		if b1[dim] > b2[dim+3] || b2[dim] > b1[dim+3] {
			return false
		}
	}
	return true
}

// GridBounds reads the point coordinates of the file and returns their
// bounding box.
func (file *File) GridBounds() ([6]float32, error) {
	if !file.Header().HasGrid {
		return [6]float32{}, fmt.Errorf("the file has no grid points")
	}

	coords := make([][]float32, 3)
	for dim, name := range []string{"grid/x", "grid/y", "grid/z"} {
		var err error
		if coords[dim], err = file.ReadFloat32(name); err != nil {
			return [6]float32{}, err
		}
	}
	return Bounds(coords[0], coords[1], coords[2]), nil
}
