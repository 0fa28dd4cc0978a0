// Package models holds the shared geometric value types used across the
// reconstruction pipeline: rigid transforms, image grids and volumes.
package models

import (
	"math"
)

// Affine represents a 3D affine transformation as a 3x3 linear part plus
// a translation vector. It maps p -> M*p + T.
type Affine struct {
	// M is the linear (rotation/scaling) part in row-major order
	M [3][3]float64

	// T is the translation part
	T [3]float64
}

// IdentityAffine returns the identity transformation
func IdentityAffine() Affine {
	return Affine{
		M: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	}
}

// Apply transforms the point p
func (a Affine) Apply(p [3]float64) [3]float64 {
	var q [3]float64
	for i := 0; i < 3; i++ {
		q[i] = a.M[i][0]*p[0] + a.M[i][1]*p[1] + a.M[i][2]*p[2] + a.T[i]
	}
	return q
}

// Mul composes two affine transformations: (a.Mul(b)).Apply(p) == a.Apply(b.Apply(p))
func (a Affine) Mul(b Affine) Affine {
	var c Affine
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				c.M[i][j] += a.M[i][k] * b.M[k][j]
			}
		}
		c.T[i] = a.M[i][0]*b.T[0] + a.M[i][1]*b.T[1] + a.M[i][2]*b.T[2] + a.T[i]
	}
	return c
}

// Inverse returns the inverse transformation. The linear part is inverted
// in closed form via the adjugate; the transform must be non-singular.
func (a Affine) Inverse() Affine {
	m := a.M
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])

	var inv Affine
	inv.M[0][0] = (m[1][1]*m[2][2] - m[1][2]*m[2][1]) / det
	inv.M[0][1] = (m[0][2]*m[2][1] - m[0][1]*m[2][2]) / det
	inv.M[0][2] = (m[0][1]*m[1][2] - m[0][2]*m[1][1]) / det
	inv.M[1][0] = (m[1][2]*m[2][0] - m[1][0]*m[2][2]) / det
	inv.M[1][1] = (m[0][0]*m[2][2] - m[0][2]*m[2][0]) / det
	inv.M[1][2] = (m[0][2]*m[1][0] - m[0][0]*m[1][2]) / det
	inv.M[2][0] = (m[1][0]*m[2][1] - m[1][1]*m[2][0]) / det
	inv.M[2][1] = (m[0][1]*m[2][0] - m[0][0]*m[2][1]) / det
	inv.M[2][2] = (m[0][0]*m[1][1] - m[0][1]*m[1][0]) / det

	for i := 0; i < 3; i++ {
		inv.T[i] = -(inv.M[i][0]*a.T[0] + inv.M[i][1]*a.T[1] + inv.M[i][2]*a.T[2])
	}
	return inv
}

// RotationXYZ builds the rotation matrix for intrinsic rotations about the
// X, Y and Z axes applied in that order: R = Rx(rx) * Ry(ry) * Rz(rz).
func RotationXYZ(rx, ry, rz float64) [3][3]float64 {
	cx, sx := math.Cos(rx), math.Sin(rx)
	cy, sy := math.Cos(ry), math.Sin(ry)
	cz, sz := math.Cos(rz), math.Sin(rz)

	// Rx * Ry * Rz expanded
	return [3][3]float64{
		{cy * cz, -cy * sz, sy},
		{cx*sz + sx*sy*cz, cx*cz - sx*sy*sz, -sx * cy},
		{sx*sz - cx*sy*cz, sx*cz + cx*sy*sz, cx * cy},
	}
}

// RigidFromParams builds the scanner-space rigid transformation from a
// 6-parameter row (tx, ty, tz, rx, ry, rz): translation in mm and intrinsic
// X-Y-Z Euler rotation angles in radians.
func RigidFromParams(p [6]float64) Affine {
	return Affine{
		M: RotationXYZ(p[3], p[4], p[5]),
		T: [3]float64{p[0], p[1], p[2]},
	}
}

// Grid describes a regular 3D voxel lattice with an attached voxel-to-scanner
// affine transformation.
type Grid struct {
	// Nx, Ny, Nz are the lattice dimensions in voxels
	Nx, Ny, Nz int

	// Voxel2Scanner maps voxel coordinates to scanner-space mm
	Voxel2Scanner Affine
}

// Scanner2Voxel returns the inverse grid transform
func (g Grid) Scanner2Voxel() Affine {
	return g.Voxel2Scanner.Inverse()
}

// NVox returns the number of voxels in the lattice
func (g Grid) NVox() int {
	return g.Nx * g.Ny * g.Nz
}

// Inbounds reports whether the integer lattice point lies inside the grid
func (g Grid) Inbounds(x, y, z int) bool {
	return x >= 0 && x < g.Nx && y >= 0 && y < g.Ny && z >= 0 && z < g.Nz
}

// Idx returns the flat raster index of a lattice point (x fastest)
func (g Grid) Idx(x, y, z int) int {
	return (z*g.Ny+y)*g.Nx + x
}

// Volume represents a 4D image as a flat array in raster order with the
// last axis slowest: idx = ((t*Nz + z)*Ny + y)*Nx + x.
type Volume struct {
	Data []float64

	// Nx, Ny, Nz, Nt are the volume dimensions
	Nx, Ny, Nz, Nt int
}

// NewVolume allocates a zero-filled volume with the given dimensions
func NewVolume(nx, ny, nz, nt int) *Volume {
	return &Volume{
		Data: make([]float64, nx*ny*nz*nt),
		Nx:   nx, Ny: ny, Nz: nz, Nt: nt,
	}
}

// Idx returns the flat index of a voxel
func (v *Volume) Idx(x, y, z, t int) int {
	return ((t*v.Nz+z)*v.Ny+y)*v.Nx + x
}

// At returns the value at a voxel
func (v *Volume) At(x, y, z, t int) float64 {
	return v.Data[v.Idx(x, y, z, t)]
}

// Set stores a value at a voxel
func (v *Volume) Set(x, y, z, t int, val float64) {
	v.Data[v.Idx(x, y, z, t)] = val
}
