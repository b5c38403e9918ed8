// Package transform builds, inverts and applies the 2×2 linear map between
// FSM command space and sensor pixel space.
package transform

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SingularTolerance bounds |det| relative to the product of the column
// norms. The ratio is |sin θ| between the two columns, so this rejects
// columns within ~1e-9 rad of each other.
const SingularTolerance = 1e-9

// ErrSingular is returned when two response vectors are linearly dependent.
var ErrSingular = errors.New("transform is singular")

// Vec2 is a 2-vector: (axis1, axis2) in command space or (x, y) in pixels.
type Vec2 [2]float64

// Norm returns the Euclidean length of v.
func (v Vec2) Norm() float64 {
	return floats.Norm(v[:], 2)
}

// Sub returns v - o.
func (v Vec2) Sub(o Vec2) Vec2 {
	return Vec2{v[0] - o[0], v[1] - o[1]}
}

// Add returns v + o.
func (v Vec2) Add(o Vec2) Vec2 {
	return Vec2{v[0] + o[0], v[1] + o[1]}
}

// Matrix2 is a row-major 2×2 matrix: m[row][col].
type Matrix2 [2][2]float64

// Identity returns the 2×2 identity.
func Identity() Matrix2 {
	return Matrix2{{1, 0}, {0, 1}}
}

// FromColumns assembles c1 and c2 as the matrix columns without any
// singularity check.
func FromColumns(c1, c2 Vec2) Matrix2 {
	return Matrix2{
		{c1[0], c2[0]},
		{c1[1], c2[1]},
	}
}

// Column returns column i.
func (m Matrix2) Column(i int) Vec2 {
	return Vec2{m[0][i], m[1][i]}
}

// Det returns the determinant.
func (m Matrix2) Det() float64 {
	return m[0][0]*m[1][1] - m[0][1]*m[1][0]
}

// IsSingular reports whether m's columns are linearly dependent within
// SingularTolerance.
func (m Matrix2) IsSingular() bool {
	n1, n2 := m.Column(0).Norm(), m.Column(1).Norm()
	scale := n1 * n2
	if scale == 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return true
	}
	return math.Abs(m.Det()) <= SingularTolerance*scale
}

// Mul returns m·o.
func (m Matrix2) Mul(o Matrix2) Matrix2 {
	var out Matrix2
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			out[i][j] = m[i][0]*o[0][j] + m[i][1]*o[1][j]
		}
	}
	return out
}

// Dense returns m as a gonum matrix for callers that continue the algebra
// there.
func (m Matrix2) Dense() *mat.Dense {
	return mat.NewDense(2, 2, []float64{m[0][0], m[0][1], m[1][0], m[1][1]})
}

// ApproxEqual reports whether every element of a and b agrees within tol.
func ApproxEqual(a, b Matrix2, tol float64) bool {
	return floats.EqualApprox(
		[]float64{a[0][0], a[0][1], a[1][0], a[1][1]},
		[]float64{b[0][0], b[0][1], b[1][0], b[1][1]},
		tol,
	)
}

func (m Matrix2) String() string {
	return fmt.Sprintf("[[%g, %g], [%g, %g]]", m[0][0], m[0][1], m[1][0], m[1][1])
}

// BuildTransform assembles response1 and response2 (pixels per command
// unit) as the columns of the forward transform. It fails with ErrSingular
// when the columns are linearly dependent.
func BuildTransform(response1, response2 Vec2) (Matrix2, error) {
	m := FromColumns(response1, response2)
	if m.IsSingular() {
		return Matrix2{}, fmt.Errorf("%w: columns %v and %v are linearly dependent (det=%g)",
			ErrSingular, response1, response2, m.Det())
	}
	return m, nil
}

// Invert returns the closed-form inverse [[d,-b],[-c,a]]/det. It fails with
// ErrSingular under the same tolerance as BuildTransform.
func Invert(m Matrix2) (Matrix2, error) {
	if m.IsSingular() {
		return Matrix2{}, fmt.Errorf("%w: cannot invert %v (det=%g)", ErrSingular, m, m.Det())
	}
	det := m.Det()
	return Matrix2{
		{m[1][1] / det, -m[0][1] / det},
		{-m[1][0] / det, m[0][0] / det},
	}, nil
}

// Apply returns m·v.
func Apply(m Matrix2, v Vec2) Vec2 {
	return Vec2{
		m[0][0]*v[0] + m[0][1]*v[1],
		m[1][0]*v[0] + m[1][1]*v[1],
	}
}
