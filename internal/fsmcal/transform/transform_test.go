package transform

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestBuildTransformColumns(t *testing.T) {
	t.Parallel()
	m, err := BuildTransform(Vec2{0.5, 0.1}, Vec2{-0.2, 0.4})
	require.NoError(t, err)
	assert.Equal(t, Matrix2{{0.5, -0.2}, {0.1, 0.4}}, m)
	assert.Equal(t, Vec2{0.5, 0.1}, m.Column(0))
	assert.Equal(t, Vec2{-0.2, 0.4}, m.Column(1))
}

func TestBuildTransformDiagonalScenario(t *testing.T) {
	t.Parallel()
	fwd, err := BuildTransform(Vec2{0.5, 0}, Vec2{0, 0.5})
	require.NoError(t, err)
	inv, err := Invert(fwd)
	require.NoError(t, err)

	assert.Equal(t, Matrix2{{0.5, 0}, {0, 0.5}}, fwd)
	assert.True(t, ApproxEqual(Matrix2{{2, 0}, {0, 2}}, inv, 1e-12), "inverse %v", inv)
}

func TestBuildTransformSingular(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		r1, r2 Vec2
	}{
		{"equal responses", Vec2{1, 1}, Vec2{1, 1}},
		{"scalar multiple", Vec2{0.3, -0.6}, Vec2{-1.5, 3}},
		{"zero column", Vec2{0, 0}, Vec2{0, 0.5}},
		{"both zero", Vec2{}, Vec2{}},
		{"nearly parallel", Vec2{1, 0}, Vec2{1, 1e-12}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := BuildTransform(tc.r1, tc.r2)
			assert.True(t, errors.Is(err, ErrSingular), "got %v", err)

			_, err = Invert(FromColumns(tc.r1, tc.r2))
			assert.True(t, errors.Is(err, ErrSingular), "got %v", err)
		})
	}
}

func TestSingularToleranceIsScaleInvariant(t *testing.T) {
	t.Parallel()
	// Tiny but orthogonal responses are well conditioned.
	_, err := BuildTransform(Vec2{1e-8, 0}, Vec2{0, 1e-8})
	assert.NoError(t, err)

	_, err = BuildTransform(Vec2{1e8, 0}, Vec2{0, 1e8})
	assert.NoError(t, err)
}

func TestInvertRoundTripProperty(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		r1 := Vec2{rng.NormFloat64(), rng.NormFloat64()}
		r2 := Vec2{rng.NormFloat64(), rng.NormFloat64()}
		fwd, err := BuildTransform(r1, r2)
		if err != nil {
			continue
		}
		inv, err := Invert(fwd)
		require.NoError(t, err)

		v := Vec2{rng.Float64()*200 - 100, rng.Float64()*200 - 100}
		got := Apply(inv, Apply(fwd, v))
		cond := mat.Cond(fwd.Dense(), 2)
		tol := 1e-12 * cond * (1 + v.Norm())
		assert.InDelta(t, v[0], got[0], tol, "iteration %d", i)
		assert.InDelta(t, v[1], got[1], tol, "iteration %d", i)
	}
}

func TestInvertMatchesGonum(t *testing.T) {
	t.Parallel()
	m := Matrix2{{0.42, -0.07}, {0.11, 0.38}}
	inv, err := Invert(m)
	require.NoError(t, err)

	var want mat.Dense
	require.NoError(t, want.Inverse(m.Dense()))
	assert.True(t, mat.EqualApprox(inv.Dense(), &want, 1e-12))
	assert.True(t, ApproxEqual(Identity(), m.Mul(inv), 1e-12))
}

func TestApply(t *testing.T) {
	t.Parallel()
	m := Matrix2{{1, 2}, {3, 4}}
	assert.Equal(t, Vec2{5, 11}, Apply(m, Vec2{1, 2}))
	assert.Equal(t, Vec2{}, Apply(m, Vec2{}))
}

func TestVec2Helpers(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 5.0, Vec2{3, 4}.Norm(), 1e-12)
	assert.Equal(t, Vec2{4, 6}, Vec2{1, 2}.Add(Vec2{3, 4}))
	assert.Equal(t, Vec2{-2, -2}, Vec2{1, 2}.Sub(Vec2{3, 4}))
	assert.True(t, Matrix2{{math.NaN(), 0}, {0, 1}}.IsSingular())
}
