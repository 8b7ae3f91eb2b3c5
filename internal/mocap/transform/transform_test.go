package transform

import (
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestParseAxis(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Axis
	}{
		{"+Z", PosZ},
		{"-z", NegZ},
		{"Y", PosY},
		{" +X ", PosX},
		{"ZAxisUpwards", PosZ},
		{"NegativeYAxisUpwards", NegY},
	}
	for _, tt := range tests {
		got, err := ParseAxis(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseAxis("W")
	assert.Error(t, err)
	assert.Equal(t, "-Y", NegY.String())
}

func TestNew_RejectsBadScale(t *testing.T) {
	t.Parallel()

	for _, s := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := New(Source(PosZ), UnityTarget(), s)
		assert.Error(t, err, "scale %v", s)
	}
}

func TestPosition_ZUpToUnity(t *testing.T) {
	t.Parallel()

	tr, err := New(Source(PosZ), UnityTarget(), MillimetresPerMetre)
	require.NoError(t, err)

	tests := []struct {
		name string
		in   record.Vec3
		want record.Vec3
	}{
		{"up", record.Vec3{Z: 1000}, record.Vec3{Y: 1}},
		{"x unchanged", record.Vec3{X: 500}, record.Vec3{X: 0.5}},
		// +Y source rotates to -Z, which the mirror flips to +Z.
		{"forward", record.Vec3{Y: 2000}, record.Vec3{Z: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tr.Position(tt.in), tt.want, approx); diff != "" {
				t.Errorf("Position(%v) mismatch (-got +want):\n%s", tt.in, diff)
			}
		})
	}
}

func TestDirection_NotScaled(t *testing.T) {
	t.Parallel()

	tr, err := New(Source(PosZ), UnityTarget(), MillimetresPerMetre)
	require.NoError(t, err)
	got := tr.Direction(record.Vec3{Z: 1})
	assert.True(t, cmp.Equal(got, record.Vec3{Y: 1}, approx), "got %v", got)
}

func TestIdentityIsIdempotent(t *testing.T) {
	t.Parallel()

	id := Identity(UnityTarget())
	v := record.Vec3{X: 1.5, Y: -2, Z: 3.25}
	q := record.Quat{X: 0.1, Y: 0.2, Z: 0.3, W: math.Sqrt(1 - 0.14)}
	for i := 0; i < 5; i++ {
		v = id.Position(v)
		q = id.Rotation(q)
	}
	assert.True(t, cmp.Equal(v, record.Vec3{X: 1.5, Y: -2, Z: 3.25}, approx))
	assert.True(t, cmp.Equal(q, record.Quat{X: 0.1, Y: 0.2, Z: 0.3, W: math.Sqrt(1 - 0.14)}, approx))
}

func TestInverseRoundTrip(t *testing.T) {
	t.Parallel()

	axes := []Axis{PosX, NegX, PosY, NegY, PosZ, NegZ}
	samples := []record.Vec3{
		{X: 1, Y: 2, Z: 3},
		{X: -1000, Y: 0.5, Z: 250},
		{},
	}
	q := record.Quat{X: 0.5, Y: -0.5, Z: 0.5, W: 0.5}

	for _, src := range axes {
		for _, dst := range axes {
			for _, hand := range []Handedness{RightHanded, LeftHanded} {
				name := fmt.Sprintf("%s->%s/%s", src, dst, hand)
				target := Convention{Up: dst, Handedness: hand, Mirror: PosX}
				tr, err := New(Source(src), target, 1000)
				require.NoError(t, err, name)

				for _, v := range samples {
					got := tr.InversePosition(tr.Position(v))
					assert.True(t, cmp.Equal(got, v, cmpopts.EquateApprox(0, 1e-9)), "%s position %v -> %v", name, v, got)
					back := tr.Position(tr.InversePosition(v))
					assert.True(t, cmp.Equal(back, v, cmpopts.EquateApprox(0, 1e-9)), "%s inverse %v -> %v", name, v, back)
					dir := tr.InverseDirection(tr.Direction(v))
					assert.True(t, cmp.Equal(dir, v, cmpopts.EquateApprox(0, 1e-9)), "%s direction", name)
				}
				gq := tr.InverseRotation(tr.Rotation(q))
				assert.True(t, cmp.Equal(gq, q, approx), "%s rotation %v", name, gq)

				// The up axis always lands on the target up axis.
				up := tr.Direction(fromR3(src.Vec()))
				want := fromR3(dst.Vec())
				if hand != RightHanded && dst.Index() == 0 {
					want.X = -want.X
				}
				assert.True(t, cmp.Equal(up, want, cmpopts.EquateApprox(0, 1e-9)), "%s up %v", name, up)
			}
		}
	}
}

func TestRotation_MirrorsZ(t *testing.T) {
	t.Parallel()

	tr, err := New(Source(PosY), Convention{Up: PosY, Handedness: LeftHanded, Mirror: PosZ}, 1)
	require.NoError(t, err)
	// Same up axis: only the reflection applies, negating x and y of the
	// vector part, equivalently z and w.
	got := tr.Rotation(record.Quat{X: 0.1, Y: 0.2, Z: 0.3, W: 0.9})
	assert.True(t, cmp.Equal(got, record.Quat{X: -0.1, Y: -0.2, Z: 0.3, W: 0.9}, approx), "got %v", got)
}
