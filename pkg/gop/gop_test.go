package gop

import (
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func testPlanner(t *testing.T, cfg Config) *Planner {
	p, err := NewPlanner(logs.NewTestingLog(t), cfg)
	require.NoError(t, err)
	return p
}

func TestConfigValidation(t *testing.T) {
	_, err := NewPlanner(logs.NewTestingLog(t), Config{Family: "XYZ", GOPSize: 8, IntraPeriod: 32})
	require.Error(t, err)

	_, err = NewPlanner(logs.NewTestingLog(t), Config{Family: FamilyRandomAccess, GOPSize: 0, IntraPeriod: 32})
	require.Error(t, err)

	_, err = NewPlanner(logs.NewTestingLog(t), Config{Family: FamilyLowDelayP, GOPSize: 8, IntraPeriod: 0})
	require.Error(t, err)

	// Defaults fill in
	p := testPlanner(t, Config{Family: FamilyRandomAccess, GOPSize: 8, IntraPeriod: 32})
	require.Equal(t, 8, p.Config().KeyframeInterval)
	require.Equal(t, []int{1, 2, 3, 4}, p.Config().QPOffsets)
}

func TestAllIntra(t *testing.T) {
	p := testPlanner(t, Config{Family: FamilyAllIntra, GOPSize: 8, IntraPeriod: 1, KeyframeInterval: 10})
	for _, n := range []int{1, 7, 100} {
		frames := p.FrameStructure(n)
		require.Len(t, frames, n)
		keyframes := p.KeyframeIndices(n)
		require.Len(t, keyframes, n)
		for i, f := range frames {
			require.Equal(t, i, f.Index)
			require.Equal(t, RoleIntra, f.Role)
			require.Equal(t, 0, f.TemporalLayer)
			require.Empty(t, f.RefFrames)
			require.True(t, f.IsKeyframe)
			require.Equal(t, i, keyframes[i])
		}
	}
}

func TestLowDelayP(t *testing.T) {
	p := testPlanner(t, Config{Family: FamilyLowDelayP, GOPSize: 8, IntraPeriod: 16, KeyframeInterval: 10})
	frames := p.FrameStructure(40)
	require.Len(t, frames, 40)
	for i, f := range frames {
		if i%16 == 0 {
			require.Equal(t, RoleIntra, f.Role)
			require.Empty(t, f.RefFrames)
			require.True(t, f.IsKeyframe)
		} else {
			require.Equal(t, RolePredicted, f.Role)
			require.Equal(t, []int{i - 1}, f.RefFrames)
			require.Equal(t, i%10 == 0, f.IsKeyframe)
		}
	}
}

// Bisection of an 8 frame mini-GOP must be fully deterministic: the midpoint
// sequence in coding order, and the layer and QP offset of each midpoint.
func TestHierarchicalBisection(t *testing.T) {
	p := testPlanner(t, Config{Family: FamilyRandomAccess, GOPSize: 8, IntraPeriod: 32, QPOffsets: []int{1, 2, 3, 4}})
	frames := p.hierarchicalBFrames(0, 8, 0, 4)

	expectPOC := []int{4, 2, 1, 0, 3, 6, 5, 7}
	expectLayer := []int{0, 1, 2, 3, 2, 1, 2, 2}
	expectOffset := []int{1, 2, 3, 4, 3, 2, 3, 3}
	require.Len(t, frames, len(expectPOC))
	for i, f := range frames {
		require.Equal(t, expectPOC[i], f.POC)
		require.Equal(t, expectLayer[i], f.TemporalLayer)
		require.Equal(t, expectOffset[i], f.QPOffset)
		require.Equal(t, RoleBidirectional, f.Role)
	}
}

// No frame may reference itself in any family, and for hierarchical B every
// reference to an earlier display-order frame must already be emitted by the
// time the referencing frame appears in coding order.
func TestReferenceOrdering(t *testing.T) {
	for _, family := range []Family{FamilyAllIntra, FamilyRandomAccess, FamilyLowDelayP} {
		p := testPlanner(t, Config{Family: family, GOPSize: 8, IntraPeriod: 32, KeyframeInterval: 10})
		for _, n := range []int{1, 17, 100} {
			for _, f := range p.FrameStructure(n) {
				for _, ref := range f.RefFrames {
					require.NotEqual(t, f.Index, ref)
				}
			}
		}
	}

	// Coding-order availability of past references within a mini-GOP
	p := testPlanner(t, Config{Family: FamilyRandomAccess, GOPSize: 8, IntraPeriod: 32, KeyframeInterval: 10})
	emitted := map[int]bool{0: true} // GOP anchor is coded first
	for _, f := range p.hierarchicalBFrames(1, 9, 0, 4) {
		for _, ref := range f.RefFrames {
			if ref < f.Index {
				require.True(t, emitted[ref], "frame %v references %v before it is coded", f.Index, ref)
			}
		}
		emitted[f.Index] = true
	}
}

func TestGOPBoundaries(t *testing.T) {
	ai := testPlanner(t, Config{Family: FamilyAllIntra, GOPSize: 8, IntraPeriod: 1})
	b := ai.GOPBoundaries(3)
	require.Equal(t, []GOPBoundary{{0, 1}, {1, 2}, {2, 3}}, b)

	ra := testPlanner(t, Config{Family: FamilyRandomAccess, GOPSize: 8, IntraPeriod: 32})
	b = ra.GOPBoundaries(20)
	require.Equal(t, []GOPBoundary{{0, 8}, {8, 16}, {16, 20}}, b)
}

func TestKeyframeCounts(t *testing.T) {
	// All-Intra: every frame is a keyframe
	ai := testPlanner(t, Config{Family: FamilyAllIntra, GOPSize: 10, IntraPeriod: 1, KeyframeInterval: 10})
	require.Len(t, ai.KeyframeIndices(100), 100)

	// Random access: GOP anchors plus bisection midpoints landing on
	// multiples of the keyframe interval
	ra := testPlanner(t, Config{Family: FamilyRandomAccess, GOPSize: 10, IntraPeriod: 32, KeyframeInterval: 10})
	keyframes := ra.KeyframeIndices(100)
	require.Equal(t, []int{0, 10, 20, 30, 32, 40, 50, 60, 64, 70, 80, 90, 96}, keyframes)
}

func TestReferenceFrames(t *testing.T) {
	p := testPlanner(t, Config{Family: FamilyLowDelayP, GOPSize: 8, IntraPeriod: 16, KeyframeInterval: 10})
	require.Nil(t, p.ReferenceFrames(0, 40))
	require.Equal(t, []int{4}, p.ReferenceFrames(5, 40))
	require.Nil(t, p.ReferenceFrames(999, 40))
}
