package operation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webauto/internal/browser"
	"webauto/internal/container"
)

func TestPointInViewport(t *testing.T) {
	tests := []struct {
		name string
		x, y float64
		want bool
	}{
		{"center", 640, 400, true},
		{"origin", 0, 0, true},
		{"negative x", -1, 100, false},
		{"negative y", 100, -1, false},
		{"at right edge", 1280, 400, false},
		{"at bottom edge", 640, 800, false},
		{"just inside", 1279.5, 799.5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pointInViewport(tt.x, tt.y, 1280, 800))
		})
	}
}

func TestFindBySignaturePrefersSameIndex(t *testing.T) {
	matches := []container.MatchResult{
		{ContainerID: "c", Index: 0, Signature: "sig-a"},
		{ContainerID: "c", Index: 1, Signature: "sig-b"},
		{ContainerID: "c", Index: 2, Signature: "sig-b"},
	}

	m, err := findBySignature(matches, "sig-b", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Index)

	// index drifted: locate by signature anywhere in the re-matched set
	m, err = findBySignature(matches, "sig-a", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Index)

	_, err = findBySignature(matches, "sig-gone", 0)
	assert.Error(t, err)
}

func TestPickIndex(t *testing.T) {
	matches := []container.MatchResult{
		{Index: 0, Signature: "a"},
		{Index: 1, Signature: "b"},
	}

	m, err := pickIndex(matches, 1)
	require.NoError(t, err)
	assert.Equal(t, "b", m.Signature)

	// negative index normalizes to the first match
	m, err = pickIndex(matches, -1)
	require.NoError(t, err)
	assert.Equal(t, "a", m.Signature)

	_, err = pickIndex(matches, 2)
	assert.Error(t, err)

	_, err = pickIndex(nil, 0)
	assert.Error(t, err)
}

func TestCandidatePointGeometry(t *testing.T) {
	rect := browser.Rect{X: 100, Y: 200, W: 60, H: 40}

	cx, cy := rect.Center()
	assert.Equal(t, 130.0, cx)
	assert.Equal(t, 220.0, cy)

	edges := rect.PaddedEdgeMidpoints(edgePad)
	assert.Equal(t, [2]float64{130, 204}, edges[0]) // top
	assert.Equal(t, [2]float64{130, 236}, edges[1]) // bottom
	assert.Equal(t, [2]float64{104, 220}, edges[2]) // left
	assert.Equal(t, [2]float64{156, 220}, edges[3]) // right
}

func TestWaitPostConditionSatisfied(t *testing.T) {
	calls := 0
	ok, err := waitPostCondition(context.Background(), func(ctx context.Context) (bool, error) {
		calls++
		return calls >= 2, nil
	}, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, calls)
}

func TestWaitPostConditionTimesOut(t *testing.T) {
	ok, err := waitPostCondition(context.Background(), func(ctx context.Context) (bool, error) {
		return false, nil
	}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWaitPostConditionCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := waitPostCondition(ctx, func(ctx context.Context) (bool, error) {
		return false, nil
	}, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
