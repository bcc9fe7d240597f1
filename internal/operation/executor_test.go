package operation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webauto/internal/apierr"
	"webauto/internal/container"
)

func TestResolveFieldKind(t *testing.T) {
	tests := []struct {
		field string
		want  fieldKind
	}{
		{"text", fieldText},
		{"href", fieldAttribute},
		{"src", fieldAttribute},
		{"title", fieldNestedSelector},
		{".author .name", fieldNestedSelector},
		{"userId", fieldNestedSelector},
		{"", fieldNestedSelector},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resolveFieldKind(tt.field), "field %q", tt.field)
	}
}

func TestResolveFields(t *testing.T) {
	declared := []string{"href", "title"}

	// explicit request wins
	assert.Equal(t, []string{"text"}, resolveFields([]string{"text"}, declared))

	// empty request falls back to the container's declared extractFields
	assert.Equal(t, declared, resolveFields(nil, declared))
	assert.Equal(t, declared, resolveFields([]string{}, declared))

	// nothing declared either: nil, extractRow falls back to whole-row text
	assert.Nil(t, resolveFields(nil, nil))
}

func TestSelectMatchesVisibleOnly(t *testing.T) {
	matches := []container.MatchResult{
		{Index: 0, InViewport: true},
		{Index: 1, InViewport: false},
		{Index: 2, InViewport: true},
		{Index: 3, InViewport: false},
	}

	all := selectMatches(matches, false, 0)
	require.Len(t, all, 4)

	visible := selectMatches(matches, true, 0)
	require.Len(t, visible, 2)
	assert.Equal(t, 0, visible[0].Index)
	assert.Equal(t, 2, visible[1].Index)
}

func TestSelectMatchesMaxItems(t *testing.T) {
	matches := []container.MatchResult{
		{Index: 0, InViewport: true},
		{Index: 1, InViewport: false},
		{Index: 2, InViewport: true},
	}

	capped := selectMatches(matches, false, 2)
	require.Len(t, capped, 2)
	assert.Equal(t, []int{0, 1}, []int{capped[0].Index, capped[1].Index})

	// the cap applies after the visibility filter, rows mirror DOM order
	visibleCapped := selectMatches(matches, true, 1)
	require.Len(t, visibleCapped, 1)
	assert.Equal(t, 0, visibleCapped[0].Index)

	assert.Empty(t, selectMatches(nil, false, 3))
}

func TestHighlightDefaults(t *testing.T) {
	style, duration := highlightDefaults("", 0)
	assert.Contains(t, style, "outline")
	assert.Equal(t, 1500*time.Millisecond, duration)

	style, duration = highlightDefaults("background: yellow;", 2*time.Second)
	assert.Equal(t, "background: yellow;", style)
	assert.Equal(t, 2*time.Second, duration)

	// negative duration is treated as unset
	_, duration = highlightDefaults("", -time.Second)
	assert.Equal(t, 1500*time.Millisecond, duration)
}

func TestScrollDelta(t *testing.T) {
	tests := []struct {
		direction string
		amount    float64
		want      float64
	}{
		{"down", 300, 300},
		{"up", 300, -300},
		{"down", 0, 600},
		{"up", 0, -600},
		{"", 0, 600},
		{"down", -50, 600},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, scrollDelta(tt.direction, tt.amount), "%s/%v", tt.direction, tt.amount)
	}
}

func TestTypeRequiresText(t *testing.T) {
	e := NewExecutor(nil)
	err := e.Type(context.Background(), nil, TypeOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, &apierr.Error{Code: apierr.CodeTypeNoFocus})
}
