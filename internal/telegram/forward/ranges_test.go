package forward

import (
	"testing"

	"relay_bot/internal/telegram/models"

	"github.com/stretchr/testify/require"
)

func TestNormalizeRanges(t *testing.T) {
	tests := []struct {
		name       string
		ranges     []models.Range
		checkpoint int
		want       []models.Range
	}{
		{
			name:       "empty input",
			checkpoint: 10,
			want:       []models.Range{},
		},
		{
			name:       "drops empty and sorts newest first",
			ranges:     []models.Range{{After: 1, Before: 5}, {After: 7, Before: 8}, {After: 20, Before: 30}},
			checkpoint: 100,
			want:       []models.Range{{After: 20, Before: 30}, {After: 1, Before: 5}},
		},
		{
			name:       "merges overlapping and touching",
			ranges:     []models.Range{{After: 10, Before: 21}, {After: 20, Before: 40}, {After: 39, Before: 41}, {After: 0, Before: 5}},
			checkpoint: 100,
			want:       []models.Range{{After: 10, Before: 41}, {After: 0, Before: 5}},
		},
		{
			name:       "clips above checkpoint",
			ranges:     []models.Range{{After: 40, Before: 90}, {After: 60, Before: 90}},
			checkpoint: 50,
			want:       []models.Range{{After: 40, Before: 51}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, normalizeRanges(tt.ranges, tt.checkpoint))
		})
	}
}

func TestBuildSegments(t *testing.T) {
	segments := buildSegments(30, []models.Range{{After: 0, Before: 10}, {After: 15, Before: 25}})

	require.Equal(t, []segment{
		{after: 30, top: true},
		{after: 15, before: 25},
		{after: 0, before: 10},
	}, segments)
	require.Equal(t, "(30, +inf)", segments[0].String())
	require.Equal(t, "(15, 25)", segments[1].String())
}

func TestSegmentWalkRemainder(t *testing.T) {
	t.Run("top without progress", func(t *testing.T) {
		w := newSegmentWalk(segment{after: 10, top: true})
		w.processed(50)
		_, ok := w.remainder(false)
		require.False(t, ok)
	})

	t.Run("top after forwarding", func(t *testing.T) {
		w := newSegmentWalk(segment{after: 10, top: true})
		w.processed(50)
		rg, ok := w.remainder(true)
		require.True(t, ok)
		require.Equal(t, models.Range{After: 10, Before: 50}, rg)
	})

	t.Run("gap untouched", func(t *testing.T) {
		w := newSegmentWalk(segment{after: 5, before: 20})
		rg, ok := w.remainder(false)
		require.True(t, ok)
		require.Equal(t, models.Range{After: 5, Before: 20}, rg)
	})

	t.Run("gap fully processed", func(t *testing.T) {
		w := newSegmentWalk(segment{after: 5, before: 20})
		w.processed(6)
		_, ok := w.remainder(false)
		require.False(t, ok)
	})
}

func TestSegmentWalkFailures(t *testing.T) {
	w := newSegmentWalk(segment{after: 0, before: 100})
	w.failed(90)
	w.failed(88) // 中间跳过的消息也并入
	w.closeFailure()
	w.failed(50)
	w.closeFailure()
	w.closeFailure()

	require.Equal(t, []models.Range{{After: 87, Before: 91}, {After: 49, Before: 51}}, w.failures)
}
