package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThumbnailPoints_DefaultFractions(t *testing.T) {
	points := ThumbnailPoints(120*time.Second, DefaultThumbnailFractions)

	var offsets []time.Duration
	for _, p := range points {
		offsets = append(offsets, p.Offset)
	}
	assert.Equal(t, []time.Duration{12 * time.Second, 30 * time.Second, 60 * time.Second, 90 * time.Second, 108 * time.Second}, offsets)
}

func TestThumbnailPoints_Clamped(t *testing.T) {
	d := 10 * time.Second
	points := ThumbnailPoints(d, []float64{-0.5, 0, 1, 1.5})

	for _, p := range points {
		assert.GreaterOrEqual(t, p.Offset, time.Duration(0))
		assert.Less(t, p.Offset, d)
	}
	assert.Equal(t, time.Duration(0), points[0].Offset)
	assert.Equal(t, d-time.Millisecond, points[2].Offset)
}

func TestThumbnailPoints_ZeroDuration(t *testing.T) {
	assert.Empty(t, ThumbnailPoints(0, DefaultThumbnailFractions))
}
