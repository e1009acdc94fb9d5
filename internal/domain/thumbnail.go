package domain

import "time"

// DefaultThumbnailFractions are the proportional extraction points.
var DefaultThumbnailFractions = []float64{0.1, 0.25, 0.5, 0.75, 0.9}

type ThumbnailPoint struct {
	Fraction float64
	Offset   time.Duration
}

// ThumbnailPoints maps fractions of duration to extraction offsets clamped
// to [0, duration). Offsets that would land on or past the end are pulled
// back by one millisecond so the decoder still finds a frame.
func ThumbnailPoints(duration time.Duration, fractions []float64) []ThumbnailPoint {
	if duration <= 0 {
		return nil
	}
	points := make([]ThumbnailPoint, 0, len(fractions))
	for _, f := range fractions {
		offset := time.Duration(f * float64(duration))
		if offset < 0 {
			offset = 0
		}
		if offset >= duration {
			offset = duration - time.Millisecond
			if offset < 0 {
				offset = 0
			}
		}
		points = append(points, ThumbnailPoint{Fraction: f, Offset: offset})
	}
	return points
}
