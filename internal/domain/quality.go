package domain

import (
	"fmt"
	"math"
	"sort"
)

// QualityTarget describes one rendition to produce. Bitrates are bits/sec.
type QualityTarget struct {
	Name         string  `json:"name"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	VideoBitrate int64   `json:"video_bitrate"`
	AudioBitrate int64   `json:"audio_bitrate"`
	FrameRateCap float64 `json:"frame_rate_cap"`
}

// Bandwidth is the declared peak bandwidth advertised in manifests.
func (q QualityTarget) Bandwidth() int64 {
	return q.VideoBitrate + q.AudioBitrate
}

func (q QualityTarget) Resolution() string {
	return fmt.Sprintf("%dx%d", q.Width, q.Height)
}

// Catalog is an ordered, ascending-by-height quality table.
type Catalog []QualityTarget

var defaultCatalog = Catalog{
	{Name: "144p", Width: 256, Height: 144, VideoBitrate: 200_000, AudioBitrate: 64_000, FrameRateCap: 30},
	{Name: "240p", Width: 426, Height: 240, VideoBitrate: 400_000, AudioBitrate: 64_000, FrameRateCap: 30},
	{Name: "360p", Width: 640, Height: 360, VideoBitrate: 800_000, AudioBitrate: 96_000, FrameRateCap: 30},
	{Name: "480p", Width: 854, Height: 480, VideoBitrate: 1_400_000, AudioBitrate: 128_000, FrameRateCap: 30},
	{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2_800_000, AudioBitrate: 128_000, FrameRateCap: 60},
	{Name: "1080p", Width: 1920, Height: 1080, VideoBitrate: 5_000_000, AudioBitrate: 192_000, FrameRateCap: 60},
	{Name: "1440p", Width: 2560, Height: 1440, VideoBitrate: 9_000_000, AudioBitrate: 192_000, FrameRateCap: 60},
	{Name: "2160p", Width: 3840, Height: 2160, VideoBitrate: 16_000_000, AudioBitrate: 192_000, FrameRateCap: 60},
}

// DefaultCatalog returns a copy of the built-in 144p..2160p table.
func DefaultCatalog() Catalog {
	out := make(Catalog, len(defaultCatalog))
	copy(out, defaultCatalog)
	return out
}

// Lookup finds a catalog entry by name.
func (c Catalog) Lookup(name string) (QualityTarget, bool) {
	for _, q := range c {
		if q.Name == name {
			return q, true
		}
	}
	return QualityTarget{}, false
}

// PlanLadder filters the catalog down to tiers that do not upscale the
// source, ordered ascending by height. Widths follow the source aspect ratio
// rounded to an even number so encoders accept them. A source below the
// lowest tier yields a single target at the source's own resolution.
func PlanLadder(src SourceProbe, catalog Catalog) []QualityTarget {
	sorted := make(Catalog, len(catalog))
	copy(sorted, catalog)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Height < sorted[j].Height })

	var ladder []QualityTarget
	for _, q := range sorted {
		if q.Height > src.Height {
			continue
		}
		q.Width = widthForHeight(src, q.Height, q.Width)
		ladder = append(ladder, q)
	}
	if len(ladder) > 0 {
		return ladder
	}

	floor := QualityTarget{VideoBitrate: 200_000, AudioBitrate: 64_000, FrameRateCap: 30}
	if len(sorted) > 0 {
		floor = sorted[0]
	}
	return []QualityTarget{{
		Name:         fmt.Sprintf("%dp", src.Height),
		Width:        src.Width,
		Height:       src.Height,
		VideoBitrate: floor.VideoBitrate,
		AudioBitrate: floor.AudioBitrate,
		FrameRateCap: floor.FrameRateCap,
	}}
}

func widthForHeight(src SourceProbe, height, fallback int) int {
	if src.Width <= 0 || src.Height <= 0 {
		return fallback
	}
	if height == src.Height {
		return src.Width
	}
	w := float64(src.Width) * float64(height) / float64(src.Height)
	even := int(2 * math.Round(w/2))
	if even < 2 {
		even = 2
	}
	return even
}
