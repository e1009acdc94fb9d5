package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(targets []QualityTarget) []string {
	out := make([]string, len(targets))
	for i, q := range targets {
		out[i] = q.Name
	}
	return out
}

func TestPlanLadder(t *testing.T) {
	tests := []struct {
		name   string
		width  int
		height int
		want   []string
	}{
		{"1080p source", 1920, 1080, []string{"144p", "240p", "360p", "480p", "720p", "1080p"}},
		{"720p source", 1280, 720, []string{"144p", "240p", "360p", "480p", "720p"}},
		{"between tiers", 1000, 500, []string{"144p", "240p", "360p", "480p"}},
		{"4k source", 3840, 2160, []string{"144p", "240p", "360p", "480p", "720p", "1080p", "1440p", "2160p"}},
		{"exactly lowest tier", 256, 144, []string{"144p"}},
		{"below lowest tier", 160, 120, []string{"120p"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := SourceProbe{Width: tt.width, Height: tt.height}
			ladder := PlanLadder(src, DefaultCatalog())
			assert.Equal(t, tt.want, names(ladder))
			for _, q := range ladder {
				assert.LessOrEqual(t, q.Height, tt.height, "never upscale")
			}
		})
	}
}

func TestPlanLadder_NeverUpscales(t *testing.T) {
	for h := 2; h <= 2400; h += 7 {
		ladder := PlanLadder(SourceProbe{Width: h * 16 / 9, Height: h}, DefaultCatalog())
		require.NotEmpty(t, ladder, "height %d", h)
		for i, q := range ladder {
			assert.LessOrEqual(t, q.Height, h)
			if i > 0 {
				assert.Greater(t, q.Height, ladder[i-1].Height)
			}
		}
	}
}

func TestPlanLadder_FallbackMatchesSourceVerbatim(t *testing.T) {
	ladder := PlanLadder(SourceProbe{Width: 175, Height: 99}, DefaultCatalog())
	require.Len(t, ladder, 1)
	assert.Equal(t, 175, ladder[0].Width)
	assert.Equal(t, 99, ladder[0].Height)
	assert.Positive(t, ladder[0].VideoBitrate)
}

func TestPlanLadder_FollowsAspectRatio(t *testing.T) {
	ladder := PlanLadder(SourceProbe{Width: 1440, Height: 1080}, DefaultCatalog())
	q, ok := Catalog(ladder).Lookup("480p")
	require.True(t, ok)
	assert.Equal(t, 640, q.Width)
	top, _ := Catalog(ladder).Lookup("1080p")
	assert.Equal(t, 1440, top.Width)
}

func TestPlanLadder_Deterministic(t *testing.T) {
	src := SourceProbe{Width: 1920, Height: 1080}
	assert.Equal(t, PlanLadder(src, DefaultCatalog()), PlanLadder(src, DefaultCatalog()))
}

func TestDefaultCatalog_IsCopy(t *testing.T) {
	c := DefaultCatalog()
	c[0].Height = 9999
	assert.Equal(t, 144, DefaultCatalog()[0].Height)
}

func TestQualityTarget_Bandwidth(t *testing.T) {
	q := QualityTarget{VideoBitrate: 800_000, AudioBitrate: 96_000}
	assert.Equal(t, int64(896_000), q.Bandwidth())
}
