package hls

import (
	"fmt"
	"math"
	"path"
	"sort"
	"strings"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/port"
)

const audioCodec = "mp4a.40.2"

// Synthesizer renders HLS master and media playlists. Output is a pure
// function of its input; nothing is read back from earlier runs.
type Synthesizer struct{}

func NewSynthesizer() *Synthesizer {
	return &Synthesizer{}
}

// Synthesize builds one media playlist per succeeded rendition and a master
// playlist listing them strictly ascending by declared bandwidth. All media
// playlists share one target duration so players can switch on aligned
// segment boundaries. The master manifest is last in the result.
func (s *Synthesizer) Synthesize(jobID string, renditions []domain.RenditionArtifact, opts port.ManifestOptions) ([]domain.Manifest, error) {
	ladder := orderForMaster(renditions)
	if len(ladder) == 0 {
		return nil, domain.ErrNoRenditions
	}

	target := targetDuration(ladder, opts.SegmentSeconds)
	manifests := make([]domain.Manifest, 0, len(ladder)+1)
	for _, r := range ladder {
		if len(r.Segments) == 0 {
			return nil, fmt.Errorf("rendition %s has no segments", r.Quality.Name)
		}
		manifests = append(manifests, domain.Manifest{
			JobID:      jobID,
			Kind:       domain.ManifestPerQuality,
			Quality:    r.Quality.Name,
			Content:    mediaPlaylist(r, target),
			StorageKey: domain.PlaylistKey(jobID, r.Quality.Name),
		})
	}
	manifests = append(manifests, domain.Manifest{
		JobID:      jobID,
		Kind:       domain.ManifestMaster,
		Content:    masterPlaylist(ladder, opts.HasAudio),
		StorageKey: domain.MasterKey(jobID),
	})
	return manifests, nil
}

// orderForMaster keeps succeeded renditions, sorts them by bandwidth and
// drops any entry that would not strictly increase it.
func orderForMaster(renditions []domain.RenditionArtifact) []domain.RenditionArtifact {
	var ok []domain.RenditionArtifact
	for _, r := range renditions {
		if r.Succeeded() {
			ok = append(ok, r)
		}
	}
	sort.SliceStable(ok, func(i, j int) bool {
		bi, bj := ok[i].Quality.Bandwidth(), ok[j].Quality.Bandwidth()
		if bi != bj {
			return bi < bj
		}
		return ok[i].Quality.Height < ok[j].Quality.Height
	})

	out := ok[:0]
	var last int64 = -1
	for _, r := range ok {
		if bw := r.Quality.Bandwidth(); bw > last {
			out = append(out, r)
			last = bw
		}
	}
	return out
}

func targetDuration(ladder []domain.RenditionArtifact, segmentSeconds int) int {
	target := segmentSeconds
	for _, r := range ladder {
		if d := int(math.Ceil(r.MaxSegmentDuration())); d > target {
			target = d
		}
	}
	if target <= 0 {
		target = 1
	}
	return target
}

func mediaPlaylist(r domain.RenditionArtifact, target int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	for _, seg := range r.Segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", seg.Duration, seg.Name)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

func masterPlaylist(ladder []domain.RenditionArtifact, hasAudio bool) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	for _, r := range ladder {
		q := r.Quality
		codecs := videoCodec(q.Height)
		if hasAudio {
			codecs += "," + audioCodec
		}
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s,CODECS=\"%s\"",
			q.Bandwidth(), q.Resolution(), codecs)
		if q.FrameRateCap > 0 {
			fmt.Fprintf(&b, ",FRAME-RATE=%.3f", q.FrameRateCap)
		}
		b.WriteString("\n")
		b.WriteString(path.Join(q.Name, "index.m3u8"))
		b.WriteString("\n")
	}
	return b.String()
}

// videoCodec is the RFC 6381 string for H.264 High profile at the level
// the encoder picks for this height.
func videoCodec(height int) string {
	switch {
	case height <= 480:
		return "avc1.64001e"
	case height <= 720:
		return "avc1.64001f"
	case height <= 1080:
		return "avc1.640028"
	case height <= 1440:
		return "avc1.640032"
	default:
		return "avc1.640033"
	}
}

var _ port.ManifestSynthesizer = (*Synthesizer)(nil)
