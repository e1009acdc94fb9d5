package ffmpeg

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bnema/reel/internal/domain"
)

// readSegments lists the segments ffmpeg's HLS muxer recorded in its media
// playlist, with sizes taken from disk. Every listed segment must exist.
func readSegments(playlistPath string) ([]domain.Segment, error) {
	f, err := os.Open(playlistPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dir := filepath.Dir(playlistPath)
	var (
		segments []domain.Segment
		pending  = -1.0
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#EXTINF:"):
			value := strings.TrimPrefix(line, "#EXTINF:")
			if idx := strings.IndexByte(value, ','); idx >= 0 {
				value = value[:idx]
			}
			d, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("bad EXTINF %q: %w", line, err)
			}
			pending = d
		case strings.HasPrefix(line, "#"):
		default:
			if pending < 0 {
				return nil, fmt.Errorf("segment %q without EXTINF", line)
			}
			path := filepath.Join(dir, filepath.Base(line))
			info, err := os.Stat(path)
			if err != nil {
				return nil, fmt.Errorf("segment %s: %w", line, err)
			}
			segments = append(segments, domain.Segment{
				Name:      filepath.Base(line),
				Duration:  pending,
				SizeBytes: info.Size(),
				Path:      path,
			})
			pending = -1
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("playlist %s lists no segments", playlistPath)
	}
	return segments, nil
}
