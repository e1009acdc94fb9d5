package domain

import (
	"fmt"
	"path"
)

// Storage layout of a job's published artifacts:
//
//	<job>/master.m3u8
//	<job>/<quality>/index.m3u8
//	<job>/<quality>/seg_00000.ts
//	<job>/thumbnails/thumb_<nnn>.jpg

func MasterKey(jobID string) string {
	return path.Join(jobID, "master.m3u8")
}

func PlaylistKey(jobID, quality string) string {
	return path.Join(jobID, quality, "index.m3u8")
}

func SegmentKey(jobID, quality, segment string) string {
	return path.Join(jobID, quality, segment)
}

// ThumbnailKey names thumbnails by their position in percent of duration.
func ThumbnailKey(jobID string, fraction float64) string {
	return path.Join(jobID, "thumbnails", fmt.Sprintf("thumb_%03d.jpg", int(fraction*100+0.5)))
}
