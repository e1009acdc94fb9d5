package ffmpeg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeScript installs a POSIX shell script standing in for ffmpeg/ffprobe.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

// fakeEncoder writes a two-segment playlist next to the last argument and
// reports progress on stdout.
const fakeEncoder = `for last; do :; done
dir=$(dirname "$last")
printf 'out_time_us=3000000\nprogress=continue\nout_time_us=6000000\nprogress=continue\nprogress=end\n'
printf 'aaaa' > "$dir/seg_00000.ts"
printf 'bb' > "$dir/seg_00001.ts"
cat > "$last" <<'PLAYLIST'
#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:6.000000,
seg_00000.ts
#EXTINF:4.011000,
seg_00001.ts
#EXT-X-ENDLIST
PLAYLIST
`
