package ffmpeg

import "regexp"

// reInputFailure matches diagnostics that mean the source itself is
// unusable. Retrying those can never succeed.
var reInputFailure = regexp.MustCompile(
	`(?i)Invalid data found when processing input|` +
		`moov atom not found|` +
		`No such file or directory|` +
		`could not find codec parameters|` +
		`does not contain any stream|` +
		`Unknown format|` +
		`EBML header parsing failed|` +
		`Decoder \(codec .*\) not found|` +
		`Output file #0 does not contain any stream|` +
		`Stream map '0:v:0' matches no streams|` +
		// libx264 with yuv420p rejects odd dimensions, e.g. a 853x481
		// source kept at its own resolution.
		`(width|height) not divisible by 2`)

func IsInputFailure(stderr string) bool {
	return reInputFailure.MatchString(stderr)
}
