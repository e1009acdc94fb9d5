package ffmpeg

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// readProgress consumes ffmpeg's "-progress pipe:1" key=value stream and
// reports encoded time as a fraction of total. Reports never go backwards.
func readProgress(r io.Reader, total time.Duration, report func(float64)) {
	if report == nil {
		report = func(float64) {}
	}
	var last float64
	emit := func(f float64) {
		if f > 1 {
			f = 1
		}
		if f > last {
			last = f
			report(f)
		}
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// ffmpeg reports both in microseconds.
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || us < 0 || total <= 0 {
				continue
			}
			emit(float64(time.Duration(us)*time.Microsecond) / float64(total))
		case "out_time":
			if d, ok := parseClock(value); ok && total > 0 {
				emit(float64(d) / float64(total))
			}
		case "progress":
			if value == "end" {
				emit(1)
			}
		}
	}
}

// parseClock parses HH:MM:SS.micro.
func parseClock(v string) (time.Duration, bool) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	s, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil || h < 0 || m < 0 || s < 0 {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s*float64(time.Second)), true
}
