package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SourceProbe is the immutable description of a source asset.
type SourceProbe struct {
	Duration   time.Duration `json:"duration"`
	Container  string        `json:"container"`
	VideoCodec string        `json:"video_codec"`
	AudioCodec string        `json:"audio_codec,omitempty"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	FrameRate  float64       `json:"frame_rate"`
	Bitrate    int64         `json:"bitrate"`
}

func (p SourceProbe) HasAudio() bool { return p.AudioCodec != "" }

// Validate rejects probes that cannot drive a transcode.
func (p SourceProbe) Validate() error {
	if p.VideoCodec == "" {
		return ErrNoVideoStream
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid source resolution %dx%d", p.Width, p.Height)
	}
	if p.Duration <= 0 {
		return fmt.Errorf("invalid source duration %s", p.Duration)
	}
	return nil
}

// ffprobe JSON wire types (-print_format json -show_format -show_streams).

type ProbeFormat struct {
	FormatName string            `json:"format_name"`
	FormatLong string            `json:"format_long_name"`
	Duration   string            `json:"duration"`
	Size       string            `json:"size"`
	BitRate    string            `json:"bit_rate"`
	NbStreams  int               `json:"nb_streams"`
	Tags       map[string]string `json:"tags"`
}

type ProbeStream struct {
	Index        int            `json:"index"`
	CodecType    string         `json:"codec_type"`
	CodecName    string         `json:"codec_name"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	PixFmt       string         `json:"pix_fmt"`
	RFrameRate   string         `json:"r_frame_rate"`
	AvgFrameRate string         `json:"avg_frame_rate"`
	Duration     string         `json:"duration"`
	BitRate      string         `json:"bit_rate"`
	SampleRate   string         `json:"sample_rate"`
	Channels     int            `json:"channels"`
	Disposition  map[string]int `json:"disposition"`
}

type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// VideoStream returns the first video stream that is not an attached
// picture (cover art), or nil.
func (p *ProbeResult) VideoStream() *ProbeStream {
	for i := range p.Streams {
		s := &p.Streams[i]
		if s.CodecType == "video" && s.Disposition["attached_pic"] != 1 {
			return s
		}
	}
	return nil
}

func (p *ProbeResult) AudioStream() *ProbeStream {
	for i := range p.Streams {
		if p.Streams[i].CodecType == "audio" {
			return &p.Streams[i]
		}
	}
	return nil
}

// SourceProbe converts the wire result to the domain description.
func (p *ProbeResult) SourceProbe() (SourceProbe, error) {
	vs := p.VideoStream()
	if vs == nil {
		return SourceProbe{}, ErrNoVideoStream
	}

	seconds := ParseDuration(p.Format.Duration)
	if seconds <= 0 {
		seconds = ParseDuration(vs.Duration)
	}

	fps := ParseFrameRate(vs.AvgFrameRate)
	if fps == 0 {
		fps = ParseFrameRate(vs.RFrameRate)
	}

	bitrate := ParseSize(p.Format.BitRate)
	if bitrate == 0 {
		bitrate = ParseSize(vs.BitRate)
	}

	sp := SourceProbe{
		Duration:   time.Duration(seconds * float64(time.Second)),
		Container:  firstFormatName(p.Format.FormatName),
		VideoCodec: vs.CodecName,
		Width:      vs.Width,
		Height:     vs.Height,
		FrameRate:  math.Round(fps*1000) / 1000,
		Bitrate:    bitrate,
	}
	if as := p.AudioStream(); as != nil {
		sp.AudioCodec = as.CodecName
	}
	return sp, sp.Validate()
}

// firstFormatName picks the primary name out of ffprobe's comma list
// ("mov,mp4,m4a,3gp,3g2,mj2" -> "mov").
func firstFormatName(names string) string {
	if idx := strings.IndexByte(names, ','); idx >= 0 {
		return names[:idx]
	}
	return names
}

func ParseFrameRate(fraction string) float64 {
	if fraction == "" || fraction == "0/0" {
		return 0
	}
	var num, den int
	if _, err := fmt.Sscanf(fraction, "%d/%d", &num, &den); err == nil && den > 0 {
		return float64(num) / float64(den)
	}
	return 0
}

func ParseSize(sizeStr string) int64 {
	if sizeStr == "" {
		return 0
	}
	var size int64
	if _, err := fmt.Sscanf(sizeStr, "%d", &size); err == nil {
		return size
	}
	return 0
}

func ParseDuration(durationStr string) float64 {
	if durationStr == "" || durationStr == "N/A" {
		return 0
	}
	duration, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0
	}
	return duration
}
