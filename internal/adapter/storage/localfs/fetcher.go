package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/bnema/reel/internal/domain"
	"github.com/bnema/reel/internal/port"
)

var ErrNotMedia = errors.New("source is not a media file")

// sniffSize is how many leading bytes content detection looks at.
const sniffSize = 512

// Fetcher resolves file:// references and plain paths in place. Nothing is
// copied into scratch.
type Fetcher struct{}

func NewFetcher() *Fetcher { return &Fetcher{} }

func (f *Fetcher) Fetch(ctx context.Context, ref, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := strings.TrimPrefix(ref, "file://")
	if path == "" {
		return "", domain.InputError(domain.JobStateProbing, fmt.Errorf("empty source path"))
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", domain.InputError(domain.JobStateProbing, fmt.Errorf("source %s: %w", path, err))
		}
		return "", domain.TransientError(domain.JobStateProbing, fmt.Errorf("stat source: %w", err))
	}
	if info.IsDir() {
		return "", domain.InputError(domain.JobStateProbing, fmt.Errorf("source %s is a directory", path))
	}
	if info.Size() == 0 {
		return "", domain.InputError(domain.JobStateProbing, fmt.Errorf("source %s is empty", path))
	}

	fh, err := os.Open(path)
	if err != nil {
		return "", domain.TransientError(domain.JobStateProbing, fmt.Errorf("open source: %w", err))
	}
	defer fh.Close()

	mime, err := SniffContentType(fh)
	if err != nil {
		return "", domain.TransientError(domain.JobStateProbing, fmt.Errorf("read source: %w", err))
	}
	if !plausibleMedia(mime) {
		return "", domain.InputError(domain.JobStateProbing, fmt.Errorf("%w: detected %s", ErrNotMedia, mime))
	}
	return path, nil
}

// SniffContentType detects a MIME type from the leading bytes of r.
// Containers the standard detector misses are checked first.
func SniffContentType(r io.Reader) (string, error) {
	buf := make([]byte, sniffSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}
	if n == 0 {
		return "application/octet-stream", nil
	}
	buf = buf[:n]
	if mime := detectContainer(buf); mime != "" {
		return mime, nil
	}
	return http.DetectContentType(buf), nil
}

func detectContainer(buf []byte) string {
	// ISO BMFF: size(4) + "ftyp"; brand "qt  " is QuickTime.
	if len(buf) >= 12 && string(buf[4:8]) == "ftyp" {
		if string(buf[8:12]) == "qt  " {
			return "video/quicktime"
		}
		return "video/mp4"
	}
	// MPEG-TS: sync byte every 188 bytes.
	if len(buf) >= 377 && buf[0] == 0x47 && buf[188] == 0x47 && buf[376] == 0x47 {
		return "video/mp2t"
	}
	// Matroska / WebM EBML header.
	if len(buf) >= 4 && buf[0] == 0x1A && buf[1] == 0x45 && buf[2] == 0xDF && buf[3] == 0xA3 {
		return "video/x-matroska"
	}
	return ""
}

// plausibleMedia rejects content that can never carry a video stream. Unknown
// binary is let through for ffprobe to judge.
func plausibleMedia(mime string) bool {
	switch {
	case strings.HasPrefix(mime, "text/"),
		strings.HasPrefix(mime, "image/"),
		strings.HasPrefix(mime, "audio/"),
		strings.HasPrefix(mime, "font/"),
		mime == "application/pdf",
		mime == "application/zip",
		mime == "application/x-gzip":
		return false
	}
	return true
}

var _ port.SourceFetcher = (*Fetcher)(nil)
