package ffmpeg

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bnema/reel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{
			name:    "valid path",
			path:    "/tmp/video.mp4",
			wantErr: nil,
		},
		{
			name:    "valid path with spaces",
			path:    "/tmp/my video.mp4",
			wantErr: nil,
		},
		{
			name:    "valid relative path",
			path:    "video.mp4",
			wantErr: nil,
		},
		{
			name:    "empty path",
			path:    "",
			wantErr: ErrEmptyPath,
		},
		{
			name:    "path with null byte in middle",
			path:    "/tmp/\x00video.mp4",
			wantErr: ErrInvalidPath,
		},
		{
			name:    "path with null byte at end",
			path:    "/tmp/video.mp4\x00",
			wantErr: ErrInvalidPath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePath(tt.path)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("validatePath(%q) = %v, want %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestTailBuffer_KeepsLastBytes(t *testing.T) {
	tb := newTailBuffer(8)
	_, _ = tb.Write([]byte("0123"))
	_, _ = tb.Write([]byte("456789"))
	assert.Equal(t, "23456789", tb.String())

	_, _ = tb.Write([]byte(strings.Repeat("x", 20) + "END"))
	assert.Equal(t, "xxxxxEND", tb.String())
}

func TestRun_Classification(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		timeout time.Duration
		want    domain.ErrorKind
	}{
		{"corrupt input", `echo "moov atom not found" >&2; exit 1`, time.Second * 5, domain.KindInput},
		{"invalid data", `echo "in.mp4: Invalid data found when processing input" >&2; exit 1`, time.Second * 5, domain.KindInput},
		{"odd resolution", `echo "[libx264 @ 0x55d] height not divisible by 2 (853x481)" >&2; exit 1`, time.Second * 5, domain.KindInput},
		{"crash", `echo "Segmentation fault" >&2; exit 139`, time.Second * 5, domain.KindTransientTool},
		{"hang", `exec sleep 10`, 100 * time.Millisecond, domain.KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(context.Background(), invocation{
				bin:     writeScript(t, tt.script),
				timeout: tt.timeout,
				stage:   domain.JobStateTranscoding,
			})
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.KindOf(err))
		})
	}
}

func TestRun_CancelKillsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := run(ctx, invocation{bin: writeScript(t, `exec sleep 10`), timeout: time.Minute})
	require.Error(t, err)
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_StderrTailIsBounded(t *testing.T) {
	_, err := run(context.Background(), invocation{
		bin:     writeScript(t, `i=0; while [ $i -lt 2000 ]; do echo "noise line $i" >&2; i=$((i+1)); done; echo "final reason" >&2; exit 1`),
		timeout: 10 * time.Second,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "final reason")
	assert.NotContains(t, err.Error(), "noise line 0\n")
	assert.Less(t, len(err.Error()), stderrTailBytes+512)
}

func TestIsInputFailure(t *testing.T) {
	assert.True(t, IsInputFailure("[mov,mp4] moov atom not found"))
	assert.True(t, IsInputFailure("/x.mp4: No such file or directory"))
	assert.True(t, IsInputFailure("[libx264 @ 0x1] width not divisible by 2 (853x480)"))
	assert.False(t, IsInputFailure("Conversion failed!"))
}
