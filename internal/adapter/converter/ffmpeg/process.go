package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bnema/reel/internal/domain"
)

var (
	ErrEmptyPath   = errors.New("path is empty")
	ErrInvalidPath = errors.New("path contains null byte")
)

// stderrTailBytes bounds the diagnostic output kept per invocation.
const stderrTailBytes = 4096

// waitDelay is how long Wait keeps waiting for I/O after the process was
// killed on context expiry.
const waitDelay = 3 * time.Second

func validatePath(p string) error {
	if p == "" {
		return ErrEmptyPath
	}
	if strings.ContainsRune(p, '\x00') {
		return ErrInvalidPath
	}
	return nil
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return n, nil
	}
	if over := len(t.buf) + len(p) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}

// invocation describes one supervised subprocess run.
type invocation struct {
	bin     string
	args    []string
	timeout time.Duration
	stage   domain.JobState
	// stdout, when set, receives the process's standard output while it runs.
	stdout func(io.Reader)
}

// run executes inv under its own deadline and classifies any failure. The
// process is killed when the deadline passes or ctx is cancelled.
func run(ctx context.Context, inv invocation) ([]byte, error) {
	runCtx := ctx
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, inv.bin, inv.args...)
	cmd.WaitDelay = waitDelay
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr

	var (
		out  bytes.Buffer
		pipe io.ReadCloser
		err  error
	)
	if inv.stdout != nil {
		if pipe, err = cmd.StdoutPipe(); err != nil {
			return nil, domain.TransientError(inv.stage, fmt.Errorf("stdout pipe: %w", err))
		}
	} else {
		cmd.Stdout = &out
	}

	if err := cmd.Start(); err != nil {
		return nil, domain.TransientError(inv.stage, fmt.Errorf("start %s: %w", inv.bin, err))
	}
	if pipe != nil {
		inv.stdout(pipe)
		_, _ = io.Copy(io.Discard, pipe)
	}
	err = cmd.Wait()
	if err == nil {
		return out.Bytes(), nil
	}
	return nil, classify(ctx, runCtx, inv, err, stderr.String())
}

// classify maps a failed run onto the error taxonomy. Cancellation of the
// caller's context wins over everything, then our own deadline, then stderr
// signatures of unusable input. Anything else is treated as transient.
func classify(parent, runCtx context.Context, inv invocation, err error, tail string) error {
	detail := fmt.Errorf("%s: %w", inv.bin, err)
	if tail != "" {
		detail = fmt.Errorf("%s: %w: %s", inv.bin, err, tail)
	}

	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return domain.NewError(domain.KindCancelled, inv.stage, fmt.Errorf("%w: %v", context.Canceled, detail))
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return domain.TimeoutError(inv.stage, fmt.Errorf("%w after %s: %v", context.DeadlineExceeded, inv.timeout, detail))
	case IsInputFailure(tail):
		return domain.InputError(inv.stage, detail)
	}
	return domain.TransientError(inv.stage, detail)
}
