// Package localfs stores artifacts on a local filesystem and resolves local
// source assets.
package localfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bnema/reel/internal/port"
)

// metaSuffix names the sidecar holding PutOptions for an artifact.
const metaSuffix = ".meta.json"

type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{root: root}, nil
}

// Path returns where key lives on disk. The key must already be valid.
func (s *Store) Path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes body to a temp file beside the target and renames it into place,
// so readers only ever see complete artifacts. A size of -1 skips the length
// check.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts port.PutOptions) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dest := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(tmp, readerWithContext(ctx, body))
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if size >= 0 && written != size {
		tmp.Close()
		return fmt.Errorf("write %s: short write %d of %d bytes", key, written, size)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}

	if err := writeMeta(dest+metaSuffix, opts); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// Meta reads back the options an artifact was stored with.
func (s *Store) Meta(key string) (port.PutOptions, error) {
	var opts port.PutOptions
	if err := validateKey(key); err != nil {
		return opts, err
	}
	data, err := os.ReadFile(s.Path(key) + metaSuffix)
	if err != nil {
		return opts, err
	}
	err = json.Unmarshal(data, &opts)
	return opts, err
}

func writeMeta(path string, opts port.PutOptions) error {
	data, err := json.Marshal(opts)
	if err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return os.Rename(tmpPath, path)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ port.ArtifactStore = (*Store)(nil)
