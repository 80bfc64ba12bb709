package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// RawCopier copies clips from a locally mounted mirror of the raw store.
// Keys are resolved relative to Root.
type RawCopier struct {
	Root string
}

// Source returns the local path a key maps to.
func (c RawCopier) Source(key string) string {
	return filepath.Join(c.Root, filepath.FromSlash(key))
}

// CopyTo copies key to dest. dest only ever appears complete.
func (c RawCopier) CopyTo(ctx context.Context, key, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src := c.Source(key)
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open raw clip: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Cleanup()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dest, err)
	}
	return out.CloseAtomicallyReplace()
}
