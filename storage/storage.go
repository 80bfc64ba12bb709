package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Fetcher retrieves a raw clip by its storage key and writes it to dest.
type Fetcher interface {
	FetchTo(ctx context.Context, key, dest string) error
}

// FreeSpaceGB returns the free space in GB for the filesystem holding path.
func FreeSpaceGB(path string) (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	freeBytes := stat.Bavail * uint64(stat.Bsize)
	return float64(freeBytes) / (1024 * 1024 * 1024), nil
}

// EnsurePath creates the directory structure if it doesn't exist
func EnsurePath(basePath string, subDirs ...string) (string, error) {
	fullPath := filepath.Join(append([]string{basePath}, subDirs...)...)
	if err := os.MkdirAll(fullPath, 0o755); err != nil {
		return "", err
	}
	return fullPath, nil
}
