// Package fsutil holds small filesystem helpers shared by the ingestion
// sources and the upload processor.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Subdirectories created next to ingested files to hold their outcomes.
const (
	DuplicateDir = "duplicate"
	FailedDir    = "failed"
	CompletedDir = "completed"
)

// MoveAside relocates path into the named sibling subdirectory, e.g.
// /data/in/a.json -> /data/in/duplicate/a.json.
func MoveAside(path, dirName string) (string, error) {
	return MoveToDir(path, filepath.Join(filepath.Dir(path), dirName))
}

// MoveToDir relocates src into dstDir, creating the directory when needed.
// Name collisions are resolved by appending a nanosecond suffix. A plain
// rename is attempted first; cross-device moves fall back to copy+remove.
// Returns the final destination path.
func MoveToDir(src, dstDir string) (string, error) {
	if strings.TrimSpace(dstDir) == "" {
		return "", fmt.Errorf("destination directory is empty")
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}

	base := filepath.Base(src)
	dst := filepath.Join(dstDir, base)
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		dst = filepath.Join(dstDir, fmt.Sprintf("%s-%d%s", stem, time.Now().UnixNano(), ext))
	}

	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(dst)
		return "", copyErr
	}
	if closeErr != nil {
		_ = os.Remove(dst)
		return "", closeErr
	}
	if err := os.Remove(src); err != nil {
		return "", err
	}
	return dst, nil
}
