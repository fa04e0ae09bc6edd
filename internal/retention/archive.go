package retention

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// archiveName flattens rel into a single date-prefixed file name.
func archiveName(rel string, at time.Time) string {
	flat := strings.ReplaceAll(filepath.ToSlash(rel), "/", "_")
	return at.Format("2006-01-02") + "_" + flat
}

// archiveFile copies src into dir under a date-prefixed name and verifies the
// copy against the source checksum. It returns the archive path.
func archiveFile(src, dir, rel string, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	dst, err := freeName(filepath.Join(dir, archiveName(rel, at)))
	if err != nil {
		return "", err
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(dir, ".archive-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create archive temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	h, _ := blake2b.New256(nil)
	if _, err := io.Copy(tmp, io.TeeReader(in, h)); err != nil {
		cleanup()
		return "", fmt.Errorf("copy to archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close archive: %w", err)
	}

	got, err := checksum(tmpName)
	if err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if !bytes.Equal(got, h.Sum(nil)) {
		os.Remove(tmpName)
		return "", fmt.Errorf("archive checksum mismatch for %s", src)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("rename archive: %w", err)
	}
	return dst, nil
}

func checksum(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open for checksum: %w", err)
	}
	defer f.Close()
	h, _ := blake2b.New256(nil)
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("checksum: %w", err)
	}
	return h.Sum(nil), nil
}

// freeName returns path, or path with a numeric suffix if path already exists.
func freeName(path string) (string, error) {
	candidate := path
	for i := 1; i < 1000; i++ {
		_, err := os.Lstat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat archive target: %w", err)
		}
		candidate = fmt.Sprintf("%s.%d", path, i)
	}
	return "", fmt.Errorf("no free archive name for %s", path)
}
