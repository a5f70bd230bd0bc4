package cachestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var errBlobCorrupt = errors.New("blob content does not match its address")

func (s *Store) blobPath(sum string) string {
	return filepath.Join(s.dir, blobsDir, sum[:2], sum)
}

// putBlob stores data content-addressed and returns its sha256.
func (s *Store) putBlob(data []byte) (string, error) {
	raw := sha256.Sum256(data)
	sum := hex.EncodeToString(raw[:])
	dst := s.blobPath(sum)

	if _, err := os.Stat(dst); err == nil {
		return sum, nil
	}

	dir := filepath.Dir(dst)
	// #nosec G301 -- cache directories use 0755 like other build outputs
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".blob-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create blob temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		cleanup()
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return sum, nil
}

// getBlob reads and verifies the blob with the given sha256.
func (s *Store) getBlob(sum string) ([]byte, error) {
	if len(sum) < 2 {
		return nil, errBlobCorrupt
	}
	data, err := os.ReadFile(s.blobPath(sum))
	if err != nil {
		return nil, err
	}
	raw := sha256.Sum256(data)
	if hex.EncodeToString(raw[:]) != sum {
		return nil, errBlobCorrupt
	}
	return data, nil
}

// sweepBlobs removes blobs not in keep and returns how many were removed.
func (s *Store) sweepBlobs(keep map[string]struct{}) (int, error) {
	root := filepath.Join(s.dir, blobsDir)
	removed := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := keep[d.Name()]; ok {
			return nil
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep blobs: %w", err)
	}
	return removed, nil
}
