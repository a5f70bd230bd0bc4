package materialize

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/golade/pkg/resolve"
)

// FileWriter materializes artifacts into a local directory tree.
type FileWriter struct {
	root string
}

// NewFileWriter creates a writer rooted at root.
func NewFileWriter(root string) *FileWriter {
	return &FileWriter{root: filepath.Clean(root)}
}

// Root returns the destination root.
func (w *FileWriter) Root() string {
	return w.root
}

// Destination returns the absolute-or-root-relative path id is written to.
// The content-type suffix is appended if the logical path lacks it.
func (w *FileWriter) Destination(id resolve.Identity) (string, error) {
	rel := id.LogicalPath
	if suffix := id.Suffix(); id.ContentType.Token != "" && !strings.HasSuffix(strings.ToLower(rel), suffix) {
		rel += suffix
	}

	dst := filepath.Join(w.root, filepath.FromSlash(rel))
	within, err := filepath.Rel(w.root, dst)
	if err != nil || within == "." || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", &WriteError{Op: "resolve", Path: rel, Err: errors.New("destination escapes output root")}
	}
	return dst, nil
}

// Commit writes data to a temp file beside the destination, syncs it, and
// renames it into place. An existing destination with identical content is
// left untouched.
func (w *FileWriter) Commit(ctx context.Context, id resolve.Identity, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &WriteError{Op: "commit", Path: id.LogicalPath, Err: err}
	}

	dst, err := w.Destination(id)
	if err != nil {
		return "", err
	}

	if same, _ := sameContent(dst, data); same {
		return dst, nil
	}

	dir := filepath.Dir(dst)
	// #nosec G301 -- output directories use 0755 for static hosting
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &WriteError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return "", &WriteError{Op: "create", Path: dst, Err: err}
	}
	tmpName := tmp.Name()
	fail := func(op string, err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", &WriteError{Op: op, Path: dst, Err: err}
	}

	if err := writeAll(tmp, data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fail("chmod", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", &WriteError{Op: "close", Path: dst, Err: err}
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return "", &WriteError{Op: "rename", Path: dst, Err: err}
	}
	return dst, nil
}

func sameContent(path string, data []byte) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if !info.Mode().IsRegular() || info.Size() != int64(len(data)) {
		return false, nil
	}
	existing, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	a, b := sha256.Sum256(existing), sha256.Sum256(data)
	return bytes.Equal(a[:], b[:]), nil
}

// writeAll writes all of data, failing on a short write.
func writeAll(f *os.File, data []byte) error {
	for len(data) > 0 {
		n, err := f.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		data = data[n:]
	}
	return nil
}
