// Package materialize commits artifact bytes to their destinations.
//
// Every Writer is atomic per artifact: a reader of the destination never
// observes a partially written artifact. The content type only selects the
// destination suffix (and, for object stores, the Content-Type metadata);
// bytes are never re-encoded.
package materialize

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/golade/pkg/resolve"
)

// ErrWriteFailed is matched by every error a Writer returns.
var ErrWriteFailed = errors.New("write failed")

// WriteError describes a failed commit.
type WriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write failed: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrWriteFailed) true for every WriteError.
func (e *WriteError) Is(target error) bool {
	return target == ErrWriteFailed
}

// Writer commits one artifact and returns where it was written.
type Writer interface {
	Commit(ctx context.Context, id resolve.Identity, data []byte) (string, error)
}

// Multi commits to each writer in order. The returned location is the first
// writer's; errors from all writers are joined.
func Multi(writers ...Writer) Writer {
	return multiWriter(writers)
}

type multiWriter []Writer

func (m multiWriter) Commit(ctx context.Context, id resolve.Identity, data []byte) (string, error) {
	var (
		first string
		errs  []error
	)
	for i, w := range m {
		loc, err := w.Commit(ctx, id, data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if i == 0 {
			first = loc
		}
	}
	return first, errors.Join(errs...)
}
