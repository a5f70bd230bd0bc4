// Package archive expands zip and tar artifacts into member files.
//
// A loader producing "quakes.zip" can have its members materialized under
// "quakes/<member>". Member names are validated: absolute paths and names
// that climb out of the archive directory are rejected.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/3leaps/golade/pkg/resolve"
)

// Kind identifies an archive format.
type Kind string

const (
	KindZip Kind = "zip"
	KindTar Kind = "tar"
	KindTgz Kind = "tgz"
)

// Defaults bounding extraction.
const (
	DefaultMaxMembers     = 10_000
	DefaultMaxMemberBytes = 512 << 20
	DefaultMaxTotalBytes  = 2 << 30
)

var (
	ErrUnsafePath  = errors.New("unsafe archive member path")
	ErrTooLarge    = errors.New("archive exceeds extraction limits")
	ErrUnsupported = errors.New("unsupported archive kind")
)

// Member is one extracted regular file.
type Member struct {
	Name string
	Data []byte
}

// Options bounds extraction. Zero values select the defaults.
type Options struct {
	MaxMembers     int
	MaxMemberBytes int64
	MaxTotalBytes  int64
}

func (o Options) withDefaults() Options {
	if o.MaxMembers <= 0 {
		o.MaxMembers = DefaultMaxMembers
	}
	if o.MaxMemberBytes <= 0 {
		o.MaxMemberBytes = DefaultMaxMemberBytes
	}
	if o.MaxTotalBytes <= 0 {
		o.MaxTotalBytes = DefaultMaxTotalBytes
	}
	return o
}

// KindOf reports whether id's artifact is an extractable archive.
func KindOf(id resolve.Identity) (Kind, bool) {
	switch id.ContentType.Token {
	case "zip":
		return KindZip, true
	case "tar":
		return KindTar, true
	case "tgz":
		return KindTgz, true
	case "gz":
		if strings.HasSuffix(strings.ToLower(id.LogicalPath), ".tar.gz") {
			return KindTgz, true
		}
	}
	return "", false
}

// MemberDir returns the directory members of id are written under:
// the logical path without its archive extension.
func MemberDir(id resolve.Identity) string {
	p := id.LogicalPath
	lower := strings.ToLower(p)
	if strings.HasSuffix(lower, ".tar.gz") {
		return p[:len(p)-len(".tar.gz")]
	}
	return strings.TrimSuffix(p, path.Ext(p))
}

// MemberIdentity derives the identity a member is materialized under. The
// content type comes from the member's extension when registered.
func MemberIdentity(parent resolve.Identity, member string, types *resolve.Registry) resolve.Identity {
	logical := path.Join(MemberDir(parent), member)
	ct := resolve.ContentType{MIME: "application/octet-stream"}
	if ext := strings.TrimPrefix(path.Ext(member), "."); ext != "" && types != nil {
		if found, ok := types.Lookup(ext); ok {
			ct = found
		}
	}
	return resolve.Identity{
		SourcePath:  parent.SourcePath,
		LogicalPath: logical,
		ContentType: ct,
		Marker:      parent.Marker,
		Strategy:    parent.Strategy,
	}
}

// Extract returns the regular-file members of data, sorted by name.
func Extract(kind Kind, data []byte, opts Options) ([]Member, error) {
	opts = opts.withDefaults()

	var (
		members []Member
		err     error
	)
	switch kind {
	case KindZip:
		members, err = extractZip(data, opts)
	case KindTar:
		members, err = extractTar(bytes.NewReader(data), opts)
	case KindTgz:
		var zr *gzip.Reader
		zr, err = gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer func() { _ = zr.Close() }()
		members, err = extractTar(zr, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, kind)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members, nil
}

type budget struct {
	opts  Options
	count int
	total int64
}

func (b *budget) read(name string, r io.Reader) (Member, error) {
	b.count++
	if b.count > b.opts.MaxMembers {
		return Member{}, fmt.Errorf("%w: more than %d members", ErrTooLarge, b.opts.MaxMembers)
	}
	data, err := io.ReadAll(io.LimitReader(r, b.opts.MaxMemberBytes+1))
	if err != nil {
		return Member{}, fmt.Errorf("read member %s: %w", name, err)
	}
	if int64(len(data)) > b.opts.MaxMemberBytes {
		return Member{}, fmt.Errorf("%w: member %s", ErrTooLarge, name)
	}
	b.total += int64(len(data))
	if b.total > b.opts.MaxTotalBytes {
		return Member{}, fmt.Errorf("%w: total size", ErrTooLarge)
	}
	return Member{Name: name, Data: data}, nil
}

func extractZip(data []byte, opts Options) ([]Member, error) {
	// An insecure-path error comes with a usable reader; SafeName reports it.
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && zr == nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	b := &budget{opts: opts}
	var out []Member
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !f.Mode().IsRegular() {
			continue
		}
		name, err := SafeName(f.Name)
		if err != nil {
			return nil, err
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open member %s: %w", name, err)
		}
		m, err := b.read(name, rc)
		_ = rc.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func extractTar(r io.Reader, opts Options) ([]Member, error) {
	tr := tar.NewReader(r)
	b := &budget{opts: opts}
	var out []Member
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil && !(hdr != nil && errors.Is(err, tar.ErrInsecurePath)) {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name, err := SafeName(hdr.Name)
		if err != nil {
			return nil, err
		}
		m, err := b.read(name, tr)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
}

// SafeName cleans an archive member name and rejects names that are
// absolute or escape the extraction directory.
func SafeName(name string) (string, error) {
	slashed := strings.ReplaceAll(name, "\\", "/")
	if slashed == "" || strings.HasPrefix(slashed, "/") || (len(slashed) > 1 && slashed[1] == ':') {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	clean := path.Clean(slashed)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return clean, nil
}
