// Package fingerprint computes the input fingerprint that decides whether a
// cached loader result is still fresh.
//
// The digest is sha256 over a canonical JSON payload: the loader path, a
// digest of its source bytes, the runner command, and the declared environment
// inputs (sorted). Network-backed loaders are volatile: their inputs live
// outside the source tree, so a matching digest is only trusted within a
// freshness window.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/golade/pkg/match"
	"github.com/3leaps/golade/pkg/resolve"
)

// Version is mixed into every digest; bump it when the payload changes.
const Version = 1

// Fingerprint identifies a loader's inputs at a point in time.
type Fingerprint struct {
	Digest   string        `json:"digest"`
	Volatile bool          `json:"volatile,omitempty"`
	Window   time.Duration `json:"window,omitempty"`
}

// Matches reports whether a stored fingerprint, produced at createdAt, can
// be served for f at time now.
//
// A volatile fingerprint matches only while the stored entry is younger than
// f.Window; a zero window never matches.
func (f Fingerprint) Matches(stored Fingerprint, createdAt, now time.Time) bool {
	if f.Digest == "" || f.Digest != stored.Digest {
		return false
	}
	if !f.Volatile {
		return true
	}
	return f.Window > 0 && now.Sub(createdAt) < f.Window
}

// Short returns an abbreviated digest for display.
func (f Fingerprint) Short() string {
	if len(f.Digest) <= 12 {
		return f.Digest
	}
	return f.Digest[:12]
}

// Options configures a Fingerprinter.
type Options struct {
	// Root is the loader root; identities are resolved relative to it.
	Root string

	// DeclaredEnv names environment variables whose values are loader inputs.
	DeclaredEnv []string

	// Network classifies loaders as network-backed by path.
	Network match.PatternSet

	// DetectNetwork also treats loaders whose source mentions an http(s) URL
	// as network-backed.
	DetectNetwork bool

	// Window is the freshness window for network-backed loaders.
	Window time.Duration

	// LookupEnv reads declared variables. Default: os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Fingerprinter computes fingerprints. It is safe for concurrent use.
type Fingerprinter struct {
	opts    Options
	envKeys []string
}

// New creates a Fingerprinter.
func New(opts Options) *Fingerprinter {
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	return &Fingerprinter{opts: opts, envKeys: normalizeNames(opts.DeclaredEnv)}
}

type payload struct {
	Version      int      `json:"version"`
	Source       string   `json:"source"`
	SourceSHA256 string   `json:"source_sha256"`
	Command      []string `json:"command"`
	Env          []string `json:"env,omitempty"`
}

// Compute fingerprints the loader id. command is the runner argv with the
// loader referenced by its root-relative path, so the digest survives moving
// the project directory.
func (f *Fingerprinter) Compute(id resolve.Identity, command []string) (Fingerprint, error) {
	src, err := os.ReadFile(filepath.Join(f.opts.Root, filepath.FromSlash(id.SourcePath)))
	if err != nil {
		return Fingerprint{}, fmt.Errorf("read loader source %s: %w", id.SourcePath, err)
	}

	sum := sha256.Sum256(src)
	p := payload{
		Version:      Version,
		Source:       id.SourcePath,
		SourceSHA256: hex.EncodeToString(sum[:]),
		Command:      command,
		Env:          f.declaredEnv(),
	}

	b, err := json.Marshal(p)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("marshal fingerprint payload: %w", err)
	}
	digest := sha256.Sum256(b)

	fp := Fingerprint{Digest: hex.EncodeToString(digest[:])}
	if f.IsNetworkBacked(id.SourcePath, src) {
		fp.Volatile = true
		fp.Window = f.opts.Window
	}
	return fp, nil
}

// IsNetworkBacked reports whether the loader at sourcePath (with contents
// src, which may be nil) depends on remote data.
func (f *Fingerprinter) IsNetworkBacked(sourcePath string, src []byte) bool {
	if f.opts.Network.MatchAny(sourcePath) {
		return true
	}
	if !f.opts.DetectNetwork {
		return false
	}
	return bytes.Contains(src, []byte("http://")) || bytes.Contains(src, []byte("https://"))
}

// declaredEnv renders declared inputs as NAME=VALUE, or NAME alone when unset
// so that unset and empty are distinct.
func (f *Fingerprinter) declaredEnv() []string {
	if len(f.envKeys) == 0 {
		return nil
	}
	out := make([]string, 0, len(f.envKeys))
	for _, name := range f.envKeys {
		if v, ok := f.opts.LookupEnv(name); ok {
			out = append(out, name+"="+v)
		} else {
			out = append(out, name)
		}
	}
	return out
}

// DeclaredEnv returns the declared inputs that are set, as KEY=VALUE pairs
// suitable for a child environment.
func (f *Fingerprinter) DeclaredEnv() []string {
	var out []string
	for _, kv := range f.declaredEnv() {
		if strings.Contains(kv, "=") {
			out = append(out, kv)
		}
	}
	return out
}

func normalizeNames(values []string) []string {
	if len(values) == 0 {
		return nil
	}

	unique := make(map[string]struct{})
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" || strings.Contains(trimmed, "=") {
			continue
		}
		unique[trimmed] = struct{}{}
	}
	if len(unique) == 0 {
		return nil
	}

	out := make([]string, 0, len(unique))
	for value := range unique {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
