package resolve

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ContentType is a recognized artifact type.
//
// The token is the filename segment that selects the type (e.g. "csv" in
// "sales.csv.py"). MIME is only used as metadata when an artifact is
// published; the engine never validates artifact bytes against it.
type ContentType struct {
	Token string `json:"token"`
	MIME  string `json:"mime"`
}

// ErrInvalidContentType is returned when registering a malformed token.
var ErrInvalidContentType = errors.New("invalid content type")

// defaultContentTypes is the token set recognized out of the box.
var defaultContentTypes = map[string]string{
	"arrow":    "application/vnd.apache.arrow.file",
	"csv":      "text/csv",
	"geojson":  "application/geo+json",
	"gif":      "image/gif",
	"gz":       "application/gzip",
	"html":     "text/html",
	"jpeg":     "image/jpeg",
	"jpg":      "image/jpeg",
	"json":     "application/json",
	"md":       "text/markdown",
	"ndjson":   "application/x-ndjson",
	"parquet":  "application/vnd.apache.parquet",
	"pdf":      "application/pdf",
	"png":      "image/png",
	"svg":      "image/svg+xml",
	"tar":      "application/x-tar",
	"tgz":      "application/gzip",
	"topojson": "application/json",
	"tsv":      "text/tab-separated-values",
	"txt":      "text/plain",
	"webp":     "image/webp",
	"xlsx":     "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"xml":      "application/xml",
	"yaml":     "application/yaml",
	"yml":      "application/yaml",
	"zip":      "application/zip",
}

// Registry holds the set of recognized content-type tokens.
//
// Registry is safe for concurrent use. Tokens are matched case-insensitively.
type Registry struct {
	mu    sync.RWMutex
	types map[string]ContentType
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]ContentType)}
}

// DefaultRegistry returns a registry pre-populated with the default tokens.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for token, mime := range defaultContentTypes {
		r.types[token] = ContentType{Token: token, MIME: mime}
	}
	return r
}

// Register adds or replaces a content type. An empty MIME falls back to
// application/octet-stream.
func (r *Registry) Register(token, mime string) error {
	token = strings.ToLower(strings.TrimSpace(token))
	token = strings.TrimPrefix(token, ".")
	if token == "" || strings.ContainsAny(token, "./\\ ") {
		return fmt.Errorf("%w: %q", ErrInvalidContentType, token)
	}
	mime = strings.TrimSpace(mime)
	if mime == "" {
		mime = "application/octet-stream"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[token] = ContentType{Token: token, MIME: mime}
	return nil
}

// Lookup returns the content type for token.
func (r *Registry) Lookup(token string) (ContentType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, ok := r.types[strings.ToLower(token)]
	return ct, ok
}

// Tokens returns all registered tokens in sorted order.
func (r *Registry) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for token := range r.types {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}
