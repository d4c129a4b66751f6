// Package archive extracts downloaded archives into a directory, choosing the
// format by file extension.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// ErrUnsupported is returned when no extractor handles an archive's extension.
var ErrUnsupported = errors.New("unsupported archive format")

// Extractor unpacks one archive into destDir, creating it if needed.
type Extractor interface {
	Extract(ctx context.Context, archivePath, destDir string) error
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, archivePath, destDir string) error

// Extract implements Extractor.
func (f ExtractorFunc) Extract(ctx context.Context, archivePath, destDir string) error {
	return f(ctx, archivePath, destDir)
}

// Registry maps lower-case extensions such as ".zip" to extractors.
type Registry struct {
	byExt map[string]Extractor
}

// NewRegistry returns a registry with the zip extractor installed.
func NewRegistry() *Registry {
	r := &Registry{byExt: make(map[string]Extractor)}
	r.Register(".zip", ZipExtractor{})
	return r
}

// Register installs e for ext, replacing any previous extractor.
func (r *Registry) Register(ext string, e Extractor) {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	r.byExt[ext] = e
}

// Extensions lists the registered extensions in sorted order.
func (r *Registry) Extensions() []string {
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Supports reports whether an extractor is registered for ext, with or
// without its leading dot.
func (r *Registry) Supports(ext string) bool {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return false
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	_, ok := r.byExt[ext]
	return ok
}

// match returns the longest registered extension that name ends with.
func (r *Registry) match(name string) (string, Extractor, bool) {
	lower := strings.ToLower(path.Base(name))
	var (
		best string
		ext  Extractor
	)
	for candidate, e := range r.byExt {
		if strings.HasSuffix(lower, candidate) && len(candidate) > len(best) && len(candidate) < len(lower) {
			best, ext = candidate, e
		}
	}
	return best, ext, ext != nil
}

// Stem returns the base name of name without its archive extension. Names
// with an unregistered extension lose only their final extension.
func (r *Registry) Stem(name string) string {
	base := path.Base(name)
	if ext, _, ok := r.match(base); ok {
		return base[:len(base)-len(ext)]
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// Extract dispatches to the extractor registered for archivePath's extension.
func (r *Registry) Extract(ctx context.Context, archivePath, destDir string) error {
	_, e, ok := r.match(archivePath)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupported, path.Base(archivePath))
	}
	return e.Extract(ctx, archivePath, destDir)
}
