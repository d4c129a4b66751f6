package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ResolveAgainstParent resolves href against the directory that contains page,
// not against page itself. A page ending in "/" counts as a file in its parent.
func ResolveAgainstParent(page *url.URL, href string) (LinkRef, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	base := *page
	base.RawQuery = ""
	base.Fragment = ""
	base.RawPath = ""
	dir := "/"
	if trimmed := strings.TrimSuffix(page.Path, "/"); trimmed != "" {
		dir = path.Dir(trimmed)
	}
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	base.Path = dir
	return LinkRef(base.ResolveReference(ref).String()), nil
}

// Resolve resolves href the way a browser would from page.
func Resolve(page *url.URL, href string) (LinkRef, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	return LinkRef(page.ResolveReference(ref).String()), nil
}

// RelativePath returns the slash-separated path of raw relative to its host
// root. Relative inputs are cleaned and returned as-is. The result never
// starts with "/" and never climbs above the root.
func RelativePath(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	p := u.Path
	if p == "" && u.Opaque != "" {
		p = u.Opaque
	}
	cleaned := path.Clean("/" + p)
	rel := strings.TrimPrefix(cleaned, "/")
	if rel == "" || rel == "." {
		return "", errors.New("url has no path")
	}
	// path.Clean would silently absorb "..", so check the raw segments.
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("url path %q escapes the root", p)
		}
	}
	return rel, nil
}
