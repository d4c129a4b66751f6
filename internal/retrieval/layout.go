package retrieval

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/climate-archive-crawler/internal/crawler"
)

// MarkerName is the completion marker written next to every data file.
const MarkerName = ".retrieved.json"

// Layout is where one archive URL materializes under the output root.
type Layout struct {
	// Rel is the slash-separated URL path relative to the host root.
	Rel string
	// Stem is the archive name without its extension.
	Stem string
	// ArchivePath mirrors the URL path under the output root.
	ArchivePath string
	// ExtractDir is ArchivePath without the archive extension.
	ExtractDir string
	// Target is the data file whose presence means the archive is done.
	Target string
	// Marker is the completion marker inside ExtractDir.
	Marker string
}

// Layout maps rawURL to its on-disk paths. URLs whose path would leave the
// output root are rejected.
func (p *Pipeline) Layout(rawURL string) (Layout, error) {
	rel, err := crawler.RelativePath(rawURL)
	if err != nil {
		return Layout{}, err
	}
	stem := p.extractors.Stem(rel)
	if stem == "" || stem == "." {
		return Layout{}, fmt.Errorf("url %s has no archive name", rawURL)
	}
	archivePath := filepath.Join(p.root, filepath.FromSlash(rel))
	if !within(p.root, archivePath) {
		return Layout{}, errors.New("archive path escapes the output root")
	}
	extractDir := filepath.Join(filepath.Dir(archivePath), stem)
	return Layout{
		Rel:         rel,
		Stem:        stem,
		ArchivePath: archivePath,
		ExtractDir:  extractDir,
		Target:      filepath.Join(extractDir, stem+p.cfg.DataExtension),
		Marker:      filepath.Join(extractDir, MarkerName),
	}, nil
}

func within(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
