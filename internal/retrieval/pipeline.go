// Package retrieval downloads archive URLs and materializes their contents
// under an output root that mirrors the remote path layout. Each URL yields
// exactly one Outcome; failures never leak into sibling URLs.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"

	"github.com/JakeFAU/climate-archive-crawler/internal/archive"
	"github.com/JakeFAU/climate-archive-crawler/internal/clock/system"
	"github.com/JakeFAU/climate-archive-crawler/internal/crawler"
	"github.com/JakeFAU/climate-archive-crawler/internal/hash/sha256"
	"github.com/JakeFAU/climate-archive-crawler/internal/progress"
)

const (
	defaultConcurrency   = 8
	defaultDataExtension = ".epw"
)

// Config controls where and how archives are materialized.
type Config struct {
	OutputDir     string
	Concurrency   int
	DataExtension string
}

// Deps are the collaborators of a Pipeline. Only Fetcher is required.
type Deps struct {
	Fetcher    crawler.Fetcher
	Extractors *archive.Registry
	Hasher     crawler.Hasher
	Clock      crawler.Clock
	Emitter    progress.Emitter
	Logger     *zap.Logger
}

// Pipeline fetches, extracts, and commits archives.
type Pipeline struct {
	cfg        Config
	root       string
	fetcher    crawler.Fetcher
	extractors *archive.Registry
	hasher     crawler.Hasher
	clock      crawler.Clock
	emitter    progress.Emitter
	logger     *zap.Logger
}

// New validates cfg and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("output dir is required")
	}
	root, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.DataExtension == "" {
		cfg.DataExtension = defaultDataExtension
	}
	p := &Pipeline{
		cfg:        cfg,
		root:       root,
		fetcher:    deps.Fetcher,
		extractors: deps.Extractors,
		hasher:     deps.Hasher,
		clock:      deps.Clock,
		emitter:    deps.Emitter,
		logger:     deps.Logger,
	}
	if p.extractors == nil {
		p.extractors = archive.NewRegistry()
	}
	if p.hasher == nil {
		p.hasher = sha256.New()
	}
	if p.clock == nil {
		p.clock = system.New()
	}
	if p.emitter == nil {
		p.emitter = progress.Discard
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p, nil
}

// Root returns the absolute output root.
func (p *Pipeline) Root() string {
	return p.root
}

// RetrieveAll retrieves every URL with at most Concurrency in flight and
// returns one Outcome per URL in input order.
func (p *Pipeline) RetrieveAll(ctx context.Context, urls []string) []Outcome {
	mapper := iter.Mapper[string, Outcome]{MaxGoroutines: p.cfg.Concurrency}
	return mapper.Map(urls, func(u *string) Outcome {
		return p.Retrieve(ctx, *u)
	})
}

// Retrieve materializes a single archive URL.
func (p *Pipeline) Retrieve(ctx context.Context, rawURL string) Outcome {
	start := time.Now()
	out := p.retrieve(ctx, rawURL)
	out.Duration = time.Since(start)

	fields := []zap.Field{
		zap.String("url", rawURL),
		zap.String("status", string(out.Status)),
		zap.Duration("dur", out.Duration),
	}
	if out.Err != nil {
		fields = append(fields, zap.String("stage", string(out.Stage)), zap.Error(out.Err))
	}
	p.logger.Debug("retrieval finished", fields...)
	p.emit(out)
	return out
}

func (p *Pipeline) retrieve(ctx context.Context, rawURL string) Outcome {
	layout, err := p.Layout(rawURL)
	if err != nil {
		return Failed(rawURL, StageWrite, &crawler.WriteError{Path: rawURL, Err: err})
	}
	if p.isComplete(layout) {
		return Skipped(rawURL, layout.Target)
	}

	parent := filepath.Dir(layout.ArchivePath)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Failed(rawURL, StageWrite, &crawler.WriteError{Path: parent, Err: err})
	}

	body, err := p.fetch(ctx, rawURL)
	if err != nil {
		return Failed(rawURL, StageFetch, err)
	}

	if err := p.commit(ctx, layout, rawURL, body); err != nil {
		var extractErr *crawler.ExtractError
		if errors.As(err, &extractErr) {
			return Failed(rawURL, StageExtract, err)
		}
		return Failed(rawURL, StageWrite, err)
	}
	return Succeeded(rawURL, layout.Target, int64(len(body)))
}

// isComplete trusts a data file only when its marker is present and valid.
func (p *Pipeline) isComplete(layout Layout) bool {
	info, err := os.Stat(layout.Target)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	_, err = ReadMarker(layout.Marker)
	return err == nil
}

func (p *Pipeline) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := p.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		var fetchErr *crawler.FetchError
		if errors.As(err, &fetchErr) {
			return nil, err
		}
		return nil, &crawler.FetchError{URL: rawURL, Err: err}
	}
	if resp.StatusCode != 0 && (resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices) {
		return nil, &crawler.FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: errors.New("unexpected status")}
	}
	return resp.Body, nil
}

// commit stages the archive and its extraction in a hidden sibling directory
// and renames the extraction into place only after the data file and the
// marker exist. The staging directory never outlives the call.
func (p *Pipeline) commit(ctx context.Context, layout Layout, rawURL string, body []byte) error {
	parent := filepath.Dir(layout.ArchivePath)
	staging, err := os.MkdirTemp(parent, "."+layout.Stem+".partial-*")
	if err != nil {
		return &crawler.WriteError{Path: parent, Err: err}
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			p.logger.Warn("staging cleanup failed", zap.String("path", staging), zap.Error(err))
		}
	}()

	stagedArchive := filepath.Join(staging, filepath.Base(layout.ArchivePath))
	if err := os.WriteFile(stagedArchive, body, 0o644); err != nil {
		return &crawler.WriteError{Path: layout.ArchivePath, Err: err}
	}

	stagedDir := filepath.Join(staging, layout.Stem)
	if err := p.extractors.Extract(ctx, stagedArchive, stagedDir); err != nil {
		return &crawler.ExtractError{Path: layout.ArchivePath, Err: err}
	}
	dataName := filepath.Base(layout.Target)
	info, err := os.Stat(filepath.Join(stagedDir, dataName))
	if err != nil || !info.Mode().IsRegular() {
		return &crawler.ExtractError{
			Path: layout.ArchivePath,
			Err:  fmt.Errorf("archive does not contain %s", dataName),
		}
	}

	digest, err := p.hasher.Hash(body)
	if err != nil {
		return &crawler.WriteError{Path: layout.Marker, Err: fmt.Errorf("hash archive: %w", err)}
	}
	marker := Marker{
		URL:           rawURL,
		ArchiveSHA256: digest,
		ArchiveBytes:  int64(len(body)),
		DataFile:      dataName,
		RetrievedAt:   p.clock.Now().UTC(),
	}
	if err := writeMarker(filepath.Join(stagedDir, MarkerName), marker); err != nil {
		return &crawler.WriteError{Path: layout.Marker, Err: err}
	}

	// Debris from an earlier marker-less attempt is replaced wholesale.
	if err := os.RemoveAll(layout.ExtractDir); err != nil {
		return &crawler.WriteError{Path: layout.ExtractDir, Err: err}
	}
	if err := os.Rename(stagedDir, layout.ExtractDir); err != nil {
		return &crawler.WriteError{Path: layout.ExtractDir, Err: err}
	}
	return nil
}

func (p *Pipeline) emit(out Outcome) {
	evt := progress.Event{
		Stage:     progress.StageRetrieveDone,
		Site:      progress.SiteOf(out.URL),
		URL:       out.URL,
		Result:    string(out.Status),
		FailStage: string(out.Stage),
		Bytes:     out.Bytes,
		Dur:       out.Duration,
	}
	if out.Err != nil {
		evt.Note = out.Err.Error()
	}
	p.emitter.Emit(evt)
}
