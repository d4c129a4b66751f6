// Package index fetches pages of the climate file index and extracts the
// links of the next level: region roots, subregion pages, and archive files.
package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"

	"github.com/JakeFAU/climate-archive-crawler/internal/crawler"
)

// Defaults for the public index layout.
const (
	DefaultBaseURL          = "https://climate.onebuilding.org"
	DefaultEntryPath        = "/default.html"
	DefaultRegionPattern    = "WMO_Region_"
	DefaultFileTableSummary = "file table"
	DefaultArchiveExtension = ".zip"
)

// Config describes where the index lives and how its pages are marked up.
type Config struct {
	BaseURL          string
	EntryPath        string
	RegionPattern    string
	FileTableSummary string
	ArchiveExtension string
}

// Client extracts links from index pages. It performs no disk I/O.
type Client struct {
	cfg     Config
	fetcher crawler.Fetcher
	logger  *zap.Logger

	anchorSel cascadia.Selector
	cellSel   cascadia.Selector
	tableSel  cascadia.Selector
}

// New validates cfg, fills defaults, and precompiles the selectors.
func New(cfg Config, fetcher crawler.Fetcher, logger *zap.Logger) (*Client, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	cfg = withDefaults(cfg)
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	anchorSel, err := cascadia.Compile("a[href]")
	if err != nil {
		return nil, fmt.Errorf("compile anchor selector: %w", err)
	}
	cellSel, err := cascadia.Compile("td")
	if err != nil {
		return nil, fmt.Errorf("compile cell selector: %w", err)
	}
	tableSel, err := cascadia.Compile(fmt.Sprintf("table[summary=%q]", cfg.FileTableSummary))
	if err != nil {
		return nil, fmt.Errorf("compile file table selector: %w", err)
	}
	return &Client{
		cfg:       cfg,
		fetcher:   fetcher,
		logger:    logger,
		anchorSel: anchorSel,
		cellSel:   cellSel,
		tableSel:  tableSel,
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.EntryPath == "" {
		cfg.EntryPath = DefaultEntryPath
	}
	if cfg.RegionPattern == "" {
		cfg.RegionPattern = DefaultRegionPattern
	}
	if cfg.FileTableSummary == "" {
		cfg.FileTableSummary = DefaultFileTableSummary
	}
	if cfg.ArchiveExtension == "" {
		cfg.ArchiveExtension = DefaultArchiveExtension
	}
	return cfg
}

// EntryURL is the absolute URL of the page listing the region roots.
func (c *Client) EntryURL() string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(c.cfg.EntryPath, "/")
}

// FetchLinks implements crawler.LinkSource.
func (c *Client) FetchLinks(ctx context.Context, page crawler.LinkRef, level crawler.Level) ([]crawler.LinkRef, error) {
	switch level {
	case crawler.LevelRoots:
		return c.Roots(ctx, page)
	case crawler.LevelSubregions:
		return c.Subregions(ctx, page)
	case crawler.LevelFiles:
		return c.Files(ctx, page)
	default:
		return nil, fmt.Errorf("unknown index level %q", level)
	}
}

// Roots returns the distinct region pages linked from the entry page, sorted.
func (c *Client) Roots(ctx context.Context, page crawler.LinkRef) ([]crawler.LinkRef, error) {
	doc, pageURL, err := c.load(ctx, page)
	if err != nil {
		return nil, err
	}
	seen := make(map[crawler.LinkRef]struct{})
	doc.FindMatcher(c.anchorSel).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if !strings.Contains(href, c.cfg.RegionPattern) {
			return
		}
		link, err := crawler.Resolve(pageURL, href)
		if err != nil {
			c.logger.Debug("skipping unparseable root href", zap.String("href", href), zap.Error(err))
			return
		}
		seen[link] = struct{}{}
	})
	roots := make([]crawler.LinkRef, 0, len(seen))
	for link := range seen {
		roots = append(roots, link)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	return roots, nil
}

// Subregions returns, in document order, the HTML pages linked from table
// cells that hold exactly one anchor.
func (c *Client) Subregions(ctx context.Context, page crawler.LinkRef) ([]crawler.LinkRef, error) {
	doc, pageURL, err := c.load(ctx, page)
	if err != nil {
		return nil, err
	}
	var out []crawler.LinkRef
	doc.FindMatcher(c.cellSel).Each(func(_ int, cell *goquery.Selection) {
		anchors := cell.FindMatcher(c.anchorSel)
		if anchors.Length() != 1 {
			return
		}
		href, _ := anchors.Attr("href")
		if !strings.HasSuffix(strings.ToLower(strings.TrimSpace(href)), "html") {
			return
		}
		link, err := crawler.ResolveAgainstParent(pageURL, href)
		if err != nil {
			c.logger.Debug("skipping unparseable subregion href", zap.String("href", href), zap.Error(err))
			return
		}
		out = append(out, link)
	})
	return out, nil
}

// Files returns, in document order, the archives listed in the file table.
// A page without a file table yields an empty list.
func (c *Client) Files(ctx context.Context, page crawler.LinkRef) ([]crawler.LinkRef, error) {
	doc, pageURL, err := c.load(ctx, page)
	if err != nil {
		return nil, err
	}
	table := doc.FindMatcher(c.tableSel).First()
	if table.Length() == 0 {
		return []crawler.LinkRef{}, nil
	}
	ext := strings.ToLower(c.cfg.ArchiveExtension)
	out := []crawler.LinkRef{}
	table.FindMatcher(c.anchorSel).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil || !strings.HasSuffix(strings.ToLower(path.Base(ref.Path)), ext) {
			return
		}
		link, err := crawler.ResolveAgainstParent(pageURL, href)
		if err != nil {
			return
		}
		out = append(out, link)
	})
	return out, nil
}

func (c *Client) load(ctx context.Context, page crawler.LinkRef) (*goquery.Document, *url.URL, error) {
	pageURL, err := url.Parse(string(page))
	if err != nil {
		return nil, nil, &crawler.FetchError{URL: string(page), Err: fmt.Errorf("parse page url: %w", err)}
	}
	resp, err := c.fetcher.Fetch(ctx, string(page))
	if err != nil {
		var fetchErr *crawler.FetchError
		if errors.As(err, &fetchErr) {
			return nil, nil, err
		}
		return nil, nil, &crawler.FetchError{URL: string(page), Err: err}
	}
	if resp.StatusCode != 0 && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return nil, nil, &crawler.FetchError{
			URL:        string(page),
			StatusCode: resp.StatusCode,
			Err:        errors.New("unexpected status"),
		}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, nil, &crawler.FetchError{URL: string(page), StatusCode: resp.StatusCode, Err: fmt.Errorf("parse html: %w", err)}
	}
	return doc, pageURL, nil
}
