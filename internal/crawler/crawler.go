package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/climate-archive-crawler/internal/progress"
)

const defaultConcurrency = 8

// Config controls a hierarchical crawl.
type Config struct {
	// EntryURL is the single page that lists the region roots.
	EntryURL string
	// Concurrency caps in-flight page fetches within one stage.
	Concurrency int
	// FailurePolicy decides whether one unreachable page aborts the crawl.
	FailurePolicy FailurePolicy
}

// Crawler walks the fixed-depth index: roots, then subregions, then files.
type Crawler struct {
	cfg     Config
	source  LinkSource
	emitter progress.Emitter
	logger  *zap.Logger
}

// New constructs a Crawler. A nil emitter or logger disables that output.
func New(cfg Config, source LinkSource, emitter progress.Emitter, logger *zap.Logger) (*Crawler, error) {
	if source == nil {
		return nil, errors.New("link source is required")
	}
	if cfg.EntryURL == "" {
		return nil, errors.New("entry url is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	policy, err := ParseFailurePolicy(string(cfg.FailurePolicy))
	if err != nil {
		return nil, err
	}
	cfg.FailurePolicy = policy
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		cfg:     cfg,
		source:  source,
		emitter: emitter,
		logger:  logger,
	}, nil
}

// Crawl runs the three stages in order and returns every discovered file URL.
// Stages are separated by a barrier: a stage starts only once every task of
// the previous one has finished.
func (c *Crawler) Crawl(ctx context.Context) (Result, error) {
	start := time.Now()
	roots, err := c.source.FetchLinks(ctx, LinkRef(c.cfg.EntryURL), LevelRoots)
	c.emit(LevelRoots, LinkRef(c.cfg.EntryURL), len(roots), err, time.Since(start))
	if err != nil {
		return Result{}, fmt.Errorf("crawl %s: %w", LevelRoots, err)
	}
	c.logger.Debug("roots discovered", zap.Int("count", len(roots)))

	result := Result{Roots: roots}

	subregions, failures, err := c.expand(ctx, LevelSubregions, roots)
	if err != nil {
		return Result{}, err
	}
	result.Subregions = subregions
	result.Failures = append(result.Failures, failures...)
	c.logger.Debug("subregions discovered", zap.Int("count", len(subregions)), zap.Int("failures", len(failures)))

	files, failures, err := c.expand(ctx, LevelFiles, subregions)
	if err != nil {
		return Result{}, err
	}
	result.Files = files
	result.Failures = append(result.Failures, failures...)
	c.logger.Debug("files discovered", zap.Int("count", len(files)), zap.Int("failures", len(failures)))

	return result, nil
}

// expand fetches every node at the given level with bounded concurrency and
// flattens the per-node lists in input order.
func (c *Crawler) expand(ctx context.Context, level Level, nodes []LinkRef) ([]LinkRef, []NodeFailure, error) {
	perNode := make([][]LinkRef, len(nodes))
	errs := make([]error, len(nodes))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.cfg.Concurrency)
	for i, node := range nodes {
		group.Go(func() error {
			start := time.Now()
			links, err := c.source.FetchLinks(groupCtx, node, level)
			c.emit(level, node, len(links), err, time.Since(start))
			if err != nil {
				errs[i] = err
				c.logger.Debug("index page failed",
					zap.String("level", string(level)),
					zap.String("url", string(node)),
					zap.Error(err),
				)
				if c.cfg.FailurePolicy == FailurePolicyAbort {
					return fmt.Errorf("crawl %s %s: %w", level, node, err)
				}
				return nil
			}
			perNode[i] = links
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("crawl %s canceled: %w", level, err)
	}

	var (
		out      []LinkRef
		failures []NodeFailure
	)
	for i, links := range perNode {
		if errs[i] != nil {
			failures = append(failures, NodeFailure{Level: level, Page: nodes[i], Err: errs[i]})
			continue
		}
		out = append(out, links...)
	}
	return out, failures, nil
}

func (c *Crawler) emit(level Level, page LinkRef, links int, err error, dur time.Duration) {
	if c.emitter == nil {
		return
	}
	evt := progress.Event{
		Stage:  progress.StageCrawlPage,
		Site:   progress.SiteOf(string(page)),
		URL:    string(page),
		Level:  string(level),
		Links:  int64(links),
		Result: progress.ResultOK,
		Dur:    dur,
	}
	if err != nil {
		evt.Result = progress.ResultFailed
		evt.Note = err.Error()
	}
	c.emitter.Emit(evt)
}
