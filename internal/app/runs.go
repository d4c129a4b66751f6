package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/JakeFAU/climate-archive-crawler/internal/catalog"
	"github.com/JakeFAU/climate-archive-crawler/internal/crawler"
	"github.com/JakeFAU/climate-archive-crawler/internal/progress"
	"github.com/JakeFAU/climate-archive-crawler/internal/publisher"
	"github.com/JakeFAU/climate-archive-crawler/internal/retrieval"
	"github.com/JakeFAU/climate-archive-crawler/internal/storage"
)

// RetrieveReport is the result of a retrieval run.
type RetrieveReport struct {
	Outcomes      []retrieval.Outcome
	Summary       retrieval.Summary
	Mirrored      int
	MirrorErrors  int
	Published     int
	PublishErrors int
}

// Crawl walks the index and returns every discovered file URL.
func (a *App) Crawl(ctx context.Context) (crawler.Result, error) {
	done := a.startRun("crawl")
	res, err := a.crawl(ctx)
	done(err)
	return res, err
}

// Retrieve materializes urls under the output root, then mirrors and
// announces every fresh success. Per-URL failures are reported in the
// outcomes, never as an error.
func (a *App) Retrieve(ctx context.Context, urls []string) RetrieveReport {
	done := a.startRun("retrieve")
	report := a.retrieve(ctx, urls)
	done(nil)
	return report
}

// Sync crawls the index and retrieves everything it found. Only a crawl that
// aborts returns an error.
func (a *App) Sync(ctx context.Context) (crawler.Result, RetrieveReport, error) {
	done := a.startRun("sync")
	res, err := a.crawl(ctx)
	if err != nil {
		done(err)
		return crawler.Result{}, RetrieveReport{}, err
	}
	urls := make([]string, len(res.Files))
	for i, f := range res.Files {
		urls[i] = string(f)
	}
	report := a.retrieve(ctx, urls)
	done(nil)
	return res, report, nil
}

// Catalog parses every data file under dir and writes the records to w as
// JSON lines and to the record store when one is configured. An empty dir
// means the retrieval output root.
func (a *App) Catalog(ctx context.Context, dir string, w io.Writer) (catalog.Summary, error) {
	if dir == "" {
		dir = a.pipeline.Root()
	}
	var sinks []catalog.RecordSink
	if w != nil {
		sinks = append(sinks, catalog.NewJSONLines(w))
	}
	if a.records != nil {
		sinks = append(sinks, a.records)
	}
	if len(sinks) == 0 {
		return catalog.Summary{}, errors.New("catalog has no output: pass a writer or configure db.dsn")
	}

	done := a.startRun("catalog")
	builder := catalog.NewBuilder(
		catalog.Config{DataExtension: a.cfg.Retrieval.DataExtension},
		a.logger.Named("catalog"),
		sinks...,
	)
	sum, err := builder.Build(ctx, dir)
	done(err)
	if err != nil {
		return sum, err
	}
	a.logger.Info("catalog built",
		zap.Int("files", sum.Files),
		zap.Int("records", sum.Records),
		zap.Int("parse_errors", sum.ParseErrors),
	)
	return sum, nil
}

func (a *App) crawl(ctx context.Context) (crawler.Result, error) {
	c, err := crawler.New(crawler.Config{
		EntryURL:      a.index.EntryURL(),
		Concurrency:   a.cfg.Crawler.Concurrency,
		FailurePolicy: crawler.FailurePolicy(a.cfg.Crawler.FailurePolicy),
	}, a.index, a.emitter, a.logger.Named("crawler"))
	if err != nil {
		return crawler.Result{}, fmt.Errorf("crawler init failed: %w", err)
	}
	res, err := c.Crawl(ctx)
	if err != nil {
		return crawler.Result{}, err
	}
	for _, f := range res.Failures {
		a.logger.Warn("index page unreachable",
			zap.String("level", string(f.Level)),
			zap.String("url", string(f.Page)),
			zap.Error(f.Err),
		)
	}
	a.logger.Info("crawl finished",
		zap.Int("roots", len(res.Roots)),
		zap.Int("subregions", len(res.Subregions)),
		zap.Int("files", len(res.Files)),
		zap.Int("failures", len(res.Failures)),
	)
	return res, nil
}

func (a *App) retrieve(ctx context.Context, urls []string) RetrieveReport {
	outcomes := a.pipeline.RetrieveAll(ctx, urls)
	report := RetrieveReport{Outcomes: outcomes, Summary: retrieval.Summarize(outcomes)}
	a.mirrorAll(ctx, &report)
	a.logger.Info("retrieval finished",
		zap.Int("total", report.Summary.Total),
		zap.Int("success", report.Summary.Succeeded),
		zap.Int("skipped", report.Summary.Skipped),
		zap.Int("failure", report.Summary.Failed),
		zap.Int("mirrored", report.Mirrored),
		zap.Int("published", report.Published),
	)
	return report
}

// mirrorAll uploads and announces fresh successes. Errors are counted and
// logged; they never change an Outcome.
func (a *App) mirrorAll(ctx context.Context, report *RetrieveReport) {
	if a.blobs == nil && a.publisher == nil {
		return
	}
	var mirrored, mirrorErrs, published, publishErrs atomic.Int64
	p := pool.New().WithMaxGoroutines(max(a.cfg.Retrieval.Concurrency, 1))
	for _, out := range report.Outcomes {
		if out.Status != retrieval.StatusSuccess {
			continue
		}
		p.Go(func() {
			uri, sum, rel, err := a.mirror(ctx, out)
			if err != nil {
				mirrorErrs.Add(1)
				a.logger.Warn("mirror upload failed", zap.String("path", out.Path), zap.Error(err))
				return
			}
			if uri != "" {
				mirrored.Add(1)
			}
			if a.publisher == nil {
				return
			}
			msg := publisher.FileMaterialized{
				RunID:       a.runID.String(),
				URL:         out.URL,
				DataFile:    rel,
				ObjectURI:   uri,
				SHA256:      sum,
				Bytes:       out.Bytes,
				RetrievedAt: a.clock.Now().UTC(),
			}
			if _, err := a.publisher.Publish(ctx, a.cfg.PubSub.TopicName, msg); err != nil {
				publishErrs.Add(1)
				a.logger.Warn("notification failed", zap.String("url", out.URL), zap.Error(err))
				return
			}
			published.Add(1)
		})
	}
	p.Wait()

	report.Mirrored = int(mirrored.Load())
	report.MirrorErrors = int(mirrorErrs.Load())
	report.Published = int(published.Load())
	report.PublishErrors = int(publishErrs.Load())
	a.tracker.recordMirror(mirrored.Load(), mirrorErrs.Load(), published.Load(), publishErrs.Load())
}

// mirror uploads one data file when a blob store is configured. It returns
// the object URI (empty without a store), the file digest, and its
// slash-separated path relative to the output root.
func (a *App) mirror(ctx context.Context, out retrieval.Outcome) (string, string, string, error) {
	rel, err := filepath.Rel(a.pipeline.Root(), out.Path)
	if err != nil {
		return "", "", "", fmt.Errorf("relative path: %w", err)
	}
	rel = filepath.ToSlash(rel)
	digest, _, err := a.hasher.HashFile(out.Path)
	if err != nil {
		return "", "", "", err
	}
	if a.blobs == nil {
		return "", digest, rel, nil
	}

	f, err := os.Open(out.Path)
	if err != nil {
		return "", "", "", fmt.Errorf("open data file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	uri, err := a.blobs.PutObject(ctx, storage.Object{
		Path:        path.Join(a.cfg.Storage.Prefix, rel),
		ContentType: a.cfg.Storage.ContentType,
		Metadata: map[string]string{
			"sha256":     digest,
			"source_url": out.URL,
			"run_id":     a.runID.String(),
		},
	}, f)
	if err != nil {
		return "", "", "", err
	}
	return uri, digest, rel, nil
}

// startRun emits RUN_START and returns the function that emits RUN_DONE.
func (a *App) startRun(command string) func(error) {
	start := a.clock.Now()
	runID := progress.UUIDToBytes(a.runID)
	a.emitter.Emit(progress.Event{
		RunID: runID,
		TS:    start.UTC(),
		Stage: progress.StageRunStart,
		Note:  command,
	})
	return func(err error) {
		now := a.clock.Now()
		evt := progress.Event{
			RunID:  runID,
			TS:     now.UTC(),
			Stage:  progress.StageRunDone,
			Result: progress.ResultOK,
			Dur:    max(now.Sub(start), time.Duration(0)),
			Note:   command,
		}
		if err != nil {
			evt.Result = progress.ResultFailed
			evt.Note = command + ": " + err.Error()
		}
		a.emitter.Emit(evt)
	}
}
