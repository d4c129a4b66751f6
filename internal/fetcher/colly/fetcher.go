// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/climate-archive-crawler/internal/crawler"
)

const defaultTimeout = 60 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Timeout bounds one request including the body download.
	Timeout time.Duration
	// MaxBodySize caps response bodies in bytes; zero means unlimited.
	MaxBodySize int
	// Headers are added to every request.
	Headers http.Header
}

// Fetcher implements crawler.Fetcher using the Colly collector. Index pages
// and archives go through the same fetcher; each call works on its own
// clone of a base collector so calls are safe to run concurrently.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(
		colly.Async(false),
		// Clones share the visited-URL store; a rerun must fetch again.
		colly.AllowURLRevisit(),
	)
	// Clones share the backend client, so transport and timeout are set once.
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch performs one GET of rawURL on a fresh clone of the base collector.
// Transport failures, timeouts, cancellation, and non-2xx responses all come
// back as *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.FetchResponse, error) {
	v := &visit{started: time.Now(), headers: f.cfg.Headers}
	collector := f.buildCollector()
	v.attach(collector)

	finished, err := v.run(ctx, collector, rawURL)
	if err != nil {
		fe := &crawler.FetchError{URL: rawURL, Err: err}
		// An abandoned visit may still be writing; only read its state once done.
		if finished {
			fe.StatusCode = v.status
		}
		return crawler.FetchResponse{}, fe
	}
	if code := v.result.StatusCode; code < http.StatusOK || code >= http.StatusMultipleChoices {
		return crawler.FetchResponse{}, &crawler.FetchError{
			URL:        rawURL,
			StatusCode: code,
			Err:        fmt.Errorf("unexpected status %d", code),
		}
	}
	return v.result, nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.AllowURLRevisit = true
	collector.MaxBodySize = f.cfg.MaxBodySize
	// Every status reaches OnResponse; Fetch classifies it. Without this colly
	// reports 203-299 as errors.
	collector.ParseHTTPErrorResponse = true
	return collector
}

// visit holds the state colly callbacks fill in during one Fetch.
type visit struct {
	started time.Time
	headers http.Header

	result crawler.FetchResponse
	status int
	err    error
}

func (v *visit) attach(hooks collectorHooks) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range v.headers {
			for _, value := range values {
				r.Headers.Add(key, value)
			}
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		v.status = r.StatusCode
		v.result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(v.started),
		}
	})
	// colly routes non-2xx statuses here as well as transport errors.
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			v.status = r.StatusCode
		}
		v.err = err
	})
}

// run reports whether the visit finished before ctx ended.
func (v *visit) run(ctx context.Context, collector *colly.Collector, rawURL string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, fmt.Errorf("fetch canceled before start: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		switch {
		case v.err != nil:
			return true, fmt.Errorf("response failed: %w", v.err)
		case err != nil:
			return true, fmt.Errorf("visit failed: %w", err)
		}
		return true, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
