// Package catalog walks a materialized output tree and turns every weather
// file into a metadata record for downstream stores.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/climate-archive-crawler/internal/epw"
)

const defaultDataExtension = ".epw"

// RecordSink receives one record per parsed weather file.
type RecordSink interface {
	Put(ctx context.Context, rec epw.Record) error
}

// Config controls which files the Builder picks up.
type Config struct {
	DataExtension string
}

// Summary counts what a Build saw.
type Summary struct {
	Files       int
	Records     int
	ParseErrors int
}

// Builder parses weather files and forwards records to its sinks.
type Builder struct {
	ext    string
	sinks  []RecordSink
	logger *zap.Logger
}

// NewBuilder returns a Builder writing to sinks. A nil logger is replaced by a
// no-op logger.
func NewBuilder(cfg Config, logger *zap.Logger, sinks ...RecordSink) *Builder {
	ext := strings.ToLower(cfg.DataExtension)
	if ext == "" {
		ext = defaultDataExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{ext: ext, sinks: sinks, logger: logger}
}

// Build walks root in lexical order. Hidden directories, which include
// in-flight staging directories, are skipped. A file whose header cannot be
// parsed is counted and logged; the first sink error stops the walk.
func (b *Builder) Build(ctx context.Context, root string) (Summary, error) {
	var sum Summary
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.ToLower(filepath.Ext(path)) != b.ext {
			return nil
		}
		sum.Files++

		rec, err := epw.ParseRecord(path)
		if err != nil {
			var perr *epw.ParseError
			if !errors.As(err, &perr) {
				return err
			}
			sum.ParseErrors++
			b.logger.Warn("skipping unparsable weather file", zap.String("path", path), zap.Error(err))
			return nil
		}
		for _, sink := range b.sinks {
			if err := sink.Put(ctx, rec); err != nil {
				return fmt.Errorf("store record %s: %w", path, err)
			}
		}
		sum.Records++
		return nil
	})
	if err != nil {
		return sum, fmt.Errorf("build catalog under %s: %w", root, err)
	}
	return sum, nil
}

// JSONLines writes each record as one JSON object per line.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLines returns a sink writing to w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w)}
}

// Put encodes rec followed by a newline.
func (j *JSONLines) Put(_ context.Context, rec epw.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(rec)
}
