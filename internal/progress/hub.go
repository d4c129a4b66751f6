package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values select the
// defaults listed next to each constant below.
type Config struct {
	// RunID is stamped onto events that arrive without one.
	RunID [16]byte
	// Now stamps events that arrive without a timestamp.
	Now func() time.Time
	// BufferSize bounds the queue between Emit and the batching goroutine.
	BufferSize int
	// MaxBatchEvents flushes as soon as this many events are queued.
	MaxBatchEvents int
	// MaxBatchWait flushes a partial batch once the oldest event is this old.
	MaxBatchWait time.Duration
	// SinkTimeout bounds every Consume call.
	SinkTimeout time.Duration
	// BaseContext parents sink calls.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub collects the events of one run and hands them to sinks in batches from
// a single goroutine. Emit never blocks: when the queue is full the event is
// counted as dropped.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	closed     atomic.Bool
	dropped    atomic.Int64
	dropNotice rate.Sometimes

	stopOnce sync.Once
	closeCtx context.Context
}

// NewHub starts the batching goroutine for sinks and returns the Hub.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = withDefaults(cfg)
	h := &Hub{
		cfg:        cfg,
		events:     make(chan Event, cfg.BufferSize),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     cfg.Logger,
		dropNotice: rate.Sometimes{First: 1, Interval: dropLogInterval},
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.loop()
	return h
}

func withDefaults(cfg Config) Config {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Emit fills in the run ID and timestamp, validates evt and queues it.
// Invalid events are discarded with a debug log.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.RunID == [16]byte{} {
		evt.RunID = h.cfg.RunID
	}
	if evt.TS.IsZero() && h.cfg.Now != nil {
		evt.TS = h.cfg.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		total := h.dropped.Add(1)
		h.dropNotice.Do(func() {
			h.logger.Warn("progress queue full, dropping events", zap.Int64("dropped_total", total))
		})
	}
}

// Dropped reports how many events were lost to a full queue.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// RunID returns the run identifier stamped onto events.
func (h *Hub) RunID() [16]byte {
	if h == nil {
		return [16]byte{}
	}
	return h.cfg.RunID
}

// Close stops accepting events, flushes what is queued, closes every sink and
// waits for the batching goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for progress hub: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.doneCh)

	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	// Stop and Reset on an unfired timer need no channel drain since Go 1.23.
	deadline := time.NewTimer(h.cfg.MaxBatchWait)
	deadline.Stop()
	defer deadline.Stop()

	for {
		select {
		case evt := <-h.events:
			if len(pending) == 0 {
				deadline.Reset(h.cfg.MaxBatchWait)
			}
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				deadline.Stop()
				pending = h.flush(pending)
			}
		case <-deadline.C:
			pending = h.flush(pending)
		case <-h.stopCh:
			deadline.Stop()
			h.drain(pending)
			h.closeSinks()
			return
		}
	}
}

// drain flushes pending plus whatever is still queued.
func (h *Hub) drain(pending []Event) {
	for {
		select {
		case evt := <-h.events:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				pending = h.flush(pending)
			}
		default:
			h.flush(pending)
			return
		}
	}
}

// flush hands a copy of batch to every sink and returns batch emptied.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink rejected batch", zap.Int("events", len(out)), zap.Error(err))
		}
		cancel()
	}
	return batch[:0]
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
