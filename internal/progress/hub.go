package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: capacity of the event channel (default 4096).
//   - MaxBatchEvents: flush once this many events are pending (default 1000).
//   - MaxBatchWait: flush a partial batch after this long (default 500ms).
//   - SinkTimeout: per-sink deadline for one flush (default 10s).
//   - BaseContext: parent of every sink call (default context.Background()).
//   - Logger: receives drop and sink warnings.
//
// Article events make up nearly all traffic and are batched. Events whose
// stage settles a chunk, partition or run flush the pending batch at once,
// so the status and publisher sinks see a finished chunk without waiting
// out MaxBatchWait behind it.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub fans run, chunk and article events out to sinks. Chunk goroutines and
// pipeline workers share one Hub per run; Emit never blocks them.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	dropped     atomic.Int64
	lastDropLog atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine and returns a Hub ready for Emit.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: cfg.Logger,
	}
	go h.run()
	return h
}

// Emit queues evt. A zero TS is stamped with the current time and invalid
// events are discarded. When the buffer is full the event is dropped and
// counted; a warning is logged at most every few seconds.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.drop(evt)
	}
}

func (h *Hub) drop(evt Event) {
	h.dropped.Add(1)
	now := time.Now().UnixNano()
	last := h.lastDropLog.Load()
	if now-last < dropLogInterval.Nanoseconds() || !h.lastDropLog.CompareAndSwap(last, now) {
		return
	}
	h.logger.Warn("progress events dropped due to backpressure",
		zap.Int64("dropped", h.dropped.Swap(0)),
		zap.String("last_stage", string(evt.Stage)),
		zap.String("region", evt.Region),
		zap.String("chunk", evt.Chunk),
	)
}

// Dropped reports events discarded for backpressure since the last drop
// warning.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close stops intake, drains and flushes what is queued, closes the sinks
// and waits for the batching goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// pending is the batch under construction plus its wait timer.
type pending struct {
	events []Event
	timer  *time.Timer
	armed  bool
}

func (p *pending) arm(wait time.Duration) {
	if p.armed {
		return
	}
	p.timer.Reset(wait)
	p.armed = true
}

func (p *pending) disarm() {
	if !p.armed {
		return
	}
	if !p.timer.Stop() {
		select {
		case <-p.timer.C:
		default:
		}
	}
	p.armed = false
}

func (h *Hub) run() {
	defer close(h.doneCh)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	p := &pending{events: make([]Event, 0, h.cfg.MaxBatchEvents), timer: timer}

	for {
		select {
		case evt := <-h.events:
			h.add(p, evt)
		case <-timer.C:
			p.armed = false
			h.flush(p)
		case <-h.stopCh:
			p.disarm()
			h.drain(p)
			h.closeSinks()
			return
		}
	}
}

// add appends evt and flushes when the batch is full or evt settles a
// chunk, partition or run. Otherwise the first event of a batch starts the
// wait timer.
func (h *Hub) add(p *pending, evt Event) {
	p.events = append(p.events, evt)
	if len(p.events) >= h.cfg.MaxBatchEvents || evt.Stage.Settles() {
		p.disarm()
		h.flush(p)
		return
	}
	p.arm(h.cfg.MaxBatchWait)
}

func (h *Hub) drain(p *pending) {
	for {
		select {
		case evt := <-h.events:
			p.events = append(p.events, evt)
			if len(p.events) >= h.cfg.MaxBatchEvents {
				h.flush(p)
			}
		default:
			h.flush(p)
			return
		}
	}
}

func (h *Hub) flush(p *pending) {
	if len(p.events) == 0 {
		return
	}
	batch := append([]Event(nil), p.events...)
	p.events = p.events[:0]
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err), zap.Int("events", len(batch)))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
