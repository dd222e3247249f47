// Package batch drains queued storage mutations in ordered batches.
//
// A Processor owns a bounded in-memory queue. Producers Add items; a
// single scheduled drainer periodically takes a slice from the head and
// hands it to the caller-supplied processor function. Failed items are
// re-queued at the tail until their retry budget runs out; a processor
// that fails wholesale gets its batch pushed back onto the front so no
// item is lost. Lifecycle signals are delivered to registered handlers
// as typed events.
package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"

	"github.com/tallisward/hooksd/core"
)

// Item is one queued mutation
type Item struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Data       interface{} `json:"data"`
	Priority   int         `json:"priority"`
	RetryCount int         `json:"retryCount"`
}

// ItemResult is the processor's verdict for one item, aligned by index
// with the input slice.
type ItemResult struct {
	ID      string
	Success bool
	Err     error
}

// ProcessorFunc handles one batch. It must return one ItemResult per
// input item, index-aligned. A returned error (or a panic) fails the
// whole batch and the items are pushed back onto the front of the queue.
type ProcessorFunc func(ctx context.Context, items []Item) ([]ItemResult, error)

// Comparator orders items for priority draining. Negative means a before b.
type Comparator func(a, b Item) int

// EventType identifies a lifecycle signal
type EventType int

const (
	// EventBatchStart fires before the processor is invoked
	EventBatchStart EventType = iota
	// EventBatchComplete fires after per-item accounting
	EventBatchComplete
	// EventItemProcessed fires for each successful item
	EventItemProcessed
	// EventItemFailed fires when an item exhausts its retries
	EventItemFailed
	// EventProcessorError fires when the processor fails wholesale
	EventProcessorError
)

// String returns the string representation of the event type
func (t EventType) String() string {
	switch t {
	case EventBatchStart:
		return "batchStart"
	case EventBatchComplete:
		return "batchComplete"
	case EventItemProcessed:
		return "itemProcessed"
	case EventItemFailed:
		return "itemFailed"
	case EventProcessorError:
		return "processorError"
	default:
		return "unknown"
	}
}

// Event is one lifecycle signal. Fields are populated per type:
// BatchSize for batchStart; Processed/Succeeded/Failed for batchComplete;
// Item for itemProcessed and itemFailed (plus Err and Attempts); Err and
// Batch for processorError.
type Event struct {
	Type      EventType
	BatchSize int
	Processed int
	Succeeded int
	Failed    int
	Item      *Item
	Err       error
	Attempts  int
	Batch     []Item
}

// Handler receives lifecycle events. Handlers run synchronously inside
// the drain cycle, so they observe events in order.
type Handler func(Event)

// Config configures the processor
type Config struct {
	// BatchSize is the default number of items per drain
	BatchSize int

	// MaxQueueSize bounds the queue; Add rejects beyond it
	MaxQueueSize int

	// RetryLimit is the number of re-queues a failing item gets before
	// it is dropped with an itemFailed event
	RetryLimit int

	// ProcessingInterval is the drain cadence
	ProcessingInterval time.Duration

	// FlushOnStop performs one final drain during Stop
	FlushOnStop bool

	// PriorityComparator, when set, sorts the whole queue before each
	// drain slices from the head
	PriorityComparator Comparator

	// TypeBatchSizes overrides BatchSize per item type; a drain then
	// only takes the leading run of same-typed items
	TypeBatchSizes map[string]int

	// Logger for drain events
	Logger core.Logger

	// Clock drives the drain ticker; defaults to the real clock
	Clock clockz.Clock
}

// Statistics is a snapshot of processor counters
type Statistics struct {
	TotalProcessed uint64 `json:"total_processed"`
	Succeeded      uint64 `json:"succeeded"`
	Failed         uint64 `json:"failed"`
	QueueLength    int    `json:"queue_length"`
	Running        bool   `json:"running"`
	Processing     bool   `json:"processing"`
}

// Processor drains a bounded queue through a caller-supplied function
type Processor struct {
	config    Config
	processor ProcessorFunc
	logger    core.Logger
	clock     clockz.Clock

	mu    sync.Mutex
	queue []Item

	// drainMu serializes drain cycles; a tick that finds it held is a no-op
	drainMu    sync.Mutex
	processing atomic.Bool

	running atomic.Bool
	stopCh  chan struct{}
	stopped chan struct{}
	ctx     context.Context

	handlersMu sync.RWMutex
	handlers   map[EventType][]Handler

	totalProcessed atomic.Uint64
	succeeded      atomic.Uint64
	failed         atomic.Uint64
}

// NewProcessor creates a batch processor
func NewProcessor(config Config, fn ProcessorFunc) (*Processor, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: processor function is required", core.ErrInvalidConfiguration)
	}
	if config.BatchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be at least 1, got %d", core.ErrInvalidConfiguration, config.BatchSize)
	}
	if config.RetryLimit < 0 {
		return nil, fmt.Errorf("%w: retry limit must be non-negative, got %d", core.ErrInvalidConfiguration, config.RetryLimit)
	}
	if config.ProcessingInterval <= 0 {
		return nil, fmt.Errorf("%w: processing interval must be positive, got %v", core.ErrInvalidConfiguration, config.ProcessingInterval)
	}

	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("hooksd/batch")
	}
	if config.Clock == nil {
		config.Clock = clockz.RealClock
	}

	return &Processor{
		config:    config,
		processor: fn,
		logger:    logger,
		clock:     config.Clock,
		handlers:  make(map[EventType][]Handler),
	}, nil
}

// On registers a handler for one event type
func (p *Processor) On(t EventType, handler Handler) {
	p.handlersMu.Lock()
	p.handlers[t] = append(p.handlers[t], handler)
	p.handlersMu.Unlock()
}

func (p *Processor) emit(event Event) {
	p.handlersMu.RLock()
	handlers := p.handlers[event.Type]
	p.handlersMu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

// Add enqueues one item. Returns false when the queue is at capacity.
// An empty ID is replaced with a fresh UUID; the retry count always
// starts at zero on admission.
func (p *Processor) Add(item Item) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.MaxQueueSize > 0 && len(p.queue) >= p.config.MaxQueueSize {
		p.logger.Warn("Queue at capacity, rejecting item", map[string]interface{}{
			"operation":      "batch_add_rejected",
			"item_id":        item.ID,
			"max_queue_size": p.config.MaxQueueSize,
		})
		return false
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.RetryCount = 0
	p.queue = append(p.queue, item)

	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Gauge("batch.queue.depth", float64(len(p.queue)))
	}
	return true
}

// AddBatch enqueues items individually; results preserve order
func (p *Processor) AddBatch(items []Item) []bool {
	results := make([]bool, len(items))
	for i, item := range items {
		results[i] = p.Add(item)
	}
	return results
}

// Start schedules the drain loop. The context is handed to the processor
// function on every drain.
func (p *Processor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("batch processor: %w", core.ErrAlreadyStarted)
	}

	p.ctx = ctx
	p.stopCh = make(chan struct{})
	p.stopped = make(chan struct{})

	ticker := p.clock.NewTicker(p.config.ProcessingInterval)
	go func() {
		defer close(p.stopped)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				p.drain()
			case <-p.stopCh:
				return
			}
		}
	}()

	p.logger.Info("Batch processor started", map[string]interface{}{
		"operation":   "batch_start",
		"batch_size":  p.config.BatchSize,
		"interval_ms": p.config.ProcessingInterval.Milliseconds(),
		"retry_limit": p.config.RetryLimit,
	})
	return nil
}

// Stop cancels the schedule, waits for any in-progress drain, and - when
// configured - performs one final flush drain.
func (p *Processor) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}

	close(p.stopCh)
	<-p.stopped

	// Taking drainMu waits out an in-progress drain
	p.drainMu.Lock()
	if p.config.FlushOnStop {
		p.drainLocked()
	}
	p.drainMu.Unlock()

	p.logger.Info("Batch processor stopped", map[string]interface{}{
		"operation":    "batch_stop",
		"queue_length": p.QueueLength(),
	})
}

// drain performs one cycle. A concurrent call is a no-op.
func (p *Processor) drain() {
	if !p.drainMu.TryLock() {
		return
	}
	defer p.drainMu.Unlock()
	p.drainLocked()
}

// drainLocked is one drain cycle. Caller holds drainMu.
func (p *Processor) drainLocked() {
	p.processing.Store(true)
	defer p.processing.Store(false)

	slice := p.takeBatch()
	if len(slice) == 0 {
		return
	}

	p.emit(Event{Type: EventBatchStart, BatchSize: len(slice)})

	results, err := p.invokeProcessor(slice)
	if err != nil {
		p.logger.Error("Batch processor function failed", map[string]interface{}{
			"operation":  "batch_processor_error",
			"batch_size": len(slice),
			"error":      err.Error(),
		})
		p.emit(Event{Type: EventProcessorError, Err: err, Batch: slice})

		// Push the batch back onto the front in original order
		p.mu.Lock()
		p.queue = append(append([]Item{}, slice...), p.queue...)
		p.mu.Unlock()
		return
	}

	var succeeded, failed int
	for i := range slice {
		item := slice[i]
		var res ItemResult
		if i < len(results) {
			res = results[i]
		}

		if res.Success {
			succeeded++
			p.succeeded.Add(1)
			p.totalProcessed.Add(1)
			p.emit(Event{Type: EventItemProcessed, Item: &item})
			continue
		}

		failed++
		p.failed.Add(1)
		p.totalProcessed.Add(1)
		item.RetryCount++
		if item.RetryCount <= p.config.RetryLimit {
			p.mu.Lock()
			p.queue = append(p.queue, item)
			p.mu.Unlock()
		} else {
			p.logger.Warn("Item exhausted retries", map[string]interface{}{
				"operation": "batch_item_failed",
				"item_id":   item.ID,
				"item_type": item.Type,
				"attempts":  item.RetryCount,
			})
			p.emit(Event{Type: EventItemFailed, Item: &item, Err: res.Err, Attempts: item.RetryCount})
		}
	}

	p.emit(Event{
		Type:      EventBatchComplete,
		Processed: len(slice),
		Succeeded: succeeded,
		Failed:    failed,
	})
}

// invokeProcessor calls the processor function, converting a panic into
// an error so a misbehaving processor cannot take the drain loop down.
func (p *Processor) invokeProcessor(slice []Item) (results []ItemResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = fmt.Errorf("batch processor panicked: %v", r)
		}
	}()
	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return p.processor(ctx, slice)
}

// takeBatch sorts (when a comparator is set), sizes, and removes the next
// slice from the head of the queue.
func (p *Processor) takeBatch() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return nil
	}

	if p.config.PriorityComparator != nil {
		cmp := p.config.PriorityComparator
		sort.SliceStable(p.queue, func(i, j int) bool {
			return cmp(p.queue[i], p.queue[j]) < 0
		})
	}

	size := p.config.BatchSize
	if p.config.TypeBatchSizes != nil {
		headType := p.queue[0].Type
		run := 0
		for _, item := range p.queue {
			if item.Type != headType {
				break
			}
			run++
		}
		if typed, ok := p.config.TypeBatchSizes[headType]; ok {
			size = typed
		}
		if run < size {
			size = run
		}
	}
	if size > len(p.queue) {
		size = len(p.queue)
	}

	slice := make([]Item, size)
	copy(slice, p.queue[:size])
	p.queue = p.queue[size:]
	return slice
}

// QueueLength returns the current queue depth
func (p *Processor) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// GetStatistics returns a snapshot of the counters
func (p *Processor) GetStatistics() Statistics {
	return Statistics{
		TotalProcessed: p.totalProcessed.Load(),
		Succeeded:      p.succeeded.Load(),
		Failed:         p.failed.Load(),
		QueueLength:    p.QueueLength(),
		Running:        p.running.Load(),
		Processing:     p.processing.Load(),
	}
}

// ResetStatistics zeroes the counters
func (p *Processor) ResetStatistics() {
	p.totalProcessed.Store(0)
	p.succeeded.Store(0)
	p.failed.Store(0)
}
