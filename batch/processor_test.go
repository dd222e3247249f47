package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoobzio/clockz"
)

func testConfig() Config {
	return Config{
		BatchSize:          2,
		MaxQueueSize:       100,
		RetryLimit:         1,
		ProcessingInterval: time.Second,
	}
}

// eventRecorder collects emitted events for assertions
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func recordAll(p *Processor) *eventRecorder {
	r := &eventRecorder{}
	for _, t := range []EventType{EventBatchStart, EventBatchComplete, EventItemProcessed, EventItemFailed, EventProcessorError} {
		p.On(t, r.record)
	}
	return r
}

func allSucceed(ctx context.Context, items []Item) ([]ItemResult, error) {
	results := make([]ItemResult, len(items))
	for i, item := range items {
		results[i] = ItemResult{ID: item.ID, Success: true}
	}
	return results, nil
}

func TestNewProcessorValidation(t *testing.T) {
	_, err := NewProcessor(testConfig(), nil)
	assert.Error(t, err, "nil processor function must be rejected")

	cfg := testConfig()
	cfg.BatchSize = 0
	_, err = NewProcessor(cfg, allSucceed)
	assert.Error(t, err, "zero batch size must be rejected")

	cfg = testConfig()
	cfg.RetryLimit = -1
	_, err = NewProcessor(cfg, allSucceed)
	assert.Error(t, err, "negative retry limit must be rejected")

	cfg = testConfig()
	cfg.ProcessingInterval = 0
	_, err = NewProcessor(cfg, allSucceed)
	assert.Error(t, err, "zero interval must be rejected")
}

func TestAddRejectsWhenQueueIsFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	p, err := NewProcessor(cfg, allSucceed)
	require.NoError(t, err)

	assert.True(t, p.Add(Item{ID: "a", Type: "t"}))
	assert.True(t, p.Add(Item{ID: "b", Type: "t"}))
	assert.False(t, p.Add(Item{ID: "c", Type: "t"}), "queue at capacity must reject")
	assert.Equal(t, 2, p.QueueLength())
}

func TestAddDefaultsIDAndResetsRetryCount(t *testing.T) {
	p, err := NewProcessor(testConfig(), allSucceed)
	require.NoError(t, err)

	require.True(t, p.Add(Item{Type: "t", RetryCount: 7}))

	batch := p.takeBatch()
	require.Len(t, batch, 1)
	assert.NotEmpty(t, batch[0].ID, "empty id must be defaulted")
	assert.Equal(t, 0, batch[0].RetryCount, "retry count must start at zero on admission")
}

func TestAddBatchPreservesOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	p, err := NewProcessor(cfg, allSucceed)
	require.NoError(t, err)

	results := p.AddBatch([]Item{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	assert.Equal(t, []bool{true, true, false}, results)
}

func TestDrainTakesBatchFromHead(t *testing.T) {
	var got [][]string
	var mu sync.Mutex
	p, err := NewProcessor(testConfig(), func(ctx context.Context, items []Item) ([]ItemResult, error) {
		ids := make([]string, len(items))
		results := make([]ItemResult, len(items))
		for i, item := range items {
			ids[i] = item.ID
			results[i] = ItemResult{ID: item.ID, Success: true}
		}
		mu.Lock()
		got = append(got, ids)
		mu.Unlock()
		return results, nil
	})
	require.NoError(t, err)

	p.AddBatch([]Item{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	p.drain()
	p.drain()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][]string{{"a", "b"}, {"c"}}, got)

	stats := p.GetStatistics()
	assert.Equal(t, uint64(3), stats.TotalProcessed)
	assert.Equal(t, uint64(3), stats.Succeeded)
	assert.Equal(t, 0, stats.QueueLength)
}

func TestDrainPriorityAndRetryAccounting(t *testing.T) {
	cfg := testConfig()
	cfg.PriorityComparator = func(a, b Item) int {
		return b.Priority - a.Priority // highest priority first
	}

	var attempts []string
	var mu sync.Mutex
	p, err := NewProcessor(cfg, func(ctx context.Context, items []Item) ([]ItemResult, error) {
		results := make([]ItemResult, len(items))
		for i, item := range items {
			mu.Lock()
			attempts = append(attempts, item.ID)
			mu.Unlock()
			if item.ID == "B" {
				results[i] = ItemResult{ID: item.ID, Success: false, Err: errors.New("B always fails")}
			} else {
				results[i] = ItemResult{ID: item.ID, Success: true}
			}
		}
		return results, nil
	})
	require.NoError(t, err)
	rec := recordAll(p)

	p.AddBatch([]Item{
		{ID: "A", Priority: 1},
		{ID: "B", Priority: 3},
		{ID: "C", Priority: 2},
	})

	// First cycle: sorted queue is B,C,A; batch [B,C]. B fails and is
	// re-queued, C succeeds.
	p.drain()
	// Second cycle: sorted queue is B,A. B exhausts its retry budget, A
	// succeeds.
	p.drain()

	mu.Lock()
	assert.Equal(t, []string{"B", "C", "B", "A"}, attempts)
	mu.Unlock()

	stats := p.GetStatistics()
	assert.Equal(t, uint64(2), stats.Succeeded)
	assert.Equal(t, uint64(2), stats.Failed, "both B attempts count")
	assert.Equal(t, uint64(4), stats.TotalProcessed)
	assert.Equal(t, 0, stats.QueueLength)

	failed := rec.ofType(EventItemFailed)
	require.Len(t, failed, 1, "itemFailed must fire exactly once for B")
	assert.Equal(t, "B", failed[0].Item.ID)
	assert.Equal(t, 2, failed[0].Attempts)
}

func TestDrainRequeuesBatchOnProcessorError(t *testing.T) {
	calls := 0
	p, err := NewProcessor(testConfig(), func(ctx context.Context, items []Item) ([]ItemResult, error) {
		calls++
		return nil, errors.New("downstream unavailable")
	})
	require.NoError(t, err)
	rec := recordAll(p)

	p.AddBatch([]Item{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	p.drain()

	assert.Equal(t, 1, calls)
	assert.Equal(t, 3, p.QueueLength(), "failed batch must return to the queue")

	// Front of the queue holds the batch in original order
	batch := p.takeBatch()
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].ID)
	assert.Equal(t, "b", batch[1].ID)
	assert.Zero(t, batch[0].RetryCount, "processor errors do not consume item retries")

	errs := rec.ofType(EventProcessorError)
	require.Len(t, errs, 1)
	assert.Len(t, errs[0].Batch, 2)

	stats := p.GetStatistics()
	assert.Zero(t, stats.TotalProcessed, "a wholesale failure processes nothing")
}

func TestDrainRecoversProcessorPanic(t *testing.T) {
	p, err := NewProcessor(testConfig(), func(ctx context.Context, items []Item) ([]ItemResult, error) {
		panic("processor bug")
	})
	require.NoError(t, err)
	rec := recordAll(p)

	p.Add(Item{ID: "a"})
	p.drain()

	errs := rec.ofType(EventProcessorError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Err.Error(), "panicked")
	assert.Equal(t, 1, p.QueueLength())
}

func TestDrainTypeBatchSizes(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 10
	cfg.TypeBatchSizes = map[string]int{"embedding": 2}

	var batches [][]string
	var mu sync.Mutex
	p, err := NewProcessor(cfg, func(ctx context.Context, items []Item) ([]ItemResult, error) {
		ids := make([]string, len(items))
		results := make([]ItemResult, len(items))
		for i, item := range items {
			ids[i] = item.ID + ":" + item.Type
			results[i] = ItemResult{ID: item.ID, Success: true}
		}
		mu.Lock()
		batches = append(batches, ids)
		mu.Unlock()
		return results, nil
	})
	require.NoError(t, err)

	p.AddBatch([]Item{
		{ID: "e1", Type: "embedding"},
		{ID: "e2", Type: "embedding"},
		{ID: "e3", Type: "embedding"},
		{ID: "w1", Type: "write"},
	})

	p.drain() // [e1 e2]: capped by the per-type size
	p.drain() // [e3]: run ends at the type boundary
	p.drain() // [w1]: unlisted type falls back to BatchSize

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][]string{
		{"e1:embedding", "e2:embedding"},
		{"e3:embedding"},
		{"w1:write"},
	}, batches)
}

func TestDrainEmitsLifecycleEvents(t *testing.T) {
	p, err := NewProcessor(testConfig(), allSucceed)
	require.NoError(t, err)
	rec := recordAll(p)

	p.AddBatch([]Item{{ID: "a"}, {ID: "b"}})
	p.drain()

	starts := rec.ofType(EventBatchStart)
	require.Len(t, starts, 1)
	assert.Equal(t, 2, starts[0].BatchSize)

	completes := rec.ofType(EventBatchComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, 2, completes[0].Processed)
	assert.Equal(t, 2, completes[0].Succeeded)
	assert.Equal(t, 0, completes[0].Failed)

	assert.Len(t, rec.ofType(EventItemProcessed), 2)
}

func TestStartDrainsOnTicks(t *testing.T) {
	clock := clockz.NewFakeClock()
	cfg := testConfig()
	cfg.Clock = clock

	p, err := NewProcessor(cfg, allSucceed)
	require.NoError(t, err)

	processed := make(chan Event, 10)
	p.On(EventBatchComplete, func(e Event) { processed <- e })

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	p.Add(Item{ID: "a"})
	clock.Advance(time.Second)

	select {
	case e := <-processed:
		assert.Equal(t, 1, e.Processed)
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not trigger a drain")
	}
}

func TestStartTwiceFails(t *testing.T) {
	cfg := testConfig()
	cfg.Clock = clockz.NewFakeClock()
	p, err := NewProcessor(cfg, allSucceed)
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()
	assert.Error(t, p.Start(context.Background()))
}

func TestStopFlushesWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Clock = clockz.NewFakeClock()
	cfg.FlushOnStop = true

	p, err := NewProcessor(cfg, allSucceed)
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	p.AddBatch([]Item{{ID: "a"}, {ID: "b"}})
	p.Stop()

	stats := p.GetStatistics()
	assert.Equal(t, uint64(2), stats.TotalProcessed, "flush drain must process the remaining batch")
	assert.False(t, stats.Running)
}

func TestStatisticsReset(t *testing.T) {
	p, err := NewProcessor(testConfig(), allSucceed)
	require.NoError(t, err)

	p.Add(Item{ID: "a"})
	p.drain()
	require.Equal(t, uint64(1), p.GetStatistics().TotalProcessed)

	p.ResetStatistics()
	stats := p.GetStatistics()
	assert.Zero(t, stats.TotalProcessed)
	assert.Zero(t, stats.Succeeded)
	assert.Zero(t, stats.Failed)
}

func TestEventTypeString(t *testing.T) {
	cases := map[EventType]string{
		EventBatchStart:     "batchStart",
		EventBatchComplete:  "batchComplete",
		EventItemProcessed:  "itemProcessed",
		EventItemFailed:     "itemFailed",
		EventProcessorError: "processorError",
		EventType(99):       "unknown",
	}
	for et, want := range cases {
		assert.Equal(t, want, et.String(), fmt.Sprintf("EventType(%d)", et))
	}
}
