package conduit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// BatchProgress is a snapshot of a running batch, sampled on every item
// state transition.
type BatchProgress struct {
	Total     int
	Running   int
	Completed int
	Failed    int
	CacheHits int
	ElapsedMS int64
}

// BatchResult holds one slot of a batch outcome: either a response or the
// error that item failed with. Slot order mirrors input order.
type BatchResult struct {
	Response *GenerationResponse
	Err      error
}

// progressTracker aggregates item transitions and fans snapshots out to the
// console. Safe for concurrent workers.
type progressTracker struct {
	mu      sync.Mutex
	p       BatchProgress
	start   time.Time
	console Console
	min     Verbosity
}

func newProgressTracker(total int, console Console, v Verbosity) *progressTracker {
	return &progressTracker{
		p:       BatchProgress{Total: total},
		start:   time.Now(),
		console: console,
		min:     v,
	}
}

func (t *progressTracker) update(fn func(*BatchProgress)) {
	t.mu.Lock()
	fn(&t.p)
	t.p.ElapsedMS = time.Since(t.start).Milliseconds()
	snapshot := t.p
	t.mu.Unlock()
	if t.console != nil && t.min > VerbositySilent {
		t.console.Progress(snapshot)
	}
}

func (t *progressTracker) started() {
	t.update(func(p *BatchProgress) { p.Running++ })
}

func (t *progressTracker) completed(cacheHit bool) {
	t.update(func(p *BatchProgress) {
		p.Running--
		p.Completed++
		if cacheHit {
			p.CacheHits++
		}
	})
}

func (t *progressTracker) failed() {
	t.update(func(p *BatchProgress) {
		p.Running--
		p.Failed++
	})
}

// Snapshot returns the current progress.
func (t *progressTracker) Snapshot() BatchProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p
}

// Batch runs one generation per prompt with bounded parallelism.
// maxConcurrent <= 0 means unbounded. Results preserve input order; a
// failure in one item never cancels its siblings. Cancelling ctx drops
// queued items and aborts in-flight ones at their next suspension point.
func (c *Client) Batch(ctx context.Context, prompts []string, params Params, opts *Options, maxConcurrent int) []BatchResult {
	reqs := make([]*GenerationRequest, len(prompts))
	for i, p := range prompts {
		reqs[i] = &GenerationRequest{
			Messages: []Message{NewUserMessage(p)},
			Params:   params,
		}
	}
	return c.BatchRequests(ctx, reqs, opts, maxConcurrent)
}

// BatchRequests runs pre-built requests with bounded parallelism. The
// options argument overrides each request's own options when non-nil.
func (c *Client) BatchRequests(ctx context.Context, reqs []*GenerationRequest, opts *Options, maxConcurrent int) []BatchResult {
	merged := c.mergeOptions(opts)
	var span Span
	if tracer := c.requestTracer(merged); tracer != nil {
		ctx, span = tracer.Start(ctx, "conduit.batch",
			IntAttr("items", len(reqs)),
			IntAttr("max_concurrent", maxConcurrent))
		defer span.End()
	}

	results := make([]BatchResult, len(reqs))
	tracker := newProgressTracker(len(reqs), merged.Console, merged.Verbosity)

	var sem *semaphore.Weighted
	if maxConcurrent > 0 {
		sem = semaphore.NewWeighted(int64(maxConcurrent))
	}

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *GenerationRequest) {
			defer wg.Done()
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					results[i] = BatchResult{Err: WrapErr(KindCancelled, err, "batch item %d not started", i)}
					tracker.started()
					tracker.failed()
					return
				}
				defer sem.Release(1)
			}
			tracker.started()
			run := *req
			if opts != nil {
				run.Options = merged
			} else {
				run.Options = c.mergeOptions(&req.Options)
			}
			// Batch items never share one conversation: concurrent appends
			// to a single session are a caller error.
			run.Options.Conversation = nil
			run.Params.Stream = false
			var resp *GenerationResponse
			var err error
			if run.Options.Tools != nil && run.Options.Tools.Len() > 0 {
				resp, err = c.runToolLoop(ctx, &run)
			} else {
				resp, err = c.generateOnce(ctx, &run)
			}
			if err != nil {
				results[i] = BatchResult{Err: err}
				tracker.failed()
				return
			}
			results[i] = BatchResult{Response: resp}
			tracker.completed(resp.Metadata.CacheHit)
		}(i, req)
	}
	wg.Wait()

	if span != nil {
		final := tracker.Snapshot()
		span.SetAttr(
			IntAttr("completed", final.Completed),
			IntAttr("failed", final.Failed),
			IntAttr("cache_hits", final.CacheHits))
	}
	return results
}
