// Package translate implements the batch translation pipeline: it drives a
// remote chat-completions API under a global requests-per-minute cap, runs
// many batch calls concurrently behind a counting semaphore, preserves the
// input order of every translated value, degrades failed batches to their
// source text instead of aborting, and records successes in a persistent
// cache so an interrupted run can resume where it left off.
package translate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conversa-dev/conversa/cache"
	"github.com/conversa-dev/conversa/dataset"
	"github.com/conversa-dev/conversa/ratelimit"
)

// contextPlaceholder is sent in place of an empty context field; the
// translated value is discarded on merge so empty contexts stay empty.
const contextPlaceholder = "N/A"

// Options controls pipeline behavior.
type Options struct {
	// BatchSize is how many texts go into one API call.
	BatchSize int
	// MaxConcurrent caps simultaneous in-flight batch calls.
	MaxConcurrent int
	// RequestsPerMinute is the global token-bucket rate.
	RequestsPerMinute int
	// MaxRetries is the total attempt count per batch before degrading.
	MaxRetries int
	// OnProgress is called as batches complete, with translated item counts.
	OnProgress func(field string, done, total int)
	// OnLog emits log messages during the run.
	OnLog func(format string, args ...any)
	// OnError emits warnings (degraded batches, flush failures).
	OnError func(format string, args ...any)
}

func (o *Options) log(format string, args ...any) {
	if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Options) logError(format string, args ...any) {
	if o.OnError != nil {
		o.OnError(format, args...)
	} else if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Options) effectiveBatchSize() int {
	if o.BatchSize > 0 {
		return o.BatchSize
	}
	return 10
}

func (o *Options) effectiveMaxConcurrent() int {
	if o.MaxConcurrent > 0 {
		return o.MaxConcurrent
	}
	return 20
}

func (o *Options) effectiveMaxRetries() int {
	if o.MaxRetries > 0 {
		return o.MaxRetries
	}
	return 3
}

func (o *Options) effectiveRPM() int {
	if o.RequestsPerMinute > 0 {
		return o.RequestsPerMinute
	}
	return 180
}

// Summary counts what happened to every item-field value in a run.
type Summary struct {
	Translated int // translated over the network this run
	Degraded   int // fell back to source text after exhausted retries
	Cached     int // served from cache, no network
	Batches    int // API batches dispatched
}

// Pipeline owns the shared run state: one client, one rate limiter, one
// cache handle, and the concurrency gate, all shared by every worker.
type Pipeline struct {
	client  *Client
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	opts    Options

	translated atomic.Int64
	degraded   atomic.Int64
	cached     atomic.Int64
	batches    atomic.Int64
}

// NewPipeline wires a pipeline from its collaborators. The rate limiter is
// constructed once per run; the cache handle is owned by the caller so the
// same cache spans multiple runs.
func NewPipeline(client *Client, c *cache.Cache, opts Options) *Pipeline {
	return &Pipeline{
		client:  client,
		cache:   c,
		limiter: ratelimit.New(opts.effectiveRPM()),
		opts:    opts,
	}
}

// fieldSpec adapts one translatable field of a QA pair.
type fieldSpec struct {
	name string
	get  func(*dataset.QAPair) string
	set  func(*dataset.QAPair, string)
}

func pairFields() []fieldSpec {
	return []fieldSpec{
		{
			name: "question",
			get:  func(qa *dataset.QAPair) string { return qa.QuestionPT },
			set:  func(qa *dataset.QAPair, v string) { qa.QuestionEN = v },
		},
		{
			name: "answer",
			get:  func(qa *dataset.QAPair) string { return qa.AnswerPT },
			set:  func(qa *dataset.QAPair, v string) { qa.AnswerEN = v },
		},
		{
			name: "context",
			get: func(qa *dataset.QAPair) string {
				if qa.Context == "" {
					return contextPlaceholder
				}
				return qa.Context
			},
			set: func(qa *dataset.QAPair, v string) {
				if qa.Context == "" {
					qa.ContextEN = ""
					return
				}
				qa.ContextEN = v
			},
		},
	}
}

// TranslatePairs translates the question, answer, and context fields of
// every pair, one field pass at a time. Pairs are mutated in place; slice
// order is never changed. The cache is flushed after each field pass, so
// an interrupt loses at most one unflushed pass of work.
func (p *Pipeline) TranslatePairs(ctx context.Context, pairs []*dataset.QAPair) (Summary, error) {
	for _, field := range pairFields() {
		values := make([]string, len(pairs))
		for i, qa := range pairs {
			values[i] = field.get(qa)
		}

		p.opts.log("Translating %s field (%d values)...", field.name, len(values))

		results, err := p.translateValues(ctx, field.name, values)
		if err != nil {
			// Flush what completed before the interrupt; the resume
			// analyzer picks up anything unflushed on the next run.
			if ferr := p.cache.Flush(); ferr != nil {
				p.opts.logError("cache flush after interrupt: %v", ferr)
			}
			return p.summary(), err
		}

		// Merge by index: slot i belongs to pair i regardless of which
		// batch finished first.
		for i, qa := range pairs {
			field.set(qa, results[i])
		}

		if err := p.cache.Flush(); err != nil {
			return p.summary(), fmt.Errorf("flushing cache after %s pass: %w", field.name, err)
		}
	}

	return p.summary(), nil
}

func (p *Pipeline) summary() Summary {
	return Summary{
		Translated: int(p.translated.Load()),
		Degraded:   int(p.degraded.Load()),
		Cached:     int(p.cached.Load()),
		Batches:    int(p.batches.Load()),
	}
}

// batchJob is one dispatch unit: a contiguous run of un-cached values and
// the result slots they map back into.
type batchJob struct {
	texts   []string
	indices []int
}

// translateValues returns a slice the same length as texts where element i
// is the translation of texts[i]. Cache hits are filled synchronously and
// bypass both gates; the rest are batched and dispatched concurrently,
// each worker writing only its own pre-assigned slots.
func (p *Pipeline) translateValues(ctx context.Context, field string, texts []string) ([]string, error) {
	results := make([]string, len(texts))

	var pendingIdx []int
	for i, t := range texts {
		if cached, ok := p.cache.Get(t); ok {
			results[i] = cached
			// Placeholder hits are not skipped work; keep them out of
			// the run summary.
			if t != contextPlaceholder {
				p.cached.Add(1)
			}
			continue
		}
		pendingIdx = append(pendingIdx, i)
	}

	if len(pendingIdx) == 0 {
		return results, nil
	}

	batchSize := p.opts.effectiveBatchSize()
	var jobs []batchJob
	for start := 0; start < len(pendingIdx); start += batchSize {
		end := start + batchSize
		if end > len(pendingIdx) {
			end = len(pendingIdx)
		}
		job := batchJob{
			indices: pendingIdx[start:end],
			texts:   make([]string, end-start),
		}
		for j, idx := range job.indices {
			job.texts[j] = texts[idx]
		}
		jobs = append(jobs, job)
	}

	sem := make(chan struct{}, p.opts.effectiveMaxConcurrent())
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once
	var done atomic.Int64
	total := int64(len(pendingIdx))

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(job batchJob) {
			defer wg.Done()

			// Rate limiter first, then the gate, so a caller waiting on
			// tokens does not hold an in-flight slot.
			if err := p.limiter.Acquire(ctx); err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errOnce.Do(func() { firstErr = ctx.Err() })
				return
			}
			defer func() { <-sem }()

			outcome, err := p.client.translateWithRetry(ctx, job.texts, p.opts.effectiveMaxRetries())
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}

			p.batches.Add(1)
			if outcome.Degraded {
				p.degraded.Add(int64(len(job.texts)))
				p.opts.logError("batch of %d %s values degraded to source text after %d attempts: %v",
					len(job.texts), field, outcome.Attempts, outcome.Err)
			} else {
				p.translated.Add(int64(len(job.texts)))
			}

			for j, idx := range job.indices {
				results[idx] = outcome.Translations[j]
				if !outcome.Degraded {
					p.cache.Set(job.texts[j], outcome.Translations[j])
				}
			}

			newDone := done.Add(int64(len(job.texts)))
			if p.opts.OnProgress != nil {
				p.opts.OnProgress(field, int(newDone), int(total))
			}
		}(job)
	}

	wg.Wait()

	if firstErr != nil {
		return results, firstErr
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// Texts translates a flat list of strings outside any QA pair structure,
// with the same ordering and fallback guarantees.
func (p *Pipeline) Texts(ctx context.Context, texts []string) ([]string, error) {
	results, err := p.translateValues(ctx, "text", texts)
	if err != nil {
		return nil, err
	}
	if ferr := p.cache.Flush(); ferr != nil {
		return results, fmt.Errorf("flushing cache: %w", ferr)
	}
	return results, nil
}

// Elapsed formats a duration for run summaries.
func Elapsed(start time.Time) string {
	return time.Since(start).Round(100 * time.Millisecond).String()
}
