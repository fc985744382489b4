package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/tuneclaw/internal/config"
	"github.com/clawinfra/tuneclaw/internal/store"
)

// Recorder buffers validated executions and flushes them to the store in
// batches. Producers never block on persistence; a failed flush re-queues
// the batch at the front of the buffer and the store's upsert-by-id keeps
// the retry idempotent.
type Recorder struct {
	cfg    config.RecorderConfig
	store  store.Store
	logger *slog.Logger

	mu     sync.Mutex
	buffer []*Execution

	cacheMu sync.RWMutex
	cache   map[string]*Effectiveness // category+"/"+signature -> live stats

	flushCh chan struct{}
}

// NewRecorder creates a Recorder. Call Run to start the background flusher.
func NewRecorder(cfg config.RecorderConfig, st store.Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		cfg:     cfg,
		store:   st,
		logger:  logger.With("component", "recorder"),
		buffer:  make([]*Execution, 0, cfg.BufferSize),
		cache:   make(map[string]*Effectiveness),
		flushCh: make(chan struct{}, 1),
	}
}

// Record validates and buffers one execution. Malformed input is rejected
// without buffering. The id, signature and timestamp are assigned here.
func (r *Recorder) Record(e *Execution) error {
	if err := e.Validate(); err != nil {
		r.logger.Warn("execution rejected", "category", e.Category, "error", err)
		return err
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Signature = e.Params.Signature()

	r.mu.Lock()
	r.buffer = append(r.buffer, e)
	full := len(r.buffer) >= r.cfg.BatchSize
	r.mu.Unlock()

	r.updateCache(e)

	if full {
		// Non-blocking nudge; the flusher drains everything it finds.
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// UpdateFeedback patches satisfaction/quality onto an already stored
// execution. Unknown ids are a logged no-op.
func (r *Recorder) UpdateFeedback(ctx context.Context, executionID string, satisfaction, quality float64) {
	patch := store.Record{}
	if satisfaction > 0 {
		patch["satisfaction"] = satisfaction
	}
	if quality > 0 {
		patch["quality"] = quality
	}
	if len(patch) == 0 {
		return
	}
	if err := r.store.Update(ctx, store.TableExecutions, executionID, patch); err != nil {
		r.logger.Warn("feedback update skipped", "execution", executionID, "error", err)
	}
}

// Run drains the buffer on the configured interval, on batch-size nudges,
// and once more on shutdown.
func (r *Recorder) Run(ctx context.Context) {
	interval := time.Duration(r.cfg.FlushSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("recorder flusher started", "interval", interval, "batchSize", r.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			r.Flush(context.Background())
			r.logger.Info("recorder flusher stopped")
			return
		case <-ticker.C:
			r.Flush(ctx)
		case <-r.flushCh:
			r.Flush(ctx)
		}
	}
}

// Flush writes all buffered executions to the store. On failure the batch
// goes back to the front of the buffer; it is never dropped, though a
// buffer that has grown past twice its capacity sheds its oldest entries.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buffer
	r.buffer = make([]*Execution, 0, r.cfg.BufferSize)
	r.mu.Unlock()

	start := time.Now()
	var failed []*Execution
	for _, e := range batch {
		if err := r.store.Insert(ctx, store.TableExecutions, executionRecord(e)); err != nil {
			failed = append(failed, e)
		}
	}

	if len(failed) > 0 {
		r.mu.Lock()
		r.buffer = append(failed, r.buffer...)
		if limit := r.cfg.BufferSize * 2; len(r.buffer) > limit {
			r.logger.Warn("recorder buffer overflow, dropping oldest",
				"dropped", len(r.buffer)-r.cfg.BufferSize)
			r.buffer = r.buffer[len(r.buffer)-r.cfg.BufferSize:]
		}
		r.mu.Unlock()
		r.logger.Error("flush failed, batch re-queued",
			"failed", len(failed), "batch", len(batch))
		return
	}

	r.logger.Debug("flushed executions", "count", len(batch), "elapsed", time.Since(start))
}

// BufferLen returns the number of unflushed executions.
func (r *Recorder) BufferLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// Live returns the streaming effectiveness entries for a category from the
// incremental cache, without touching the store.
func (r *Recorder) Live(category string) []*Effectiveness {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	var out []*Effectiveness
	for _, eff := range r.cache {
		if eff.Category == category {
			cp := *eff
			out = append(out, &cp)
		}
	}
	return out
}

// updateCache applies one execution to the streaming per-cohort means.
func (r *Recorder) updateCache(e *Execution) {
	key := e.Category + "/" + e.Signature

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	eff, ok := r.cache[key]
	if !ok {
		success := 0.0
		if e.Success {
			success = 1.0
		}
		r.cache[key] = &Effectiveness{
			Category:        e.Category,
			Signature:       e.Signature,
			Params:          e.Params.Clone(),
			Count:           1,
			SuccessRate:     success,
			AvgLatencyMs:    e.LatencyMs,
			AvgCostUSD:      e.CostUSD,
			AvgQuality:      e.Quality,
			AvgSatisfaction: e.Satisfaction,
			Confidence:      0.1,
			LastUpdated:     e.Timestamp,
		}
		return
	}

	n := float64(eff.Count)
	nn := n + 1
	success := 0.0
	if e.Success {
		success = 1.0
	}
	eff.Count++
	eff.SuccessRate = (eff.SuccessRate*n + success) / nn
	eff.AvgLatencyMs = (eff.AvgLatencyMs*n + e.LatencyMs) / nn
	eff.AvgCostUSD = (eff.AvgCostUSD*n + e.CostUSD) / nn
	eff.AvgQuality = (eff.AvgQuality*n + e.Quality) / nn
	if e.Satisfaction > 0 {
		eff.AvgSatisfaction = (eff.AvgSatisfaction*n + e.Satisfaction) / nn
	}
	eff.Confidence = confidence(eff.Count, 100)
	eff.LastUpdated = e.Timestamp
}

func executionRecord(e *Execution) store.Record {
	return store.Record{
		"id":           e.ID,
		"created_at":   e.Timestamp,
		"category":     e.Category,
		"signature":    e.Signature,
		"params":       map[string]float64(e.Params),
		"latency_ms":   e.LatencyMs,
		"cost_usd":     e.CostUSD,
		"quality":      e.Quality,
		"success":      e.Success,
		"error_kind":   e.ErrorKind,
		"complexity":   e.Complexity,
		"domain":       e.Domain,
		"satisfaction": e.Satisfaction,
	}
}

// confidence saturates with sample size: min(0.95, n/n0).
func confidence(n, n0 int) float64 {
	if n0 <= 0 {
		n0 = 100
	}
	c := float64(n) / float64(n0)
	if c > 0.95 {
		return 0.95
	}
	return c
}
