package scoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/basetrust/reputation-engine/configs"
	"github.com/basetrust/reputation-engine/internal/queue"
)

// Worker drains the background-refresh stream, rescoring one wallet per
// entry through the shared orchestrator. Wallet-level coalescing happens
// inside the orchestrator, so duplicate entries are cheap.
type Worker struct {
	id           string
	orchestrator *Orchestrator
	streamClient *queue.RedisStreamClient
	config       configs.WorkerConfig
	wg           sync.WaitGroup
	stopCh       chan struct{}
	stopOnce     sync.Once
	metrics      *WorkerMetrics
}

// WorkerMetrics tracks worker throughput.
type WorkerMetrics struct {
	mu                sync.RWMutex
	ProcessedCount    int64
	FailedCount       int64
	TotalProcessingMs int64
	LastProcessedAt   time.Time
}

// NewWorker creates a refresh worker.
func NewWorker(id string, orchestrator *Orchestrator, streamClient *queue.RedisStreamClient, config configs.WorkerConfig) *Worker {
	return &Worker{
		id:           id,
		orchestrator: orchestrator,
		streamClient: streamClient,
		config:       config,
		stopCh:       make(chan struct{}),
		metrics:      &WorkerMetrics{},
	}
}

// Start launches the consume loops and blocks until the context ends.
func (w *Worker) Start(ctx context.Context) error {
	log.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.config.Concurrency).
		Msg("Starting refresh worker")

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}

	<-ctx.Done()
	return w.Stop()
}

// Stop drains the worker gracefully. Safe to call more than once.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		log.Info().Str("worker_id", w.id).Msg("Stopping worker...")
		close(w.stopCh)
	})
	w.wg.Wait()
	log.Info().Str("worker_id", w.id).Msg("Worker stopped")
	return nil
}

// processLoop is the consume loop for one consumer name.
func (w *Worker) processLoop(ctx context.Context, consumerName string) {
	defer w.wg.Done()

	log.Info().Str("consumer", consumerName).Msg("Worker goroutine started")

	for {
		select {
		case <-w.stopCh:
			log.Info().Str("consumer", consumerName).Msg("Worker goroutine stopping")
			return
		case <-ctx.Done():
			return
		default:
			w.processBatch(ctx, consumerName)
		}
	}
}

// processBatch consumes and handles one batch of refresh requests.
// Failures requeue with a bumped retry count until the attempt budget
// runs out, then dead-letter.
func (w *Worker) processBatch(ctx context.Context, consumerName string) {
	messages, err := w.streamClient.Consume(ctx, consumerName, int64(w.config.BatchSize), w.config.PollInterval)
	if err != nil {
		log.Error().Err(err).Str("consumer", consumerName).Msg("Failed to consume messages")
		time.Sleep(time.Second) // back off
		return
	}

	if len(messages) == 0 {
		return
	}

	log.Debug().
		Str("consumer", consumerName).
		Int("count", len(messages)).
		Msg("Processing refresh batch")

	var ackIDs []string

	for _, msg := range messages {
		if err := w.processMessage(ctx, msg); err != nil {
			log.Error().
				Err(err).
				Str("message_id", msg.ID).
				Str("wallet", msg.Event.Wallet).
				Msg("Refresh failed")

			if msg.Event.RetryCount < w.config.RetryAttempts {
				msg.Event.RetryCount++
				if _, err := w.streamClient.PublishRefresh(ctx, msg.Event); err != nil {
					log.Error().Err(err).Msg("Failed to requeue refresh")
				}
			} else {
				if err := w.streamClient.SendToDeadLetter(ctx, msg.Event, err); err != nil {
					log.Error().Err(err).Msg("Failed to send to dead letter queue")
				}
			}

			w.metrics.mu.Lock()
			w.metrics.FailedCount++
			w.metrics.mu.Unlock()
		}

		ackIDs = append(ackIDs, msg.ID)
	}

	if len(ackIDs) > 0 {
		if err := w.streamClient.AcknowledgeBatch(ctx, ackIDs); err != nil {
			log.Error().Err(err).Msg("Failed to acknowledge messages")
		}
	}
}

// processMessage rescores one wallet. Forced entries always recompute;
// soft entries only recompute when the cached score has expired.
func (w *Worker) processMessage(ctx context.Context, msg queue.StreamMessage) error {
	startTime := time.Now()

	_, err := w.orchestrator.ComputeOrGetScore(ctx, msg.Event.Wallet, Options{
		ForceRefresh: msg.Event.Force,
		StaleOk:      false,
	})
	if err != nil {
		return fmt.Errorf("rescore failed: %w", err)
	}

	processingTime := time.Since(startTime)

	w.metrics.mu.Lock()
	w.metrics.ProcessedCount++
	w.metrics.TotalProcessingMs += processingTime.Milliseconds()
	w.metrics.LastProcessedAt = time.Now()
	w.metrics.mu.Unlock()

	return nil
}

// GetMetrics returns a copy of the worker metrics.
func (w *Worker) GetMetrics() WorkerMetrics {
	w.metrics.mu.RLock()
	defer w.metrics.mu.RUnlock()
	return WorkerMetrics{
		ProcessedCount:    w.metrics.ProcessedCount,
		FailedCount:       w.metrics.FailedCount,
		TotalProcessingMs: w.metrics.TotalProcessingMs,
		LastProcessedAt:   w.metrics.LastProcessedAt,
	}
}

// WorkerPool manages multiple workers.
type WorkerPool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewWorkerPool creates a pool over a shared orchestrator.
func NewWorkerPool(
	numWorkers int,
	orchestrator *Orchestrator,
	streamClient *queue.RedisStreamClient,
	config configs.WorkerConfig,
) *WorkerPool {
	pool := &WorkerPool{
		workers: make([]*Worker, numWorkers),
	}

	for i := 0; i < numWorkers; i++ {
		pool.workers[i] = NewWorker(
			fmt.Sprintf("worker-%d", i),
			orchestrator,
			streamClient,
			config,
		)
	}

	return pool
}

// Start starts all workers and blocks until the context ends or a
// worker fails.
func (p *WorkerPool) Start(ctx context.Context) error {
	log.Info().Int("num_workers", len(p.workers)).Msg("Starting worker pool")

	errCh := make(chan error, len(p.workers))

	for _, worker := range p.workers {
		w := worker
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := w.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops all workers in the pool.
func (p *WorkerPool) Stop() error {
	log.Info().Msg("Stopping worker pool")

	for _, worker := range p.workers {
		if err := worker.Stop(); err != nil {
			log.Error().Err(err).Str("worker_id", worker.id).Msg("Failed to stop worker")
		}
	}

	p.wg.Wait()
	log.Info().Msg("Worker pool stopped")
	return nil
}

// GetAggregatedMetrics merges the metrics of every worker.
func (p *WorkerPool) GetAggregatedMetrics() map[string]interface{} {
	var totalProcessed, totalFailed, totalProcessingMs int64
	var lastProcessedAt time.Time

	for _, worker := range p.workers {
		metrics := worker.GetMetrics()
		totalProcessed += metrics.ProcessedCount
		totalFailed += metrics.FailedCount
		totalProcessingMs += metrics.TotalProcessingMs
		if metrics.LastProcessedAt.After(lastProcessedAt) {
			lastProcessedAt = metrics.LastProcessedAt
		}
	}

	avgProcessingMs := float64(0)
	if totalProcessed > 0 {
		avgProcessingMs = float64(totalProcessingMs) / float64(totalProcessed)
	}

	return map[string]interface{}{
		"total_processed":   totalProcessed,
		"total_failed":      totalFailed,
		"avg_processing_ms": avgProcessingMs,
		"last_processed_at": lastProcessedAt,
		"active_workers":    len(p.workers),
	}
}
