package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/basetrust/reputation-engine/configs"
	"github.com/basetrust/reputation-engine/internal/chain"
	"github.com/basetrust/reputation-engine/internal/models"
	"github.com/basetrust/reputation-engine/internal/repositories"
)

// =============================================================================
// Indexer ingest pipeline
// =============================================================================
// This worker does NOT score wallets (the Redis Stream worker handles
// that). It consumes the chain indexer's Kafka topics and keeps the local
// view of Base activity current:
//   - base.transfers     -> raw_transfers + wallet_metrics + relationships
//   - base.fraud-reports -> fraud_reports
// Raw transfer inserts are idempotent on tx hash. The running aggregates
// are approximate under Kafka redelivery; the hourly refresh job rebuilds
// wallet_metrics from raw transfers, which reconciles any double counting.
// =============================================================================

// transferFlushSize is how many transfers accumulate before a flush.
const transferFlushSize = 100

// transferFlushInterval bounds how long a partial batch may wait.
const transferFlushInterval = time.Second

// RealTimeMetrics tracks live ingest counters
type RealTimeMetrics struct {
	mu                sync.RWMutex
	TransfersIngested int64
	DuplicatesSkipped int64
	ReportsIngested   int64
	VolumeIngested    float64
	ParseFailures     int64
	LastEventTime     time.Time
	EventsPerSecond   float64
	windowStart       time.Time
	windowCount       int64
}

func NewRealTimeMetrics() *RealTimeMetrics {
	return &RealTimeMetrics{
		windowStart: time.Now(),
	}
}

func (m *RealTimeMetrics) RecordTransfers(inserted, skipped int, volume float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TransfersIngested += int64(inserted)
	m.DuplicatesSkipped += int64(skipped)
	m.VolumeIngested += volume
	m.recordEventLocked(int64(inserted + skipped))
}

func (m *RealTimeMetrics) RecordReport() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReportsIngested++
	m.recordEventLocked(1)
}

func (m *RealTimeMetrics) RecordParseFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ParseFailures++
}

func (m *RealTimeMetrics) recordEventLocked(n int64) {
	m.LastEventTime = time.Now()
	m.windowCount += n

	// Calculate events per second
	elapsed := time.Since(m.windowStart).Seconds()
	if elapsed > 0 {
		m.EventsPerSecond = float64(m.windowCount) / elapsed
	}

	// Reset window every minute
	if elapsed > 60 {
		m.windowStart = time.Now()
		m.windowCount = 0
	}
}

func (m *RealTimeMetrics) GetSnapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"transfers_ingested": m.TransfersIngested,
		"duplicates_skipped": m.DuplicatesSkipped,
		"reports_ingested":   m.ReportsIngested,
		"volume_ingested":    m.VolumeIngested,
		"parse_failures":     m.ParseFailures,
		"events_per_second":  m.EventsPerSecond,
		"last_event_time":    m.LastEventTime,
	}
}

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENVIRONMENT") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().Msg("Starting indexer ingest pipeline")

	// Load configuration
	cfg := configs.Load()

	topics := []string{cfg.Kafka.TransferTopic, cfg.Kafka.FraudReportTopic}

	// Connect to database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply schema")
	}

	// Initialize repositories
	transferRepo := repositories.NewTransferRepository(db)
	metricsRepo := repositories.NewMetricsRepository(db)
	relationshipRepo := repositories.NewRelationshipRepository(db)
	fraudRepo := repositories.NewFraudReportRepository(db)

	// Initialize real-time metrics
	metrics := NewRealTimeMetrics()

	// Create Kafka consumer
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	// Retry connecting to Kafka
	var consumerGroup sarama.ConsumerGroup
	for i := 0; i < 30; i++ {
		consumerGroup, err = sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	// Create consumer handler
	handler := &IngestHandler{
		transferTopic: cfg.Kafka.TransferTopic,
		reportTopic:   cfg.Kafka.FraudReportTopic,
		transferRepo:  transferRepo,
		metricsRepo:   metricsRepo,
		relRepo:       relationshipRepo,
		fraudRepo:     fraudRepo,
		metrics:       metrics,
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received, stopping ingest pipeline...")
		cancel()
	}()

	// Start metrics reporter (logs every 30 seconds)
	go handler.startMetricsReporter(ctx)

	// Start consuming
	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Strs("topics", topics).
		Str("group_id", cfg.Kafka.ConsumerGroup).
		Msg("Ingest pipeline started - consuming indexer events")

	for {
		if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}

		if ctx.Err() != nil {
			log.Info().Msg("Context cancelled, shutting down ingest pipeline")
			return
		}
	}
}

// IngestHandler processes indexer events
type IngestHandler struct {
	transferTopic string
	reportTopic   string
	transferRepo  *repositories.TransferRepository
	metricsRepo   *repositories.MetricsRepository
	relRepo       *repositories.RelationshipRepository
	fraudRepo     *repositories.FraudReportRepository
	metrics       *RealTimeMetrics
}

func (h *IngestHandler) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Ingest session started")
	return nil
}

func (h *IngestHandler) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Ingest session ended")
	return nil
}

// ConsumeClaim buffers transfer events into small batches; fraud reports
// are rare and land one at a time. Offsets are marked only after the
// owning batch has been flushed.
func (h *IngestHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	var pendingMsgs []*sarama.ConsumerMessage
	var pendingTransfers []*models.RawTransfer

	ticker := time.NewTicker(transferFlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(pendingTransfers) == 0 {
			return
		}
		h.flushTransfers(session.Context(), pendingTransfers)
		for _, m := range pendingMsgs {
			session.MarkMessage(m, "")
		}
		pendingMsgs = pendingMsgs[:0]
		pendingTransfers = pendingTransfers[:0]
	}

	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				flush()
				return nil
			}

			switch message.Topic {
			case h.transferTopic:
				if transfer := h.parseTransfer(message.Value); transfer != nil {
					pendingMsgs = append(pendingMsgs, message)
					pendingTransfers = append(pendingTransfers, transfer)
					if len(pendingTransfers) >= transferFlushSize {
						flush()
					}
				} else {
					// Unparseable events are acknowledged; redelivery
					// cannot fix them.
					session.MarkMessage(message, "")
				}

			case h.reportTopic:
				h.processReport(session.Context(), message.Value)
				session.MarkMessage(message, "")

			default:
				session.MarkMessage(message, "")
			}

		case <-ticker.C:
			flush()

		case <-session.Context().Done():
			flush()
			return nil
		}
	}
}

// parseTransfer decodes and validates one transfer event.
func (h *IngestHandler) parseTransfer(value []byte) *models.RawTransfer {
	var event models.TransferEvent
	if err := json.Unmarshal(value, &event); err != nil {
		log.Error().Err(err).Msg("Failed to parse transfer event")
		h.metrics.RecordParseFailure()
		return nil
	}

	if event.TxHash == "" || !chain.IsValidAddress(event.From) || !chain.IsValidAddress(event.To) {
		log.Warn().Str("tx_hash", event.TxHash).Msg("Transfer event failed validation")
		h.metrics.RecordParseFailure()
		return nil
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return &models.RawTransfer{
		TxHash:        event.TxHash,
		BlockNumber:   event.BlockNumber,
		FromAddress:   chain.NormalizeAddress(event.From),
		ToAddress:     chain.NormalizeAddress(event.To),
		Amount:        event.Amount,
		TransferredAt: ts,
	}
}

// flushTransfers lands one batch: raw rows first, then the running
// aggregates for both legs of every transfer.
func (h *IngestHandler) flushTransfers(ctx context.Context, transfers []*models.RawTransfer) {
	inserted, err := h.transferRepo.InsertBatch(ctx, transfers)
	if err != nil {
		log.Error().Err(err).Int("batch", len(transfers)).Msg("Transfer batch insert failed")
		return
	}

	var volume float64
	for _, t := range transfers {
		volume += t.Amount

		if err := h.metricsRepo.RecordTransfer(ctx, t.FromAddress, t.Amount, "out", t.TransferredAt); err != nil {
			log.Warn().Err(err).Str("wallet", t.FromAddress).Msg("Metrics update failed")
		}
		if err := h.metricsRepo.RecordTransfer(ctx, t.ToAddress, t.Amount, "in", t.TransferredAt); err != nil {
			log.Warn().Err(err).Str("wallet", t.ToAddress).Msg("Metrics update failed")
		}
		if err := h.relRepo.RecordTransfer(ctx, t.FromAddress, t.ToAddress, t.Amount, t.TransferredAt); err != nil {
			log.Warn().Err(err).
				Str("from", t.FromAddress).
				Str("to", t.ToAddress).
				Msg("Relationship update failed")
		}
	}

	h.metrics.RecordTransfers(inserted, len(transfers)-inserted, volume)

	log.Debug().
		Int("batch", len(transfers)).
		Int("inserted", inserted).
		Msg("Transfer batch flushed")
}

// processReport lands one fraud report event.
func (h *IngestHandler) processReport(ctx context.Context, value []byte) {
	var event models.FraudReportEvent
	if err := json.Unmarshal(value, &event); err != nil {
		log.Error().Err(err).Msg("Failed to parse fraud report event")
		h.metrics.RecordParseFailure()
		return
	}

	if !chain.IsValidAddress(event.Wallet) {
		log.Warn().Str("wallet", event.Wallet).Msg("Fraud report event failed validation")
		h.metrics.RecordParseFailure()
		return
	}

	report := &models.FraudReport{
		Wallet:   chain.NormalizeAddress(event.Wallet),
		Reporter: chain.NormalizeAddress(event.Reporter),
		Reason:   event.Reason,
	}
	if !event.Timestamp.IsZero() {
		report.CreatedAt = event.Timestamp
	}

	if err := h.fraudRepo.Create(ctx, report); err != nil {
		log.Error().Err(err).Str("wallet", report.Wallet).Msg("Fraud report insert failed")
		return
	}

	h.metrics.RecordReport()

	log.Info().
		Str("wallet", report.Wallet).
		Str("reason", report.Reason).
		Msg("Fraud report ingested")
}

func (h *IngestHandler) startMetricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snapshot := h.metrics.GetSnapshot()
			log.Info().
				Int64("transfers", snapshot["transfers_ingested"].(int64)).
				Int64("duplicates", snapshot["duplicates_skipped"].(int64)).
				Int64("reports", snapshot["reports_ingested"].(int64)).
				Float64("volume", snapshot["volume_ingested"].(float64)).
				Float64("events_per_sec", snapshot["events_per_second"].(float64)).
				Msg("Ingest pipeline metrics")

		case <-ctx.Done():
			return
		}
	}
}
