package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Scorer is the scoring entry point the worker feeds. Satisfied by the
// detector.
type Scorer interface {
	Analyze(ctx context.Context, tx *domain.Transaction) (*domain.FraudResult, error)
}

// Worker consumes transactions published on the ingestion topic and runs
// them through the scorer. It exists for deployments that feed the engine
// from a bus instead of (or in addition to) the HTTP API.
type Worker struct {
	bus    domain.EventBus
	scorer Scorer

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates an async scoring worker.
func NewWorker(bus domain.EventBus, scorer Scorer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		scorer: scorer,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("ingestion worker started", "topic", domain.TopicTransactionIngested)
	return nil
}

// Stop unsubscribes and waits for in-flight messages to finish.
func (w *Worker) Stop() {
	w.cancel()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}
	w.wg.Wait()
	slog.Info("ingestion worker stopped")
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	var tx domain.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		slog.Error("failed to decode ingested transaction",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	result, err := w.scorer.Analyze(ctx, &tx)
	if err != nil {
		slog.Error("async scoring failed",
			"transaction_id", tx.ID,
			"error", err,
		)
		return err
	}

	slog.Info("transaction scored",
		"transaction_id", tx.ID,
		"risk_score", result.RiskScore,
		"fraud", result.Fraud,
	)
	return nil
}
