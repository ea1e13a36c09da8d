package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/domain"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(3)
	ctx := context.Background()

	var current, peak int64
	var mu sync.Mutex

	for i := 0; i < 20; i++ {
		err := pool.Submit(ctx, func(ctx context.Context) {
			n := atomic.AddInt64(&current, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
		})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	pool.Wait()

	if peak > 3 {
		t.Errorf("expected at most 3 concurrent tasks, saw %d", peak)
	}
}

func TestPoolSubmitHonorsContext(t *testing.T) {
	pool := NewPool(1)
	release := make(chan struct{})

	if err := pool.Submit(context.Background(), func(ctx context.Context) {
		<-release
	}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := pool.Submit(ctx, func(ctx context.Context) {})
	if err == nil {
		t.Error("expected context error submitting to saturated pool")
	}

	close(release)
	pool.Wait()
}

type stubScorer struct {
	scored atomic.Int64
}

func (s *stubScorer) Analyze(ctx context.Context, tx *domain.Transaction) (*domain.FraudResult, error) {
	s.scored.Add(1)
	return &domain.FraudResult{TransactionID: tx.ID, RiskScore: 0.1}, nil
}

func TestWorkerScoresIngestedTransactions(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()

	scorer := &stubScorer{}
	w := NewWorker(eventBus, scorer)
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	defer w.Stop()

	tx := domain.Transaction{
		ID:        "tx-async-1",
		UserID:    "user-1",
		Amount:    decimal.NewFromFloat(25),
		Currency:  "USD",
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	if err := eventBus.Publish(context.Background(), domain.TopicTransactionIngested, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	deadline := time.After(time.Second)
	for scorer.scored.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("worker never scored the ingested transaction")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
