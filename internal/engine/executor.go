package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/agentflow-engine/internal/connectors"
	"golang.org/x/time/rate"
)

// ExecutionProvider — транспорт к Sandbox Executor. Движок видит только
// этот интерфейс: HTTP-адаптер в проде, мок в разработке и тестах.
type ExecutionProvider interface {
	Call(ctx context.Context, req connectors.Request) ([]byte, error)
}

// ReliabilityWrapper защищает исполнитель от перегрузки: rate limiter на
// входе и circuit breaker вокруг вызова. Ретраев здесь НЕТ — ретраи
// принадлежат планировщику, потому что каждая попытка должна оставить
// свою запись в истории agent_runs.
type ReliabilityWrapper struct {
	next    ExecutionProvider
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliabilityWrapper(next ExecutionProvider, rps float64, burst int) *ReliabilityWrapper {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sandbox-executor",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
	})

	if rps <= 0 {
		rps = 100
	}
	if burst <= 0 {
		burst = 20
	}

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (w *ReliabilityWrapper) Call(ctx context.Context, req connectors.Request) ([]byte, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	result, err := w.cb.Execute(func() (interface{}, error) {
		return w.next.Call(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}
