package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"
)

// MockExecutor имитирует Sandbox Executor для локальной разработки и демо.
type MockExecutor struct{}

func (c *MockExecutor) Call(ctx context.Context, req Request) ([]byte, error) {
	// Имитируем задержку 50-300мс
	latency := time.Duration(50+rand.IntN(250)) * time.Millisecond

	select {
	case <-time.After(latency):
		// Имитация работы
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if req.Capability == "unstable.service" {
		return nil, fmt.Errorf("service internal error")
	}

	switch req.Capability {
	case "copy.outline.draft":
		return []byte(`{"status": "drafted", "outline": ["hook", "body", "cta"]}`), nil
	case "copy.body.write":
		return []byte(`{"status": "written", "words": 420}`), nil
	case "copy.review.score":
		return []byte(`{"status": "scored", "quality": 0.87}`), nil
	case "publish.cms.push":
		return []byte(`{"status": "published", "url": "https://cms.local/post/42"}`), nil
	default:
		// Дефолтный эхо-ответ: полезно в интеграционных прогонах
		echo := json.RawMessage(`null`)
		if len(req.Payload) > 0 {
			echo = req.Payload
		}
		out := map[string]interface{}{
			"status":     "ok",
			"capability": req.Capability,
			"echo":       echo,
		}
		return json.Marshal(out)
	}
}
