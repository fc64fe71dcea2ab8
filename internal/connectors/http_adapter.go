package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/agentflow-engine/internal/domain"
)

// HTTPAdapter ходит в Sandbox Executor по HTTP (JSON-контракт).
// Executor обязан уважать дедлайн запроса и прибивать песочницу при отмене.
type HTTPAdapter struct {
	baseURL string
	client  *http.Client
	// Защитный предел, если у capability не задан свой таймаут
	defaultTimeout time.Duration
}

func NewHTTPAdapter(baseURL string, defaultTimeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL:        baseURL,
		client:         &http.Client{},
		defaultTimeout: defaultTimeout,
	}
}

type executeBody struct {
	AgentID    string                 `json:"agent_id"`
	Capability string                 `json:"capability"`
	Payload    json.RawMessage        `json:"payload"`
	Budget     domain.ResourceBudget  `json:"budget"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type executeResult struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
}

// Call реализует контракт ExecutionProvider.
func (a *HTTPAdapter) Call(ctx context.Context, req Request) ([]byte, error) {
	// Даже если планировщик выставил свой дедлайн, адаптер держит свой предел
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.defaultTimeout)
		defer cancel()
	}

	body, err := json.Marshal(executeBody{
		AgentID:    req.AgentID,
		Capability: req.Capability,
		Payload:    req.Payload,
		Budget:     req.Budget,
		Metadata:   map[string]interface{}{"source": "agentflow-engine"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", domain.ErrExecutionTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrExecutionFailure, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrExecutionFailure, err)
	}

	// Исполнитель перегружен — отдаем наверх ThrottleError с Retry-After
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 1 * time.Second
		if sec, pErr := strconv.Atoi(resp.Header.Get("Retry-After")); pErr == nil && sec > 0 {
			retryAfter = time.Duration(sec) * time.Second
		}
		return nil, &ThrottleError{RetryAfter: retryAfter, Cause: domain.ErrExecutionFailure}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: executor returned %d: %s", domain.ErrExecutionFailure, resp.StatusCode, raw)
	}

	var result executeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed executor response: %v", domain.ErrExecutionFailure, err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrExecutionFailure, result.Error)
	}

	return result.Output, nil
}
