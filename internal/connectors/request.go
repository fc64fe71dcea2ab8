package connectors

import "github.com/xela07ax/agentflow-engine/internal/domain"

// Request — один вызов capability в Sandbox Executor.
// Дедлайн передается через context: исполнитель обязан его соблюдать,
// отмена контекста должна убивать песочницу, а не только ожидание ответа.
type Request struct {
	AgentID    string
	Capability string
	Payload    []byte
	Budget     domain.ResourceBudget
}
