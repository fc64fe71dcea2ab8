package domain

import (
	"encoding/json"
	"time"
)

// Статусы State Machine запуска воркфлоу.
// PENDING мгновенный: выставляется при создании и тут же продвигается планировщиком.
type RunStatus string

const (
	RunPending         RunStatus = "PENDING"
	RunRunning         RunStatus = "RUNNING"
	RunWaitingApproval RunStatus = "WAITING_APPROVAL"
	RunSuccess         RunStatus = "SUCCESS"
	RunFailed          RunStatus = "FAILED"
)

// IsTerminal: из SUCCESS/FAILED переходов нет.
func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFailed
}

type NodeStatus string

const (
	NodePending NodeStatus = "PENDING"
	NodeRunning NodeStatus = "RUNNING"
	NodeSuccess NodeStatus = "SUCCESS"
	NodeFailed  NodeStatus = "FAILED"
)

func (s NodeStatus) IsTerminal() bool {
	return s == NodeSuccess || s == NodeFailed
}

// WorkflowRun — одна инстанциация воркфлоу против контекста триггера.
type WorkflowRun struct {
	ID              string                 `json:"id"` // UUID
	WorkflowID      string                 `json:"workflow_id"`
	WorkflowVersion int                    `json:"workflow_version"`
	TriggerContext  map[string]interface{} `json:"trigger_context"`
	Status          RunStatus              `json:"status"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunNode — снапшот узла, снятый при старте запуска.
// Поздние правки воркфлоу на живой запуск не влияют: планировщик
// работает только со снапшотом.
type RunNode struct {
	RunID            string                 `json:"run_id"`
	NodeID           string                 `json:"node_id"`
	AgentID          string                 `json:"agent_id"`
	Capability       string                 `json:"capability"`
	Input            map[string]interface{} `json:"input"`
	DependsOn        []string               `json:"depends_on"`
	ApprovalRequired bool                   `json:"approval_required"`

	Status    NodeStatus `json:"status"`
	ErrorKind string     `json:"error_kind,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type AgentRunStatus string

const (
	AgentRunPending AgentRunStatus = "PENDING"
	AgentRunRunning AgentRunStatus = "RUNNING"
	AgentRunSuccess AgentRunStatus = "SUCCESS"
	AgentRunFailed  AgentRunStatus = "FAILED"
)

func (s AgentRunStatus) IsTerminal() bool {
	return s == AgentRunSuccess || s == AgentRunFailed
}

// AgentRun — одна попытка исполнения capability.
// После терминального статуса запись неизменяема: ретрай создает НОВУЮ
// запись, история неудачных попыток никогда не переписывается.
type AgentRun struct {
	ID         string `json:"id"` // UUID
	AgentID    string `json:"agent_id"`
	Capability string `json:"capability"`

	// Связь с воркфлоу опциональна: трекер пишет и прямые вызовы capability.
	RunID   *string `json:"run_id,omitempty"`
	NodeID  *string `json:"node_id,omitempty"`
	Attempt int     `json:"attempt"` // 1-based номер попытки

	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output,omitempty"` // nil до завершения
	Status AgentRunStatus  `json:"status"`
	Error  string          `json:"error,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Duration — вычисляемая длительность попытки.
func (r *AgentRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunDetail — агрегат для отдачи в Console API: запуск со всеми
// снапшотами узлов, попытками и апрувами.
type RunDetail struct {
	Run       WorkflowRun `json:"run"`
	Nodes     []RunNode   `json:"nodes"`
	AgentRuns []AgentRun  `json:"agent_runs"`
	Approvals []Approval  `json:"approvals"`
}
