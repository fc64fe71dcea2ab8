package domain

import (
	"fmt"
	"time"
)

type WorkflowStatus string

const (
	WorkflowActive   WorkflowStatus = "ACTIVE"   // Участвует в триггерах
	WorkflowDraft    WorkflowStatus = "DRAFT"    // Редактируется, запускать нельзя
	WorkflowArchived WorkflowStatus = "ARCHIVED" // История, только чтение
)

// Trigger описывает, по какому событию шины стартует воркфлоу.
// Pattern — иерархический сабжект с wildcards: "hub.*.repo.*" или "hub.>".
type Trigger struct {
	Event   string `json:"event"`
	Pattern string `json:"pattern"`
}

// WorkflowNode — вершина DAG: одна capability агента с шаблонизированным входом.
type WorkflowNode struct {
	ID         string                 `json:"id"` // Уникален в рамках воркфлоу
	AgentID    string                 `json:"agent_id"`
	Capability string                 `json:"capability"`
	Input      map[string]interface{} `json:"input"`
	DependsOn  []string               `json:"depends_on"`

	// nil — берем дефолт из RiskClass агента
	ApprovalRequired *bool `json:"approval_required,omitempty"`
}

// NeedsApproval вычисляет эффективный флаг HITL для узла.
func (n *WorkflowNode) NeedsApproval(risk RiskClass) bool {
	if n.ApprovalRequired != nil {
		return *n.ApprovalRequired
	}
	return risk == RiskApprovalRequired
}

type Workflow struct {
	ID      string         `json:"id"` // UUID
	Project string         `json:"project"`
	Name    string         `json:"name"`
	Version int            `json:"version"` // Replace-on-save инкрементирует
	Status  WorkflowStatus `json:"status"`
	Trigger Trigger        `json:"trigger"`
	Nodes   []WorkflowNode `json:"nodes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateStructure проверяет ссылочную целостность DAG:
// уникальность id узлов, существование зависимостей, отсутствие циклов.
// Резолв (agent, capability) — отдельный шаг уровня сервиса (нужен Registry).
func (w *Workflow) ValidateStructure() error {
	if w.Name == "" || w.Project == "" {
		return fmt.Errorf("%w: workflow name and project are required", ErrValidation)
	}
	if len(w.Nodes) == 0 {
		return fmt.Errorf("%w: workflow must contain at least one node", ErrValidation)
	}

	byID := make(map[string]*WorkflowNode, len(w.Nodes))
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("%w: node id is required", ErrValidation)
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrValidation, n.ID)
		}
		byID[n.ID] = n
	}

	for _, n := range w.Nodes {
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				return fmt.Errorf("%w: node %q depends on itself", ErrDependencyCycle, n.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: node %q depends on unknown node %q", ErrValidation, n.ID, dep)
			}
		}
	}

	return w.detectCycle(byID)
}

// detectCycle — DFS по ребрам depends_on с множеством "в обработке".
// Любое обратное ребро — цикл.
func (w *Workflow) detectCycle(byID map[string]*WorkflowNode) error {
	const (
		white = 0 // не посещен
		grey  = 1 // в текущем пути DFS
		black = 2 // полностью обработан
	)
	color := make(map[string]int, len(w.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case grey:
				return fmt.Errorf("%w: via nodes %q and %q", ErrDependencyCycle, id, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range w.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
