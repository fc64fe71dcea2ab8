package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// RiskClass определяет дефолтный режим запуска узлов, ссылающихся на агента.
type RiskClass string

const (
	RiskAuto             RiskClass = "AUTO"              // Запуск без участия человека
	RiskApprovalRequired RiskClass = "APPROVAL_REQUIRED" // Каждый узел требует апрува (HITL)
)

// ResourceBudget — лимиты, которые шлюз передает Sandbox Executor при вызове.
type ResourceBudget struct {
	CPUMillis int `json:"cpu_millis"`
	MemoryMB  int `json:"memory_mb"`
}

// Capability — именованная операция агента с типизированными схемами входа/выхода.
type Capability struct {
	Name         string          `json:"name"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
	Budget       ResourceBudget  `json:"budget"`
	TimeoutSec   int             `json:"timeout_sec"` // Дедлайн одного вызова в секундах
}

type Agent struct {
	ID           string       `json:"id"` // UUID
	Project      string       `json:"project"`
	Name         string       `json:"name"`
	RiskClass    RiskClass    `json:"risk_class"`
	Capabilities []Capability `json:"capabilities"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate проверяет определение агента при регистрации.
// Кривые схемы отбиваем сразу — после регистрации агент неизменяем
// (кроме добавления новых версий capability).
func (a *Agent) Validate() error {
	if a.Name == "" || a.Project == "" {
		return fmt.Errorf("%w: agent name and project are required", ErrValidation)
	}
	if a.RiskClass != RiskAuto && a.RiskClass != RiskApprovalRequired {
		return fmt.Errorf("%w: unknown risk class %q", ErrValidation, a.RiskClass)
	}
	if len(a.Capabilities) == 0 {
		return fmt.Errorf("%w: agent must declare at least one capability", ErrValidation)
	}
	seen := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		if c.Name == "" {
			return fmt.Errorf("%w: capability name is required", ErrValidation)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: duplicate capability %q", ErrValidation, c.Name)
		}
		seen[c.Name] = struct{}{}

		if err := validateSchema(c.InputSchema); err != nil {
			return fmt.Errorf("%w: capability %q input schema: %v", ErrValidation, c.Name, err)
		}
		if err := validateSchema(c.OutputSchema); err != nil {
			return fmt.Errorf("%w: capability %q output schema: %v", ErrValidation, c.Name, err)
		}
	}
	return nil
}

// Capability ищет операцию по имени.
func (a *Agent) Capability(name string) (*Capability, error) {
	for i := range a.Capabilities {
		if a.Capabilities[i].Name == name {
			return &a.Capabilities[i], nil
		}
	}
	return nil, fmt.Errorf("%w: agent %s has no capability %q", ErrCapabilityMismatch, a.Name, name)
}

// validateSchema — минимальный контракт схемы: JSON-объект с полем "type".
func validateSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("schema is empty")
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return fmt.Errorf("schema is not a JSON object: %v", err)
	}
	if _, ok := schema["type"].(string); !ok {
		return fmt.Errorf("schema must declare a string \"type\"")
	}
	return nil
}
