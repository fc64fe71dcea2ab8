package domain

import "errors"

// Таксономия ошибок движка. Definition-time ошибки отбиваются до записи в БД,
// run-time ошибки фиксируются на узле и каскадируются на зависимых.
var (
	// Definition-time (валидация определений)
	ErrValidation         = errors.New("validation error")
	ErrDependencyCycle    = errors.New("dependency cycle detected")
	ErrAgentExists        = errors.New("agent already registered")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrCapabilityMismatch = errors.New("capability not declared by agent")

	// Run-time (ошибки узла)
	ErrExecutionTimeout = errors.New("execution timed out")
	ErrExecutionFailure = errors.New("execution failed")
	ErrApprovalRejected = errors.New("approval rejected")

	// Конфликты состояний
	ErrAlreadyDecided    = errors.New("approval already decided")
	ErrRunFinished       = errors.New("workflow run already finished")
	ErrWorkflowNotActive = errors.New("workflow is not active")
	ErrNotFound          = errors.New("not found")
)

// Виды ошибок узла для хранения в БД и отдачи в API.
// Отдельная колонка нужна, чтобы фронт отличал реджект оператора от сбоя исполнения.
const (
	ErrorKindTimeout          = "TIMEOUT"
	ErrorKindExecution        = "EXECUTION"
	ErrorKindApprovalRejected = "APPROVAL_REJECTED"
	ErrorKindValidation       = "VALIDATION"
	ErrorKindDependencyFailed = "DEPENDENCY_FAILED"
	ErrorKindCanceled         = "CANCELED"
)

// ErrorKind классифицирует ошибку узла в строковый вид для персистентности.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrExecutionTimeout):
		return ErrorKindTimeout
	case errors.Is(err, ErrApprovalRejected):
		return ErrorKindApprovalRejected
	case errors.Is(err, ErrValidation):
		return ErrorKindValidation
	default:
		return ErrorKindExecution
	}
}
