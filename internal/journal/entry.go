package journal

import "time"

// Kind — тип события в журнале автоматизации.
const (
	KindRunStarted        = "run_started"
	KindNodeDispatched    = "node_dispatched"
	KindAttemptFinished   = "attempt_finished"
	KindApprovalRequested = "approval_requested"
	KindApprovalDecided   = "approval_decided"
	KindRunFinished       = "run_finished"
	KindRunCanceled       = "run_canceled"
)

// Entry — одна строка журнала. Журнал append-only и служит для разбора
// инцидентов: кто, что и когда сделал с запуском.
type Entry struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id"`
	NodeID    string                 `json:"node_id,omitempty"`
	Kind      string                 `json:"kind"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
