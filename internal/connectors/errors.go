package connectors

import (
	"fmt"
	"time"
)

// ThrottleError возвращается коннектором, когда исполнитель просит снизить
// темп (считан заголовок Retry-After). Планировщик учитывает RetryAfter
// при расчете задержки между попытками.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error {
	return e.Cause
}
