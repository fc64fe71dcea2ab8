package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/agentflow-engine/internal/journal"
)

// WriteBatch — пакетная вставка записей журнала одним INSERT.
// Вызывается воркером журнала, не из Hot Path.
func (s *Store) WriteBatch(ctx context.Context, entries []journal.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO automation_journal (id, run_id, node_id, kind, detail, created_at) VALUES `)

	args := make([]interface{}, 0, len(entries)*6)
	for i, e := range entries {
		detail, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("postgres: failed to marshal journal detail: %w", err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 6
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6))
		args = append(args, e.ID, e.RunID, nullIfEmpty(e.NodeID), e.Kind, detail, e.CreatedAt)
	}

	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("postgres: failed to write journal batch: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
