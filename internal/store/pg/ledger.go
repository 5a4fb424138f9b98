package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/vigil/internal/store"
)

// PGLedgerStore implements store.LedgerStore.
type PGLedgerStore struct {
	db dbtx
}

func (s *PGLedgerStore) Log(ctx context.Context, e *store.LedgerEntry) error {
	if e.ID == uuid.Nil {
		e.ID = store.GenNewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.TokensTotal = e.TokensInput + e.TokensOutput

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_ledger (id, scope, provider, tokens_input, tokens_output, tokens_total, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Scope, e.Provider, e.TokensInput, e.TokensOutput, e.TokensTotal,
		jsonMap(e.Meta), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *PGLedgerStore) DailyUsage(ctx context.Context, scope string, at time.Time) (int64, error) {
	from, to := utcDayBounds(at)
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens_total), 0) FROM token_ledger
		 WHERE scope = $1 AND created_at >= $2 AND created_at < $3`,
		scope, from, to,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("daily usage: %w", err)
	}
	return total, nil
}

func (s *PGLedgerStore) DailyUsageByScope(ctx context.Context, at time.Time) (map[string]int64, error) {
	from, to := utcDayBounds(at)
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, COALESCE(SUM(tokens_total), 0) FROM token_ledger
		 WHERE created_at >= $1 AND created_at < $2 GROUP BY scope`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("daily usage by scope: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var scope string
		var total int64
		if err := rows.Scan(&scope, &total); err != nil {
			return nil, err
		}
		out[scope] = total
	}
	return out, rows.Err()
}

func utcDayBounds(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	from := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.Add(24 * time.Hour)
}
