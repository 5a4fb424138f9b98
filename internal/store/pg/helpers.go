package pg

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// execMapUpdate applies a partial column update by id. Columns are sorted so
// the generated SQL is deterministic.
func execMapUpdate(ctx context.Context, db dbtx, table string, id uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}

	cols := make([]string, 0, len(updates))
	for col := range updates {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	setClauses := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, i+1))
		args = append(args, updates[col])
	}
	args = append(args, id)

	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		table, strings.Join(setClauses, ", "), len(cols)+1)
	_, err := db.ExecContext(ctx, q, args...)
	return err
}

// nullStr maps "" ↔ NULL for optional text columns.
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromNullStr(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

// nullUUID maps nil ↔ NULL for optional uuid columns.
func nullUUID(u *uuid.UUID) any {
	if u == nil {
		return nil
	}
	return *u
}
