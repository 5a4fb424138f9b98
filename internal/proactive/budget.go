package proactive

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/vigil/internal/config"
	"github.com/nextlevelbuilder/vigil/internal/store"
)

// Budget levels.
const (
	BudgetOK       = "ok"
	BudgetWarning  = "warning"
	BudgetCritical = "critical"
)

// Budget answers "how much proactive spend is left today". It carries no
// state beyond configuration; usage always comes from the ledger.
type Budget struct {
	ledger    store.LedgerStore
	limit     int64
	hardFloor int64
	warn      float64
	critical  float64
}

func NewBudget(ledger store.LedgerStore, cfg config.BudgetConfig) *Budget {
	return &Budget{
		ledger:    ledger,
		limit:     cfg.DailyProactiveLimit,
		hardFloor: cfg.HardFloor,
		warn:      cfg.WarnRatio,
		critical:  cfg.CriticalRatio,
	}
}

func (b *Budget) Limit() int64 { return b.limit }

// UsedToday sums today's proactive spend.
func (b *Budget) UsedToday(ctx context.Context) (int64, error) {
	used, err := b.ledger.DailyUsage(ctx, store.ScopeProactive, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("daily proactive usage: %w", err)
	}
	return used, nil
}

// Remaining returns max(0, limit - used).
func (b *Budget) Remaining(ctx context.Context) (int64, error) {
	used, err := b.UsedToday(ctx)
	if err != nil {
		return 0, err
	}
	if used >= b.limit {
		return 0, nil
	}
	return b.limit - used, nil
}

// BelowFloor reports whether proactive spending must stop for the day:
// remaining budget under the hard floor, or usage already at the critical
// ratio. Critical usage meditates even when the absolute floor would still
// allow a few more calls.
func (b *Budget) BelowFloor(ctx context.Context) (bool, int64, error) {
	used, err := b.UsedToday(ctx)
	if err != nil {
		return false, 0, err
	}
	if b.limit-used < b.hardFloor {
		return true, used, nil
	}
	return b.Level(used) == BudgetCritical, used, nil
}

// Level maps usage to ok/warning/critical.
func (b *Budget) Level(used int64) string {
	if b.limit <= 0 {
		return BudgetOK
	}
	ratio := float64(used) / float64(b.limit)
	switch {
	case ratio >= b.critical:
		return BudgetCritical
	case ratio >= b.warn:
		return BudgetWarning
	default:
		return BudgetOK
	}
}
