package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/vigil/internal/store"
)

// NewPGStores opens the database and wires every repository.
func NewPGStores(cfg store.StoreConfig) (*store.Stores, *sql.DB, error) {
	db, err := OpenDB(cfg.PostgresDSN, cfg.PoolMinConns, cfg.PoolMaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}

	return buildStores(db, db), db, nil
}

// buildStores assembles a Stores view over the given executor. root is the
// underlying *sql.DB used to begin transactions (nil inside a transaction).
func buildStores(q dbtx, root *sql.DB) *store.Stores {
	s := &store.Stores{
		Threads:     &PGThreadStore{db: q},
		Messages:    &PGMessageStore{db: q},
		Artifacts:   &PGArtifactStore{db: q},
		Jobs:        &PGJobStore{db: q},
		Approvals:   &PGApprovalStore{db: q},
		Ledger:      &PGLedgerStore{db: q},
		Tasks:       &PGTaskStore{db: q},
		Goals:       &PGGoalStore{db: q},
		Deployments: &PGDeploymentStore{db: q},
		Memory:      &PGMemoryStore{db: q},
	}
	if root != nil {
		s.Tx = &txRunner{db: root}
	}
	return s
}

// txRunner implements store.TxRunner by re-binding every repository to one
// transaction.
type txRunner struct {
	db *sql.DB
}

func (r *txRunner) WithTx(ctx context.Context, fn func(tx *store.Stores) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txStores := buildStores(tx, nil)
	// Nested WithTx inside a transaction reuses the same transaction.
	txStores.Tx = nestedTxRunner{stores: txStores}

	if err := fn(txStores); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type nestedTxRunner struct {
	stores *store.Stores
}

func (r nestedTxRunner) WithTx(_ context.Context, fn func(tx *store.Stores) error) error {
	return fn(r.stores)
}
