// Package dbstore is the relational persistence layer: hosts, users,
// the durable message queue, the audit log, tags, secrets metadata,
// default repositories, CVE data, integration settings and password
// reset tokens, all behind a single transactional boundary per public
// operation. Built on database/sql + lib/pq with jmoiron/sqlx struct
// scanning.
package dbstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sysmanage/sysmanage-server/internal/config"
)

// Store wraps a *sqlx.DB connection pool and exposes one method per
// domain operation. A Store obtained from Transact is bound to that
// transaction: every operation called on it joins the ambient
// transaction instead of opening its own, so a mutation, its audit
// entry and any follow-up enqueues commit or roll back together.
type Store struct {
	db *sqlx.DB
	tx *sqlx.Tx
}

// Open connects to Postgres using the supplied database config and
// verifies connectivity with a ping.
func Open(cfg *config.DatabaseConfig) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, cfg.SSLMode,
	)
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbstore: connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	return &Store{db: db}, nil
}

// New wraps an already-open sqlx.DB, used by tests with go-sqlmock.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

// Transact runs fn with a transaction-bound Store, committing on
// success and rolling back on any returned error. Nested calls join the
// ambient transaction; only the outermost owns commit/rollback.
func (s *Store) Transact(ctx context.Context, fn func(tx *Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbstore: begin tx: %w", err)
	}
	if err := fn(&Store{db: s.db, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("dbstore: rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbstore: commit: %w", err)
	}
	return nil
}

// ext returns the query target: the bound transaction when inside
// Transact, the pool otherwise.
func (s *Store) ext() sqlx.ExtContext {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// withTx runs fn inside a transaction. When the Store is already bound
// to one (via Transact), fn joins it and the outer caller keeps
// commit/rollback ownership.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.Transact(ctx, func(txStore *Store) error {
		return fn(txStore.tx)
	})
}

func isNoRows(err error) bool { return err == sql.ErrNoRows }
