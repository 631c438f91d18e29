// Package postgres records retrieval results in Postgres. Both the document
// ledger and the run sink are optional and only built when a DSN is configured.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pearswick/dumpany/internal/retrieval"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	RunsTable       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the stores use; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Connect opens a pool for cfg.DSN.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return p, nil
}

func tableName(name, fallback string) (string, error) {
	if name == "" {
		name = fallback
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

// Ledger keeps one row per stored document.
type Ledger struct {
	pool  pool
	table string
}

// NewLedger builds a Ledger on an existing pool. The default table is documents.
func NewLedger(p pool, table string) (*Ledger, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, "documents")
	if err != nil {
		return nil, err
	}
	return &Ledger{pool: p, table: table}, nil
}

// Close releases the underlying pool.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// RecordDocument upserts the row for doc. A rerun that downloads the same
// destination again replaces the earlier row.
func (l *Ledger) RecordDocument(ctx context.Context, doc retrieval.Document) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("ledger is not configured")
	}
	if doc.Key == "" {
		return fmt.Errorf("document key is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	company_number,
	document_key,
	run_id,
	company_name,
	description,
	source_url,
	local_path,
	sha256,
	bytes,
	downloaded_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (company_number, document_key) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	source_url = EXCLUDED.source_url,
	local_path = EXCLUDED.local_path,
	sha256 = EXCLUDED.sha256,
	bytes = EXCLUDED.bytes,
	downloaded_at = EXCLUDED.downloaded_at`, l.table)

	args := []any{
		doc.CompanyNumber,
		doc.Key,
		doc.RunID,
		doc.CompanyName,
		doc.Description,
		doc.SourceURL,
		doc.Path,
		doc.SHA256,
		doc.Bytes,
		doc.DownloadedAt,
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}
