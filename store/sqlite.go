package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteHistory keeps the history in a SQLite database, one row per run
// and one per scored server.
type SQLiteHistory struct {
	db *sql.DB
}

func OpenSQLiteHistory(ctx context.Context, path string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	h := &SQLiteHistory{db: db}
	if err := h.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return h, nil
}

func (h *SQLiteHistory) Close() error { return h.db.Close() }

func (h *SQLiteHistory) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
	id        TEXT PRIMARY KEY,
	ts        TEXT NOT NULL,
	region    TEXT NOT NULL,
	service   TEXT NOT NULL,
	current   TEXT,
	action    TEXT NOT NULL,
	reason    TEXT NOT NULL,
	chosen    TEXT,
	outcome   TEXT,
	dry_run   INTEGER NOT NULL DEFAULT 0,
	probed    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_ts ON runs (ts);

CREATE TABLE IF NOT EXISTS run_servers (
	run_id           TEXT NOT NULL,
	rank             INTEGER NOT NULL,
	address          TEXT NOT NULL,
	region           TEXT NOT NULL,
	is_current       INTEGER NOT NULL DEFAULT 0,
	score            REAL NOT NULL,
	offset_ms        REAL NOT NULL,
	jitter_ms        REAL NOT NULL,
	rtt_ms           REAL NOT NULL,
	stratum          INTEGER NOT NULL,
	reachability_pct REAL NOT NULL,
	secure           INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, rank),
	FOREIGN KEY(run_id) REFERENCES runs(id)
);
CREATE INDEX IF NOT EXISTS idx_run_servers_address ON run_servers (address);
`
	_, err := h.db.ExecContext(ctx, schema)
	return err
}

func (h *SQLiteHistory) Append(ctx context.Context, r Record) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO runs (id, ts, region, service, current, action, reason, chosen, outcome, dry_run, probed)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Timestamp.UTC().Format(time.RFC3339Nano), r.Region, r.Service,
		r.Current, r.Action, r.Reason, r.Chosen, r.Outcome, r.DryRun, r.Probed,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, s := range r.Servers {
		_, err = tx.ExecContext(ctx, `
INSERT INTO run_servers (run_id, rank, address, region, is_current, score, offset_ms, jitter_ms, rtt_ms, stratum, reachability_pct, secure)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, s.Rank, s.Address, s.Region, s.IsCurrent, s.Score,
			s.OffsetMs, s.JitterMs, s.RTTMs, s.Stratum, s.ReachabilityPct, s.Secure,
		)
		if err != nil {
			return fmt.Errorf("failed to insert server %s: %w", s.Address, err)
		}
	}

	return tx.Commit()
}

// Runs returns the number of recorded runs.
func (h *SQLiteHistory) Runs(ctx context.Context) (int, error) {
	var n int
	err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n)
	return n, err
}
