// Package ledger records token and cost usage in SQLite and aggregates it
// into the snapshot's usage slice.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"pkt.systems/wsync/schema"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS usage_entries (
	entry_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cached_tokens INTEGER NOT NULL DEFAULT 0,
	cost_micros INTEGER NOT NULL DEFAULT 0,
	recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS usage_entries_workspace ON usage_entries(workspace_id, provider, model);
`

// Ledger is a SQLite-backed usage ledger.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the ledger database at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod ledger path: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record stores one usage entry. Entries without an id get a fresh one;
// recording an id twice keeps the first entry and reports false.
func (l *Ledger) Record(ctx context.Context, entry schema.UsageEntry) (schema.UsageEntry, bool, error) {
	if entry.Workspace == "" || entry.Provider == "" || entry.Model == "" {
		return entry, false, fmt.Errorf("%w: usage entry needs workspace, provider and model", schema.ErrInvalidRequest)
	}
	if entry.InputTokens < 0 || entry.OutputTokens < 0 || entry.CachedTokens < 0 || entry.CostMicros < 0 {
		return entry, false, fmt.Errorf("%w: usage counters must not be negative", schema.ErrInvalidRequest)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = l.now().UTC()
	}
	res, err := l.db.ExecContext(ctx, `
INSERT INTO usage_entries(entry_id, workspace_id, session_id, provider, model, input_tokens, output_tokens, cached_tokens, cost_micros, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(entry_id) DO NOTHING
`, entry.ID, string(entry.Workspace), string(entry.SessionID), string(entry.Provider), string(entry.Model),
		entry.InputTokens, entry.OutputTokens, entry.CachedTokens, entry.CostMicros, ts(entry.At))
	if err != nil {
		return entry, false, fmt.Errorf("record usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return entry, false, fmt.Errorf("record usage: %w", err)
	}
	return entry, n == 1, nil
}

// Summary aggregates a workspace's usage, with per-model rows ordered by
// provider and model.
func (l *Ledger) Summary(ctx context.Context, workspace schema.WorkspaceID) (schema.UsageLedger, error) {
	var out schema.UsageLedger
	err := l.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cached_tokens), 0),
	COALESCE(SUM(cost_micros), 0), COUNT(*)
FROM usage_entries WHERE workspace_id = ?
`, string(workspace)).Scan(&out.InputTokens, &out.OutputTokens, &out.CachedTokens, &out.CostMicros, &out.Entries)
	if err != nil {
		return schema.UsageLedger{}, fmt.Errorf("summarize usage: %w", err)
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT provider, model, SUM(input_tokens), SUM(output_tokens), SUM(cost_micros)
FROM usage_entries WHERE workspace_id = ?
GROUP BY provider, model
ORDER BY provider, model
`, string(workspace))
	if err != nil {
		return schema.UsageLedger{}, fmt.Errorf("summarize usage by model: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			row             schema.ModelUsage
			provider, model string
		)
		if err := rows.Scan(&provider, &model, &row.InputTokens, &row.OutputTokens, &row.CostMicros); err != nil {
			return schema.UsageLedger{}, fmt.Errorf("scan usage row: %w", err)
		}
		row.Provider = schema.ProviderID(provider)
		row.Model = schema.ModelID(model)
		out.ByModel = append(out.ByModel, row)
	}
	if err := rows.Err(); err != nil {
		return schema.UsageLedger{}, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
