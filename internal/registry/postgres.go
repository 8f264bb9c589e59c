package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/signalhook/tradegate/internal/model"
)

// PostgresRegistry persists idempotency state in Postgres. The atomic
// compare-and-insert is an INSERT ... ON CONFLICT DO NOTHING on the key's
// primary-key constraint.
type PostgresRegistry struct {
	db *sqlx.DB
}

func NewPostgresRegistry(db *sqlx.DB) (*PostgresRegistry, error) {
	r := &PostgresRegistry{db: db}
	if err := r.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PostgresRegistry) Reserve(ctx context.Context, key string) (*Entry, bool, error) {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO execution_records (key, processing, created_at)
		VALUES ($1, true, $2)
		ON CONFLICT (key) DO NOTHING
	`, key, now)
	if err != nil {
		return nil, false, err
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return nil, true, nil
	}

	var (
		record     []byte
		processing bool
		createdAt  time.Time
	)
	err = r.db.QueryRowxContext(ctx, `
		SELECT record, processing, created_at
		FROM execution_records
		WHERE key = $1
	`, key).Scan(&record, &processing, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost a race with an Abandon; try again.
		return r.Reserve(ctx, key)
	}
	if err != nil {
		return nil, false, err
	}

	entry := &Entry{Processing: processing, CreatedAt: createdAt}
	if len(record) > 0 {
		var rec model.ExecutionRecord
		if err := json.Unmarshal(record, &rec); err != nil {
			return nil, false, err
		}
		entry.Record = &rec
	}
	return entry, false, nil
}

func (r *PostgresRegistry) Commit(ctx context.Context, key string, rec *model.ExecutionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE execution_records
		SET record = $2, processing = false
		WHERE key = $1
	`, key, payload)
	return err
}

func (r *PostgresRegistry) Abandon(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM execution_records WHERE key = $1`, key)
	return err
}

// Cleanup removes entries older than the retention window. Call it
// periodically; the table is append-mostly otherwise.
func (r *PostgresRegistry) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	_, err := r.db.ExecContext(ctx, `DELETE FROM execution_records WHERE created_at < $1`, cutoff)
	return err
}

func (r *PostgresRegistry) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS execution_records (
			key TEXT PRIMARY KEY,
			record JSONB,
			processing BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}
