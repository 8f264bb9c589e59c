package vault

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/signalhook/tradegate/internal/model"
)

// PostgresStore persists encrypted credentials. Only ciphertext and nonce
// ever reach the database.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

type credentialRow struct {
	ID        string `db:"id"`
	Exchange  string `db:"exchange"`
	Name      string `db:"name"`
	ApiKey    string `db:"api_key"`
	Secret    []byte `db:"secret_ciphertext"`
	Nonce     []byte `db:"secret_nonce"`
	Status    string `db:"status"`
	CreatedAt sql.NullTime `db:"created_at"`
}

func (s *PostgresStore) Insert(ctx context.Context, cred *model.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, exchange, name, api_key, secret_ciphertext, secret_nonce, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, cred.ID, cred.Exchange, cred.Name, cred.ApiKey, cred.Secret, cred.Nonce, string(cred.Status), cred.CreatedAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Credential, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, exchange, name, api_key, secret_ciphertext, secret_nonce, status, created_at
		FROM credentials WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*model.Credential, error) {
	var rows []credentialRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, exchange, name, api_key, secret_ciphertext, secret_nonce, status, created_at
		FROM credentials ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	creds := make([]*model.Credential, 0, len(rows))
	for i := range rows {
		creds = append(creds, rows[i].toDomain())
	}
	return creds, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status model.CredentialStatus) error {
	result, err := s.db.ExecContext(ctx, `UPDATE credentials SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRow) toDomain() *model.Credential {
	cred := &model.Credential{
		ID:       r.ID,
		Exchange: r.Exchange,
		Name:     r.Name,
		ApiKey:   r.ApiKey,
		Secret:   r.Secret,
		Nonce:    r.Nonce,
		Status:   model.CredentialStatus(r.Status),
	}
	if r.CreatedAt.Valid {
		cred.CreatedAt = r.CreatedAt.Time
	}
	return cred
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			exchange TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL,
			secret_ciphertext BYTEA NOT NULL,
			secret_nonce BYTEA NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}
