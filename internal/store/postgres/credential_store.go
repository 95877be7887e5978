package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratforge/stratd/internal/domain"
)

// CredentialStore implements domain.CredentialStore using PostgreSQL. Only
// ciphertext envelopes are stored; decryption happens in the credential
// vault at the moment of use.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a new CredentialStore backed by the given
// connection pool.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

const credentialSelectCols = `id, user_id, label, api_key_cipher, api_secret_cipher, created_at`

func scanCredentialRow(row pgx.Row) (domain.BrokerCredential, error) {
	var c domain.BrokerCredential
	err := row.Scan(&c.ID, &c.UserID, &c.Label, &c.APIKeyCipher, &c.APISecretCipher, &c.CreatedAt)
	if err != nil {
		return domain.BrokerCredential{}, err
	}
	return c, nil
}

// Create inserts an encrypted credential pair, generating an ID when none is
// supplied.
func (s *CredentialStore) Create(ctx context.Context, cred domain.BrokerCredential) (domain.BrokerCredential, error) {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO broker_credentials (id, user_id, label, api_key_cipher, api_secret_cipher)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + credentialSelectCols

	created, err := scanCredentialRow(s.pool.QueryRow(ctx, query,
		cred.ID, cred.UserID, cred.Label, cred.APIKeyCipher, cred.APISecretCipher,
	))
	if err != nil {
		return domain.BrokerCredential{}, fmt.Errorf("postgres: create credential %s: %w", cred.ID, err)
	}
	return created, nil
}

// GetByID retrieves a single credential.
func (s *CredentialStore) GetByID(ctx context.Context, id string) (domain.BrokerCredential, error) {
	query := `SELECT ` + credentialSelectCols + ` FROM broker_credentials WHERE id = $1`

	cred, err := scanCredentialRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BrokerCredential{}, domain.ErrNotFound
		}
		return domain.BrokerCredential{}, fmt.Errorf("postgres: get credential %s: %w", id, err)
	}
	return cred, nil
}

// ListByUser returns a user's credentials, newest first.
func (s *CredentialStore) ListByUser(ctx context.Context, userID string) ([]domain.BrokerCredential, error) {
	query := `SELECT ` + credentialSelectCols + `
		FROM broker_credentials WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list credentials for user %s: %w", userID, err)
	}
	defer rows.Close()

	var creds []domain.BrokerCredential
	for rows.Next() {
		cred, err := scanCredentialRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// Delete removes a credential.
func (s *CredentialStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM broker_credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete credential %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Compile-time interface check.
var _ domain.CredentialStore = (*CredentialStore)(nil)
