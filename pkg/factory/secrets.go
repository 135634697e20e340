package factory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver for tenant databases
)

var validSecretKey = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

// normalizeSecretKey validates and lowercases a secret key.
func normalizeSecretKey(key string) (string, error) {
	if !validSecretKey.MatchString(key) {
		return "", fmt.Errorf("invalid secret key %q", key)
	}
	return strings.ToLower(key), nil
}

// SecretStore is a plain key/value table inside a tenant's provisioned
// database. Secrets are not encrypted; the tenant can equally read them
// with SQL.
type SecretStore struct {
	db *sqlx.DB
}

const (
	createSecretsTable = `CREATE TABLE IF NOT EXISTS secrets (key text PRIMARY KEY, value text NOT NULL)`
	getSecretQuery     = `SELECT value FROM secrets WHERE key = $1`
	setSecretQuery     = `INSERT INTO secrets (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = $2`
)

// OpenSecretStore connects to the tenant database and ensures the
// secrets table exists.
func OpenSecretStore(ctx context.Context, connStr string) (*SecretStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to tenant database: %w", err)
	}
	s := &SecretStore{db: db}
	if err := s.ensureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSecretStoreFromDB wraps an existing connection; used by tests.
func NewSecretStoreFromDB(db *sql.DB) *SecretStore {
	return &SecretStore{db: sqlx.NewDb(db, "postgres")}
}

func (s *SecretStore) ensureTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSecretsTable); err != nil {
		return fmt.Errorf("failed to ensure secrets table: %w", err)
	}
	return nil
}

// Get reads one secret. Returns ("", false, nil) when the key does not
// exist.
func (s *SecretStore) Get(ctx context.Context, key string) (string, bool, error) {
	key, err := normalizeSecretKey(key)
	if err != nil {
		return "", false, err
	}

	var value string
	err = s.db.GetContext(ctx, &value, getSecretQuery, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read secret %q: %w", key, err)
	}
	return value, true, nil
}

// Set creates or overwrites one secret.
func (s *SecretStore) Set(ctx context.Context, key, value string) error {
	key, err := normalizeSecretKey(key)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, setSecretQuery, key, value); err != nil {
		return fmt.Errorf("failed to write secret %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SecretStore) Close() error {
	return s.db.Close()
}
