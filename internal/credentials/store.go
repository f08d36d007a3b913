// Package credentials implements the Credential Store: resolution of named
// secrets, DB-first with environment-variable fallback, encrypted at rest
// with AES-256-GCM.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tzeusy/butlers/common/crypto"
)

// ErrNotFound is returned when a named secret has no DB row and no matching
// environment variable.
var ErrNotFound = errors.New("credential not found")

// Store resolves named secrets against a Postgres-backed table first,
// falling back to the process environment. Values read from the DB are
// decrypted with the master key; values read from the environment are
// returned as-is (the environment is assumed to be provisioned securely by
// the deployment).
type Store struct {
	db        *sql.DB
	masterKey []byte
	envPrefix string
}

// New creates a Store. masterKey must be exactly crypto.KeySize bytes.
// envPrefix, if non-empty, is prepended to the upper-cased secret name when
// falling back to the environment (e.g. "BUTLER_" turns "openai_api_key"
// into "BUTLER_OPENAI_API_KEY").
func New(db *sql.DB, masterKey []byte, envPrefix string) (*Store, error) {
	if len(masterKey) != crypto.KeySize {
		return nil, crypto.ErrInvalidKeySize
	}
	return &Store{db: db, masterKey: masterKey, envPrefix: envPrefix}, nil
}

// Resolve looks up name in butler_secrets first; on a miss it falls back to
// the environment. Returns ErrNotFound if neither source has it.
func (s *Store) Resolve(ctx context.Context, name string) (string, error) {
	val, err := s.fromDB(ctx, name)
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("resolve %s from db: %w", name, err)
	}

	if v, ok := os.LookupEnv(s.envVarName(name)); ok {
		return v, nil
	}
	return "", fmt.Errorf("%s: %w", name, ErrNotFound)
}

// Put encrypts and upserts a secret value into the DB, taking precedence
// over any environment fallback for subsequent resolutions.
func (s *Store) Put(ctx context.Context, name, value string) error {
	ciphertext, err := crypto.Encrypt(s.masterKey, []byte(value))
	if err != nil {
		return fmt.Errorf("encrypt secret %s: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO butler_secrets (name, ciphertext, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (name) DO UPDATE SET ciphertext = EXCLUDED.ciphertext, updated_at = now()
	`, name, ciphertext)
	if err != nil {
		return fmt.Errorf("store secret %s: %w", name, err)
	}
	return nil
}

// Delete removes a DB-stored secret. It does not affect the environment
// fallback — Resolve will fall through to the environment afterward.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM butler_secrets WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete secret %s: %w", name, err)
	}
	return nil
}

func (s *Store) fromDB(ctx context.Context, name string) (string, error) {
	var ciphertext []byte
	err := s.db.QueryRowContext(ctx, `SELECT ciphertext FROM butler_secrets WHERE name = $1`, name).Scan(&ciphertext)
	if err != nil {
		return "", err
	}
	plaintext, err := crypto.Decrypt(s.masterKey, ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %s: %w", name, err)
	}
	return string(plaintext), nil
}

func (s *Store) envVarName(name string) string {
	upper := strings.ToUpper(name)
	if s.envPrefix == "" {
		return upper
	}
	return s.envPrefix + upper
}

// ResolveAll resolves a set of named secrets into an env-slice-friendly map,
// used by the Spawner to build a sandboxed subprocess environment. Any
// secret that cannot be resolved is omitted rather than failing the whole
// batch — the Spawner decides whether a missing credential is fatal for a
// specific module.
func (s *Store) ResolveAll(ctx context.Context, names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, n := range names {
		if v, err := s.Resolve(ctx, n); err == nil {
			out[n] = v
		}
	}
	return out
}
