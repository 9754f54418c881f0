// Package credentials provides encrypted per-connector secret storage.
// Secrets are encrypted with AES-256-GCM under a single process-level key
// and never appear in connector configuration records; the connector record
// holds only a placeholder sentinel.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Placeholder replaces secret values in sanitized connector configurations.
const Placeholder = "__stored__"

// ErrNotFound is returned when no credential exists for (connector, field).
var ErrNotFound = errors.New("credential not found")

// Error represents a credential failure (missing key, invalid ciphertext,
// decryption failure). It is a distinct kind so callers can detect it with
// errors.As; decryption failure is never surfaced as an empty value.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("credential %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// secretCatalog is the authoritative list of sensitive configuration fields
// keyed by connector type. Fields listed here are treated as tainted.
var secretCatalog = map[string][]string{
	"database": {"password"},
	"api":      {"api_key", "oauth_client_secret", "bearer_token"},
	"file": {
		"aws_access_key", "aws_secret_key", "password", "private_key",
		"account_key", "sas_token", "azure_connection_string",
	},
}

// SecretFields returns the sensitive configuration fields for a connector type.
func SecretFields(connectorType string) []string {
	return secretCatalog[connectorType]
}

// Store manages encrypted credential storage.
type Store struct {
	db     *sql.DB
	encKey []byte
}

// NewStore creates a credential store backed by the shared state database.
// encryptionKey must be exactly 32 bytes for AES-256.
func NewStore(db *sql.DB, encryptionKey []byte) (*Store, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes for AES-256")
	}

	s := &Store{db: db, encKey: encryptionKey}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS connector_credentials (
		id TEXT PRIMARY KEY,
		connector_id TEXT NOT NULL,
		credential_type TEXT NOT NULL,
		encrypted_value TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (connector_id, credential_type)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// encrypt encrypts plaintext using AES-256-GCM, base64url encoded.
func (s *Store) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", &Error{Op: "encrypt", Err: err}
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", &Error{Op: "encrypt", Err: err}
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", &Error{Op: "encrypt", Err: err}
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts base64url ciphertext using AES-256-GCM.
func (s *Store) decrypt(ciphertext string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &Error{Op: "decode", Err: err}
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", &Error{Op: "decrypt", Err: err}
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", &Error{Op: "decrypt", Err: err}
	}

	if len(data) < gcm.NonceSize() {
		return "", &Error{Op: "decrypt", Err: errors.New("ciphertext too short")}
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &Error{Op: "decrypt", Err: err}
	}
	return string(plaintext), nil
}

// Store upserts a credential and returns the stable credential id.
// The (connector_id, credential_type) pair is unique; a second write for the
// same pair updates the existing row in a single statement.
func (s *Store) Store(ctx context.Context, connectorID, field, plaintext string) (string, error) {
	encrypted, err := s.encrypt(plaintext)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := `
	INSERT INTO connector_credentials (id, connector_id, credential_type, encrypted_value, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (connector_id, credential_type)
	DO UPDATE SET encrypted_value = excluded.encrypted_value, updated_at = excluded.updated_at
	RETURNING id`

	var id string
	err = s.db.QueryRowContext(ctx, query, uuid.New().String(), connectorID, field, encrypted, now, now).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to store credential: %w", err)
	}
	return id, nil
}

// Get returns the decrypted credential for (connector, field).
func (s *Store) Get(ctx context.Context, connectorID, field string) (string, error) {
	var encrypted string
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_value FROM connector_credentials WHERE connector_id = ? AND credential_type = ?`,
		connectorID, field,
	).Scan(&encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load credential: %w", err)
	}
	return s.decrypt(encrypted)
}

// Delete removes all credentials for a connector.
func (s *Store) Delete(ctx context.Context, connectorID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM connector_credentials WHERE connector_id = ?`, connectorID)
	return err
}

// ExtractAndStore pulls the listed secret fields out of config, stores each
// encrypted, and returns a sanitized copy with secrets replaced by the
// placeholder sentinel. Only the sanitized copy may be persisted.
func (s *Store) ExtractAndStore(ctx context.Context, connectorID string, config map[string]any, secretFields []string) (map[string]any, error) {
	sanitized := make(map[string]any, len(config))
	for k, v := range config {
		sanitized[k] = v
	}

	for _, field := range secretFields {
		raw, ok := config[field]
		if !ok {
			continue
		}
		value, ok := raw.(string)
		if !ok || value == "" || value == Placeholder {
			continue
		}
		if _, err := s.Store(ctx, connectorID, field, value); err != nil {
			return nil, err
		}
		sanitized[field] = Placeholder
	}
	return sanitized, nil
}

// Inject returns a copy of config with stored secrets restored for the
// listed fields. Fields with no stored credential are left untouched.
func (s *Store) Inject(ctx context.Context, connectorID string, config map[string]any, secretFields []string) (map[string]any, error) {
	injected := make(map[string]any, len(config))
	for k, v := range config {
		injected[k] = v
	}

	for _, field := range secretFields {
		value, err := s.Get(ctx, connectorID, field)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		injected[field] = value
	}
	return injected, nil
}
