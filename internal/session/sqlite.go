// ABOUTME: SQLite-backed session store using modernc.org/sqlite.
// ABOUTME: Blobs are sealed with XChaCha20-Poly1305 before they touch disk.

package session

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists sealed session blobs in a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	aead   cipher.AEAD
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the session database at path. The key
// must be 32 bytes; it never leaves this store. Parent directories are
// created if needed and the schema is created automatically.
func NewSQLiteStore(path string, key []byte, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session_store")

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("initializing session cipher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}

	// WAL keeps readers from blocking the save on auth success.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, aead: aead, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			name       TEXT PRIMARY KEY,
			blob       BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Exists reports whether a session blob is stored under name.
func (s *SQLiteStore) Exists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying session existence: %w", err)
	}
	return true, nil
}

// Load returns the decrypted session blob, or ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, name string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM sessions WHERE name = ?`, name).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	blob, err := s.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("unsealing session %q: %w", name, err)
	}
	return blob, nil
}

// Save seals and upserts the session blob under name.
func (s *SQLiteStore) Save(ctx context.Context, name string, blob []byte) error {
	sealed, err := s.seal(blob)
	if err != nil {
		return fmt.Errorf("sealing session %q: %w", name, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (name, blob, updated_at)
		VALUES (?, ?, ?)
	`, name, sealed, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	s.logger.Debug("saved session", "name", name, "size", len(blob))
	return nil
}

// Delete removes the session. Deleting an absent name is not an error —
// logout must be idempotent.
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	s.logger.Debug("deleted session", "name", name)
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// seal encrypts blob and prefixes the random nonce so open can recover it.
func (s *SQLiteStore) seal(blob []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, blob, nil), nil
}

func (s *SQLiteStore) open(sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealed blob too short")
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}

var _ Store = (*SQLiteStore)(nil)
