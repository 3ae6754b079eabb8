package fortress

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// KeyProvider persists the alert channel key across restarts. Implementations
// may be local files, embedded databases or external key stores; the channel
// tolerates provider unavailability by degrading to an ephemeral key.
type KeyProvider interface {
	Load() ([]byte, error)
	Save(key []byte) error
}

// FileKeyProvider stores the key blob at a filesystem path with owner-only
// permissions.
type FileKeyProvider struct {
	path string
}

func NewFileKeyProvider(path string) *FileKeyProvider {
	return &FileKeyProvider{path: path}
}

func (p *FileKeyProvider) Load() ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrKeyNotFound
	}
	return data, nil
}

func (p *FileKeyProvider) Save(key []byte) error {
	if dir := filepath.Dir(p.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := os.WriteFile(p.path, key, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

const keystoreSchema = `
CREATE TABLE IF NOT EXISTS keystore (
	name       TEXT PRIMARY KEY,
	blob       BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

// SQLiteKeyProvider keeps the key blob in an embedded SQLite database,
// addressable by name so several channels can share one file.
type SQLiteKeyProvider struct {
	db   *sqlx.DB
	name string
}

func NewSQLiteKeyProvider(dsn, name string) (*SQLiteKeyProvider, error) {
	if name == "" {
		name = "alert-key"
	}
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore db: %w", err)
	}
	if _, err := db.Exec(keystoreSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create keystore schema: %w", err)
	}
	return &SQLiteKeyProvider{db: db, name: name}, nil
}

func (p *SQLiteKeyProvider) Load() ([]byte, error) {
	var blob []byte
	err := p.db.Get(&blob, `SELECT blob FROM keystore WHERE name = ?`, p.name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key %s: %w", p.name, err)
	}
	return blob, nil
}

func (p *SQLiteKeyProvider) Save(key []byte) error {
	_, err := p.db.Exec(`
		INSERT INTO keystore (name, blob, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		p.name, key, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save key %s: %w", p.name, err)
	}
	return nil
}

func (p *SQLiteKeyProvider) Close() error {
	return p.db.Close()
}
