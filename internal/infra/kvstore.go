package infra

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

const storeDBName = "settings.db"

// EncryptedKVStore implements domain.KeyValueStore on a SQLCipher
// encrypted SQLite database. Values are stored as JSON text.
type EncryptedKVStore struct {
	db     *sql.DB
	dbPath string
}

// OpenKVStore opens (or creates) the settings store in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key; a wrong key
// fails here rather than on first use.
func OpenKVStore(dataDir string, key []byte) (*EncryptedKVStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, storeDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &EncryptedKVStore{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// ErrStoreKeyLost is returned when settings.db exists but its key does
// not. A new key would never decrypt it, so none is created.
var ErrStoreKeyLost = errors.New("settings store exists but its key is missing")

// OpenKVStoreWithProvider opens the store with the provider's key. The
// first open creates the key; a key that cannot open the database is
// reported rather than replaced.
func OpenKVStoreWithProvider(dataDir string, provider domain.KeyProvider) (*EncryptedKVStore, error) {
	key, err := loadStoreKey(filepath.Join(dataDir, storeDBName), provider)
	if err != nil {
		return nil, err
	}
	s, err := OpenKVStore(dataDir, key)
	if err != nil {
		return nil, fmt.Errorf("store key does not open %s: %w", storeDBName, err)
	}
	return s, nil
}

func loadStoreKey(dbPath string, provider domain.KeyProvider) ([]byte, error) {
	key, err := provider.Load()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load store key: %w", err)
	}

	if _, statErr := os.Stat(dbPath); statErr == nil {
		return nil, fmt.Errorf("%w: %s", ErrStoreKeyLost, dbPath)
	}
	key, err = provider.Create()
	if errors.Is(err, fs.ErrExist) {
		// Another process created it first.
		key, err = provider.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create store key: %w", err)
	}
	return key, nil
}

// createTables creates the schema if it doesn't exist. The first statement
// touching the file also verifies the key.
func (s *EncryptedKVStore) createTables() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`)
	return err
}

// Get returns the stored JSON for key; ok is false when unset.
func (s *EncryptedKVStore) Get(key string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return json.RawMessage(value), true, nil
}

// Set stores value under key, replacing any previous value.
func (s *EncryptedKVStore) Set(key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("set %q: value is not valid JSON", key)
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)`,
		key, string(value), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *EncryptedKVStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Entries returns every stored entry ordered by key (for the status command).
func (s *EncryptedKVStore) Entries() ([]domain.StoreEntry, error) {
	rows, err := s.db.Query(`SELECT key, value, updated_at FROM kv ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.StoreEntry
	for rows.Next() {
		var (
			key, value string
			updatedAt  int64
		)
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, domain.StoreEntry{
			Key:       key,
			Value:     json.RawMessage(value),
			UpdatedAt: time.UnixMilli(updatedAt),
		})
	}
	return entries, rows.Err()
}

// Path returns the database file path.
func (s *EncryptedKVStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *EncryptedKVStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure EncryptedKVStore implements domain.KeyValueStore.
var _ domain.KeyValueStore = (*EncryptedKVStore)(nil)
