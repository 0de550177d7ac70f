package infra

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

const (
	keyFileName = "store.key"
	keySize     = 32
)

// ErrKeyCorrupt is returned when the key file holds something other than
// a hex-encoded 256-bit key.
var ErrKeyCorrupt = errors.New("store key file is corrupt")

// KeyFile keeps the SQLCipher key for settings.db as hex text in
// store.key beside it, readable only by its owner.
type KeyFile struct {
	path string
}

// NewKeyFile returns the key file for the store in dataDir.
func NewKeyFile(dataDir string) *KeyFile {
	return &KeyFile{path: filepath.Join(dataDir, keyFileName)}
}

// Path returns the key file path.
func (k *KeyFile) Path() string {
	return k.path
}

// Load reads the key. Surrounding whitespace from hand edits is ignored.
func (k *KeyFile) Load() ([]byte, error) {
	text, err := os.ReadFile(k.path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(string(bytes.TrimSpace(text)))
	if err != nil || len(key) != keySize {
		return nil, fmt.Errorf("%w: %s", ErrKeyCorrupt, k.path)
	}
	return key, nil
}

// Create writes a fresh random key. The file is published with a hard
// link, which fails if it already exists, so concurrent first opens agree
// on one key and never see a partly written file.
func (k *KeyFile) Create() ([]byte, error) {
	key, err := randomKey()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(k.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, keyFileName+".*")
	if err != nil {
		return nil, fmt.Errorf("failed to write store key: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write store key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to write store key: %w", err)
	}
	if err := os.Link(tmp.Name(), k.path); err != nil {
		return nil, err
	}
	return key, nil
}

func randomKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate store key: %w", err)
	}
	return key, nil
}

var _ domain.KeyProvider = (*KeyFile)(nil)
