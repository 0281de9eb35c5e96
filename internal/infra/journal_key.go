package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	journalKeyName = "journal.key"
	journalKeyLen  = 32 // SQLCipher raw key
)

// NewJournalKey returns a fresh random journal key.
func NewJournalKey() ([]byte, error) {
	key := make([]byte, journalKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate journal key: %w", err)
	}
	return key, nil
}

// OpenJournal opens the journal in dataDir with the key stored beside it,
// creating both on first use.
func OpenJournal(dataDir string) (*EncryptedJournal, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	key, err := journalKey(filepath.Join(dataDir, journalKeyName))
	if err != nil {
		return nil, err
	}
	return NewEncryptedJournal(dataDir, key)
}

// journalKey loads the hex key at path, or writes a new one if there is none.
// Two supervisors racing on first start end up with the same key.
func journalKey(path string) ([]byte, error) {
	key, err := readJournalKey(path)
	if !errors.Is(err, fs.ErrNotExist) {
		return key, err
	}

	key, err = NewJournalKey()
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, fs.ErrExist) {
		return readJournalKey(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create journal key: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(key)); err != nil {
		f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write journal key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write journal key: %w", err)
	}
	return key, nil
}

// readJournalKey refuses keys other users could read, so a leaked key file
// is reported instead of silently used.
func readJournalKey(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("journal key %s has mode %04o, want 0600", path, perm)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("journal key %s is not hex: %w", path, err)
	}
	if len(key) != journalKeyLen {
		return nil, fmt.Errorf("journal key %s is %d bytes, want %d", path, len(key), journalKeyLen)
	}
	return key, nil
}
