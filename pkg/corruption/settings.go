package corruption

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

// SettingsStore is the process-wide persisted key/value store the tracker
// keeps its state in. Reads of a missing or malformed key report ok=false.
type SettingsStore interface {
	GetInt(key string) (value int64, ok bool)
	SetInt(key string, value int64) error
}

// MemorySettings is an in-memory SettingsStore.
type MemorySettings struct {
	mu     sync.RWMutex
	values map[string]int64
}

// NewMemorySettings creates an empty in-memory settings store.
func NewMemorySettings() *MemorySettings {
	return &MemorySettings{values: make(map[string]int64)}
}

// GetInt implements SettingsStore.
func (m *MemorySettings) GetInt(key string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// SetInt implements SettingsStore.
func (m *MemorySettings) SetInt(key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

var settingsBucket = []byte("settings")

// BoltSettings keeps settings in a bbolt file. It lives outside the SQLite
// database so it survives that database being replaced.
type BoltSettings struct {
	db *bolt.DB
}

// OpenBoltSettings opens or creates the settings file at path.
func OpenBoltSettings(path string) (*BoltSettings, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create settings directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open settings: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(settingsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create settings bucket: %w", err)
	}

	return &BoltSettings{db: db}, nil
}

// GetInt implements SettingsStore. Values are stored as 8-byte big-endian
// integers; anything else is treated as absent.
func (b *BoltSettings) GetInt(key string) (int64, bool) {
	var value int64
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(settingsBucket).Get([]byte(key))
		if len(raw) != 8 {
			return nil
		}
		value = int64(binary.BigEndian.Uint64(raw))
		ok = true
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to read setting")
		return 0, false
	}
	return value, ok
}

// SetInt implements SettingsStore. The write is fsynced before returning.
func (b *BoltSettings) SetInt(key string, value int64) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(value))
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(key), raw)
	})
}

// Close closes the settings file.
func (b *BoltSettings) Close() error {
	return b.db.Close()
}
