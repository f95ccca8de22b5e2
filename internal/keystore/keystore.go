// Package keystore implements the encrypted key-value vault that holds the
// database key, auth tokens and other secrets. The master key lives in the
// platform's secure storage; items are sealed files in a vault directory.
package keystore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/logging"
	"trailkeep/internal/infrastructure/seal"
	"trailkeep/internal/platform"
)

const (
	itemInfo        = "trailkeep/item/v1"
	itemExt         = ".item"
	maxKeyLength    = 255
	databaseKeyName = "keystore.database_key"
)

// Config holds keystore settings
type Config struct {
	VaultDir      string `yaml:"vault_dir"`
	MasterKeyName string `yaml:"master_key_name"`
	MaxValueBytes int    `yaml:"max_value_bytes"`
}

// DefaultConfig returns the keystore defaults for a data directory
func DefaultConfig(dataDir string) Config {
	return Config{
		VaultDir:      filepath.Join(dataDir, "vault"),
		MasterKeyName: "master-key",
		MaxValueBytes: 1 << 20,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.VaultDir == "" {
		return errs.NewValidationError("keystore.Config", "vault_dir", "", "vault directory is required")
	}
	if c.MasterKeyName == "" {
		return errs.NewValidationError("keystore.Config", "master_key_name", "", "master key name is required")
	}
	if c.MaxValueBytes <= 0 {
		return errs.NewValidationError("keystore.Config", "max_value_bytes", fmt.Sprint(c.MaxValueBytes), "must be positive")
	}
	return nil
}

// SetItemOptions tunes how an item is stored
type SetItemOptions struct {
	// RequireAuthentication is recorded with the item; the OS decides any user-presence gate.
	RequireAuthentication bool
}

// ItemInfo describes a stored item without opening it
type ItemInfo struct {
	Key                   string
	RequireAuthentication bool
	ModifiedAt            time.Time
	Size                  int64
}

// KeyStore is the encrypted vault. It is safe for concurrent use.
type KeyStore struct {
	mu      sync.RWMutex
	storage platform.SecureStorage
	config  Config
	logger  logging.Logger
	master  []byte
}

// New creates a KeyStore. Initialize must be called before use.
func New(storage platform.SecureStorage, config Config, logger logging.Logger) (*KeyStore, error) {
	if storage == nil {
		return nil, errs.NewValidationError("keystore.New", "storage", "", "secure storage is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &KeyStore{
		storage: storage,
		config:  config,
		logger:  logging.OrDefault(logger),
	}, nil
}

// Initialize loads the master key, generating and storing one on first run.
// Later calls are no-ops.
func (k *KeyStore) Initialize(ctx context.Context) error {
	const op = "KeyStore.Initialize"
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.master != nil {
		return nil
	}

	if err := os.MkdirAll(k.config.VaultDir, 0o700); err != nil {
		return errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"path": k.config.VaultDir})
	}

	master, err := k.storage.Get(k.config.MasterKeyName)
	switch {
	case errors.Is(err, platform.ErrSecretNotFound):
		master, err = seal.NewKey()
		if err != nil {
			return errs.HandleEncryptionError(op, "master_key", err)
		}
		if err := k.storage.Set(k.config.MasterKeyName, master); err != nil {
			return errs.HandleEncryptionError(op, "master_key", err)
		}
		k.logger.Info("Generated new master key", "vault", k.config.VaultDir)
	case err != nil:
		return errs.HandleEncryptionError(op, "master_key", err)
	}

	if len(master) != seal.KeySize {
		return errs.HandleCorruptionError(op, "master_key",
			fmt.Errorf("master key has %d bytes, want %d", len(master), seal.KeySize))
	}

	k.master = master
	return nil
}

func (k *KeyStore) requireMaster(op string) ([]byte, error) {
	if k.master == nil {
		return nil, errs.NewStorageError(op, errors.New("keystore not initialized"), errs.ErrCodeInternal)
	}
	return k.master, nil
}

// validateKey enforces printable ASCII and the length limit
func validateKey(op, key string) error {
	if key == "" {
		return errs.NewValidationError(op, "key", key, "key must not be empty")
	}
	if len(key) > maxKeyLength {
		return errs.NewValidationError(op, "key", key, fmt.Sprintf("key exceeds %d characters", maxKeyLength))
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x20 || key[i] > 0x7e {
			return errs.NewValidationError(op, "key", key, "key must be printable ASCII")
		}
	}
	return nil
}

func (k *KeyStore) itemPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(k.config.VaultDir, hex.EncodeToString(sum[:])+itemExt)
}

// SetItem seals value under a fresh salt and nonce and stores it under key
func (k *KeyStore) SetItem(ctx context.Context, key, value string, opts SetItemOptions) error {
	const op = "KeyStore.SetItem"
	if err := validateKey(op, key); err != nil {
		return err
	}
	if len(value) > k.config.MaxValueBytes {
		return errs.NewValidationError(op, "value", "", fmt.Sprintf("value exceeds %d bytes", k.config.MaxValueBytes))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	master, err := k.requireMaster(op)
	if err != nil {
		return err
	}

	var flags byte
	if opts.RequireAuthentication {
		flags |= seal.FlagRequireAuthentication
	}
	envelope, err := seal.SealEnvelope(master, itemInfo, []byte(value), []byte(key), flags)
	if err != nil {
		return errs.HandleEncryptionError(op, key, err)
	}
	if err := platform.WriteFileAtomic(k.itemPath(key), envelope, 0o600); err != nil {
		return errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"key": key})
	}
	return nil
}

// GetItem returns the item's value. Absent keys return ("", false, nil).
func (k *KeyStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	const op = "KeyStore.GetItem"
	if err := validateKey(op, key); err != nil {
		return "", false, err
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	master, err := k.requireMaster(op)
	if err != nil {
		return "", false, err
	}

	envelope, err := os.ReadFile(k.itemPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"key": key})
	}

	plaintext, _, err := seal.OpenEnvelope(master, itemInfo, envelope, []byte(key))
	if err != nil {
		return "", false, errs.HandleCorruptionError(op, key, err)
	}
	return string(plaintext), true, nil
}

// ItemInfo reports metadata for key without decrypting it
func (k *KeyStore) ItemInfo(ctx context.Context, key string) (ItemInfo, bool, error) {
	const op = "KeyStore.ItemInfo"
	if err := validateKey(op, key); err != nil {
		return ItemInfo{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return ItemInfo{}, false, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	path := k.itemPath(key)
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return ItemInfo{}, false, nil
	}
	if err != nil {
		return ItemInfo{}, false, errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"key": key})
	}
	envelope, err := os.ReadFile(path)
	if err != nil {
		return ItemInfo{}, false, errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"key": key})
	}
	flags, ok := seal.PeekFlags(envelope)
	if !ok {
		return ItemInfo{}, false, errs.HandleCorruptionError(op, key, nil)
	}
	return ItemInfo{
		Key:                   key,
		RequireAuthentication: flags&seal.FlagRequireAuthentication != 0,
		ModifiedAt:            st.ModTime(),
		Size:                  st.Size(),
	}, true, nil
}

// HasItem reports whether key is stored
func (k *KeyStore) HasItem(ctx context.Context, key string) (bool, error) {
	const op = "KeyStore.HasItem"
	if err := validateKey(op, key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	_, err := os.Stat(k.itemPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"key": key})
	}
	return true, nil
}

// RemoveItem deletes key. Removing an absent key is not an error.
func (k *KeyStore) RemoveItem(ctx context.Context, key string) error {
	const op = "KeyStore.RemoveItem"
	if err := validateKey(op, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := os.Remove(k.itemPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"key": key})
	}
	return nil
}

// ClearAll removes every item except the database key, which the local store
// still needs to read the rows that survive a wipe.
func (k *KeyStore) ClearAll(ctx context.Context) error {
	const op = "KeyStore.ClearAll"
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	entries, err := os.ReadDir(k.config.VaultDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"path": k.config.VaultDir})
	}

	keep := filepath.Base(k.itemPath(databaseKeyName))
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, itemExt) || name == keep {
			continue
		}
		if err := os.Remove(filepath.Join(k.config.VaultDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errs.WrapDatabaseErrorWithContext(op, err, map[string]string{"item": name})
		}
		removed++
	}
	k.logger.Info("Cleared keystore", "items_removed", removed)
	return nil
}

// DatabaseKey returns the local store key, generating and storing one on first run
func (k *KeyStore) DatabaseKey(ctx context.Context) ([]byte, error) {
	const op = "KeyStore.DatabaseKey"

	encoded, ok, err := k.GetItem(ctx, databaseKeyName)
	if err != nil {
		return nil, err
	}
	if ok {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(key) != seal.KeySize {
			return nil, errs.HandleCorruptionError(op, databaseKeyName, err)
		}
		return key, nil
	}

	key, err := seal.NewKey()
	if err != nil {
		return nil, errs.HandleEncryptionError(op, databaseKeyName, err)
	}
	if err := k.SetItem(ctx, databaseKeyName, base64.StdEncoding.EncodeToString(key), SetItemOptions{}); err != nil {
		return nil, err
	}
	k.logger.Info("Generated new database key")
	return key, nil
}
