package platform

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"

	"trailkeep/internal/infrastructure/seal"
)

// KeyringStorage keeps secrets in the OS keyring (Keychain, Secret Service, Credential Manager)
type KeyringStorage struct {
	Service string
}

// NewKeyringStorage creates keyring-backed storage under service
func NewKeyringStorage(service string) *KeyringStorage {
	return &KeyringStorage{Service: service}
}

func (k *KeyringStorage) Get(key string) ([]byte, error) {
	encoded, err := keyring.Get(k.Service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keyring get %s: %w", key, err)
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("keyring decode %s: %w", key, err)
	}
	return value, nil
}

func (k *KeyringStorage) Set(key string, value []byte) error {
	if err := keyring.Set(k.Service, key, base64.StdEncoding.EncodeToString(value)); err != nil {
		return fmt.Errorf("keyring set %s: %w", key, err)
	}
	return nil
}

func (k *KeyringStorage) Delete(key string) error {
	err := keyring.Delete(k.Service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", key, err)
	}
	return nil
}

const fileSecretInfo = "trailkeep/secret-file/v1"

// FileStorage keeps secrets in 0600 files sealed under a passphrase-derived key.
// It exists for headless hosts without a keyring and must be selected explicitly.
type FileStorage struct {
	dir        string
	passphrase string
}

// NewFileStorage creates file-backed storage. An empty passphrase is rejected.
func NewFileStorage(dir, passphrase string) (*FileStorage, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, errors.New("file secret storage requires a passphrase")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create secret dir: %w", err)
	}
	return &FileStorage{dir: dir, passphrase: passphrase}, nil
}

func (f *FileStorage) path(key string) string {
	return filepath.Join(f.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+".secret")
}

func (f *FileStorage) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read secret %s: %w", key, err)
	}
	if len(data) < seal.SaltSize {
		return nil, fmt.Errorf("read secret %s: %w", key, seal.ErrOpen)
	}
	wrap := seal.PassphraseKey(f.passphrase, data[:seal.SaltSize])
	value, _, err := seal.OpenEnvelope(wrap, fileSecretInfo, data[seal.SaltSize:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("open secret %s: %w", key, err)
	}
	return value, nil
}

func (f *FileStorage) Set(key string, value []byte) error {
	salt, err := seal.RandomBytes(seal.SaltSize)
	if err != nil {
		return err
	}
	wrap := seal.PassphraseKey(f.passphrase, salt)
	envelope, err := seal.SealEnvelope(wrap, fileSecretInfo, value, []byte(key), 0)
	if err != nil {
		return fmt.Errorf("seal secret %s: %w", key, err)
	}
	return WriteFileAtomic(f.path(key), append(salt, envelope...), 0o600)
}

func (f *FileStorage) Delete(key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete secret %s: %w", key, err)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file in the same directory and renames it into place
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename succeeded
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
