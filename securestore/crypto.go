package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"voicelink/log"
)

const (
	KeySize     = 32 // AES-256
	KeyFileName = ".store.key"
	// EncPrefix marks values sealed by this package.
	EncPrefix = "enc:v1:"
)

// KeyPath returns the key file location for a database path.
func KeyPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), KeyFileName)
}

// loadKey reads the key at keyPath. A missing file returns nil, nil.
func loadKey(keyPath string) ([]byte, error) {
	f, err := os.Open(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("securestore: read key: %w", err)
	}
	defer f.Close()

	if runtime.GOOS != "windows" {
		if info, statErr := f.Stat(); statErr == nil {
			if perm := info.Mode().Perm(); perm&0o077 != 0 {
				log.Warnf("securestore: key %s has mode 0%o (expected 0600)", keyPath, perm)
			}
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("securestore: read key: %w", err)
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("securestore: key at %s has invalid size %d (expected %d)", keyPath, len(data), KeySize)
	}
	return data, nil
}

// createKey writes a fresh random key. The key is written to a temp file and
// hard-linked into place so a concurrent creator either wins or reads ours.
func createKey(keyPath string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("securestore: generate key: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(keyPath), ".store.key.tmp.*")
	if err != nil {
		return nil, fmt.Errorf("securestore: create key temp: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(key); err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("securestore: write key temp: %w", err)
	}
	if err := tmpFile.Chmod(0o600); err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("securestore: chmod key temp: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("securestore: close key temp: %w", err)
	}

	if err := os.Link(tmpPath, keyPath); err != nil {
		if os.IsExist(err) {
			existing, loadErr := loadKey(keyPath)
			if loadErr != nil {
				return nil, loadErr
			}
			if existing == nil {
				return nil, fmt.Errorf("securestore: key %s disappeared after concurrent create", keyPath)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("securestore: link key: %w", err)
	}
	return key, nil
}

func seal(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return EncPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func open(key []byte, stored string) ([]byte, error) {
	if !strings.HasPrefix(stored, EncPrefix) {
		return nil, fmt.Errorf("securestore: value is not sealed (missing %s prefix)", EncPrefix)
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, EncPrefix))
	if err != nil {
		return nil, fmt.Errorf("securestore: decode sealed value: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("securestore: sealed value too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("securestore: open sealed value: %w", err)
	}
	return plaintext, nil
}
