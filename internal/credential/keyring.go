// Package credential reads and stores relay secrets in the OS keyring so
// they can stay out of the config file.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// Store is the part of keyring.Keyring the relay uses.
type Store interface {
	Get(key string) (keyring.Item, error)
	Set(item keyring.Item) error
}

// Open returns the platform keyring, falling back to an encrypted file
// store under fileDir.
func Open(service, fileDir string) (Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Target is one secret slot to fill.
type Target struct {
	Key   string
	Value *string
}

// Fill sets every blank target from store. Missing keys are skipped and
// reported back by name.
func Fill(store Store, targets []Target) ([]string, error) {
	var missing []string
	for _, t := range targets {
		if *t.Value != "" {
			continue
		}
		item, err := store.Get(t.Key)
		if errors.Is(err, keyring.ErrKeyNotFound) {
			missing = append(missing, t.Key)
			continue
		}
		if err != nil {
			return missing, fmt.Errorf("getting credential %q: %w", t.Key, err)
		}
		*t.Value = string(item.Data)
	}
	return missing, nil
}

// Save stores value under key.
func Save(store Store, key, value string) error {
	if err := store.Set(keyring.Item{Key: key, Data: []byte(value), Label: key}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}
