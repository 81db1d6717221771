// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/eden-vertex/vertex/pkg/errors"
)

const nonceSize = 24

// EncryptedStore keeps named secrets sealed with a 32-byte master key. The
// sealed blobs live in a single JSON file rewritten atomically on change, so
// the store works the same under the memory and postgres storage drivers.
type EncryptedStore struct {
	mu   sync.RWMutex
	key  [32]byte
	path string
	// name -> base64(nonce || box)
	sealed map[string]string
}

// NewEncryptedStore opens (or creates) the store at path. masterKey is the
// base64 encoding of exactly 32 bytes.
func NewEncryptedStore(path, masterKey string) (*EncryptedStore, error) {
	raw, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil {
		return nil, errors.NewValidation("secrets master key is not valid base64")
	}
	if len(raw) != 32 {
		return nil, errors.NewValidation("secrets master key must decode to 32 bytes, got %d", len(raw))
	}

	s := &EncryptedStore{path: path, sealed: make(map[string]string)}
	copy(s.key[:], raw)

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &s.sealed); err != nil {
			return nil, fmt.Errorf("parsing secret store %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading secret store %s: %w", path, err)
	}

	return s, nil
}

// Put seals value under name and persists the store.
func (s *EncryptedStore) Put(name, value string) error {
	if name == "" {
		return errors.NewValidation("secret name must not be empty")
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(value), &nonce, &s.key)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed[name] = base64.StdEncoding.EncodeToString(box)
	return s.persistLocked()
}

// Get opens the secret stored under name.
func (s *EncryptedStore) Get(name string) (string, error) {
	s.mu.RLock()
	encoded, ok := s.sealed[name]
	s.mu.RUnlock()
	if !ok {
		return "", errors.NewNotFound("secret", name)
	}

	box, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(box) < nonceSize {
		return "", fmt.Errorf("secret %s is corrupted", name)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", fmt.Errorf("secret %s cannot be opened with the configured master key", name)
	}
	return string(plain), nil
}

// Delete removes the secret stored under name.
func (s *EncryptedStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sealed[name]; !ok {
		return errors.NewNotFound("secret", name)
	}
	delete(s.sealed, name)
	return s.persistLocked()
}

// List returns the stored secret names, sorted. Values are never listed.
func (s *EncryptedStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sealed))
	for name := range s.sealed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// persistLocked writes the sealed map to disk via rename so a crash cannot
// leave a half-written store. Caller holds the write lock.
func (s *EncryptedStore) persistLocked() error {
	data, err := json.MarshalIndent(s.sealed, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
