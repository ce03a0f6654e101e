// Package keystore provides the namespaced secure key store backing
// CryptoService. Each namespace is one encrypted file under the data
// directory; entries never leave the machine.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"loopline/go-backend/internal/securestore"
	"loopline/go-backend/pkg/models"
)

var ErrInvalidNamespace = errors.New("invalid key store namespace")

// FileStore keeps one securestore-encrypted JSON file per namespace. Writes
// go through a copy-on-write snapshot so a failed persist leaves memory
// untouched.
type FileStore struct {
	mu     sync.RWMutex
	dir    string
	secret string
	spaces map[string]map[string][]byte
}

func NewFileStore(dir, secret string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{
		dir:    dir,
		secret: secret,
		spaces: make(map[string]map[string][]byte),
	}, nil
}

func (s *FileStore) Get(namespace, key string) ([]byte, bool, error) {
	namespace, err := normalizeNamespace(namespace)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	space, err := s.loadLocked(namespace)
	if err != nil {
		return nil, false, err
	}
	value, ok := space[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *FileStore) Set(namespace, key string, value []byte) error {
	namespace, err := normalizeNamespace(namespace)
	if err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	space, err := s.loadLocked(namespace)
	if err != nil {
		return err
	}
	next := make(map[string][]byte, len(space)+1)
	for k, v := range space {
		next[k] = v
	}
	next[key] = append([]byte(nil), value...)
	if err := s.persistLocked(namespace, next); err != nil {
		return err
	}
	s.spaces[namespace] = next
	return nil
}

func (s *FileStore) Delete(namespace, key string) error {
	namespace, err := normalizeNamespace(namespace)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	space, err := s.loadLocked(namespace)
	if err != nil {
		return err
	}
	if _, ok := space[key]; !ok {
		return nil
	}
	next := make(map[string][]byte, len(space))
	for k, v := range space {
		if k != key {
			next[k] = v
		}
	}
	if err := s.persistLocked(namespace, next); err != nil {
		return err
	}
	s.spaces[namespace] = next
	return nil
}

func (s *FileStore) loadLocked(namespace string) (map[string][]byte, error) {
	if space, ok := s.spaces[namespace]; ok {
		return space, nil
	}
	path := s.namespacePath(namespace)
	raw, err := securestore.ReadDecryptedFile(path, s.secret)
	if errors.Is(err, os.ErrNotExist) {
		space := make(map[string][]byte)
		s.spaces[namespace] = space
		return space, nil
	}
	if err != nil {
		return nil, models.Categorize(models.CategoryCorrupted, fmt.Errorf("key store namespace %s: %w", namespace, err))
	}
	var space map[string][]byte
	if err := json.Unmarshal(raw, &space); err != nil {
		return nil, models.Categorize(models.CategoryCorrupted, fmt.Errorf("key store namespace %s: %w", namespace, err))
	}
	if space == nil {
		space = make(map[string][]byte)
	}
	s.spaces[namespace] = space
	return space, nil
}

func (s *FileStore) persistLocked(namespace string, space map[string][]byte) error {
	return securestore.WriteEncryptedJSON(s.namespacePath(namespace), s.secret, space)
}

func (s *FileStore) namespacePath(namespace string) string {
	return filepath.Join(s.dir, namespace+".keys.enc")
}

func normalizeNamespace(namespace string) (string, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" || strings.ContainsAny(namespace, `/\.`) {
		return "", ErrInvalidNamespace
	}
	return namespace, nil
}
