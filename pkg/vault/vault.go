package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ReservedSuffix is kept for internal secret names and cannot be set directly.
const ReservedSuffix = "_long"

// ErrNotFound is returned when a secret does not exist.
var ErrNotFound = errors.New("secret not found")

// Store reads and writes named secrets. Credential bundles are stored under the
// product name.
type Store interface {
	GetSecret(ctx context.Context, name string) (string, error)
	SetSecret(ctx context.Context, name, value string) error
}

func validateName(name string) error {
	if name == "" {
		return errors.New("secretName cannot be empty")
	}
	if strings.HasSuffix(name, ReservedSuffix) {
		return fmt.Errorf("invalid secretName '%s': '%s' postfix is reserved by the internal functions", name, ReservedSuffix)
	}
	return nil
}

// MemoryStore keeps secrets for the lifetime of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

func (s *MemoryStore) GetSecret(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

func (s *MemoryStore) SetSecret(_ context.Context, name, value string) error {
	if err := validateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
	return nil
}

var _ Store = (*MemoryStore)(nil)
