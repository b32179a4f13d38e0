package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/user/cloudscan/pkg/config"
)

const profileFileName = "scanconfigs.json"

// Store persists profiles, minus credentials, under
// <root>/<product>/<configDirName>/scanconfigs.json.
type Store struct {
	root          string
	configDirName string
}

func NewStore(cfg config.ProfilesConfig) *Store {
	return &Store{root: cfg.RootDir, configDirName: cfg.ConfigDirName}
}

// ProductDir is the per-product directory holding configs and reports.
func (s *Store) ProductDir(product string) string {
	return filepath.Join(s.root, product)
}

func (s *Store) Path(product string) string {
	return filepath.Join(s.ProductDir(product), s.configDirName, profileFileName)
}

func (s *Store) Exists(product string) bool {
	_, err := os.Stat(s.Path(product))
	return err == nil
}

// Load returns the persisted document for product.
func (s *Store) Load(product string) (*Document, error) {
	path := s.Path(product)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, config.Errorf("no persisted profile for product '%s'", product)
	}

	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to acquire read lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, config.Errorf("failed to parse profile %s: %w", path, err)
	}
	return &doc, nil
}

// Save writes p without its credentials.
func (s *Store) Save(p *ScanProfile) error {
	path := s.Path(p.ProductName)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := json.MarshalIndent(p.Document(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}
