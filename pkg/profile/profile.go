// Package profile keeps the registry of vault profiles.
//
// The vault engine only needs a profile's id and whether it is password
// protected; everything else here is bookkeeping for the CLI.
package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/forest6511/pmvault/pkg/atomicfile"
)

// FileName is the registry file inside the data directory.
const FileName = "profiles.yaml"

// MaxNameLength bounds display names.
const MaxNameLength = 64

// Errors
var (
	ErrNotFound    = errors.New("profile: profile not found")
	ErrNameTaken   = errors.New("profile: a profile with this name already exists")
	ErrInvalidName = errors.New("profile: invalid profile name")
	ErrCorrupted   = errors.New("profile: registry file is corrupted")
)

// Profile is one vault profile.
type Profile struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	HasPassword bool      `yaml:"has_password"`
	CreatedAt   time.Time `yaml:"created_at"`
}

// Store looks profiles up by id.
type Store interface {
	Get(id string) (Profile, error)
}

type registryFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// FileStore is a Store backed by a YAML file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store for <dataDir>/profiles.yaml.
// The file is created on the first write.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{path: filepath.Join(dataDir, FileName)}
}

// Path returns the registry file path.
func (s *FileStore) Path() string {
	return s.path
}

// Create adds a profile with a fresh id.
func (s *FileStore) Create(name string, hasPassword bool) (Profile, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if err := validateName(name); err != nil {
		return Profile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.load()
	if err != nil {
		return Profile{}, err
	}
	for _, p := range reg.Profiles {
		if strings.EqualFold(p.Name, name) {
			return Profile{}, fmt.Errorf("%w: %s", ErrNameTaken, name)
		}
	}

	p := Profile{
		ID:          uuid.New().String(),
		Name:        name,
		HasPassword: hasPassword,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	reg.Profiles = append(reg.Profiles, p)
	if err := s.save(reg); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Get returns the profile with the given id.
func (s *FileStore) Get(id string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.load()
	if err != nil {
		return Profile{}, err
	}
	for _, p := range reg.Profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Find returns the profile whose id or name matches ref.
func (s *FileStore) Find(ref string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.load()
	if err != nil {
		return Profile{}, err
	}
	name := norm.NFC.String(ref)
	for _, p := range reg.Profiles {
		if p.ID == ref || strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// List returns every profile ordered by name.
func (s *FileStore) List() ([]Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(reg.Profiles, func(i, j int) bool {
		return strings.ToLower(reg.Profiles[i].Name) < strings.ToLower(reg.Profiles[j].Name)
	})
	return reg.Profiles, nil
}

// Delete removes the profile record. Vault files are left to the caller.
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.load()
	if err != nil {
		return err
	}
	for i, p := range reg.Profiles {
		if p.ID == id {
			reg.Profiles = append(reg.Profiles[:i], reg.Profiles[i+1:]...)
			return s.save(reg)
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *FileStore) load() (*registryFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &registryFile{}, nil
		}
		return nil, fmt.Errorf("profile: failed to read registry: %w", err)
	}
	var reg registryFile
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return &reg, nil
}

func (s *FileStore) save(reg *registryFile) error {
	data, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("profile: failed to marshal registry: %w", err)
	}
	if err := atomicfile.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("profile: failed to write registry: %w", err)
	}
	return nil
}

func validateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return ErrInvalidName
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || r == '/' || r == '\\' {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}
