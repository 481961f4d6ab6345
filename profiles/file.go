package profiles

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/yllada/ovpn-launcher/common"
	"github.com/yllada/ovpn-launcher/vpn"
)

// document is the on-disk layout of the profiles file.
type document struct {
	Profiles []*vpn.Profile `yaml:"profiles"`
}

// FileStore keeps profiles in a YAML file. The file is re-read before
// every write, so concurrent writers lose only colliding names, and
// replaced atomically.
type FileStore struct {
	path  string
	creds common.CredentialStore
	log   *common.AppLogger

	mu       sync.Mutex
	profiles []*vpn.Profile
	loaded   bool
	watcher  *Watcher
}

// NewFileStore creates a store backed by path. With creds set, passwords
// are kept in the credential store instead of the file.
func NewFileStore(path string, creds common.CredentialStore) *FileStore {
	return &FileStore{
		path:  path,
		creds: creds,
		log:   common.GetLogger(),
	}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// read loads the file. A missing file is an empty store. Callers hold mu.
func (s *FileStore) read() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.profiles = nil
		s.loaded = true
		return nil
	}
	if err != nil {
		return common.Join(common.ErrPersistence, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return common.Join(common.ErrPersistence, fmt.Errorf("parsing %s: %w", s.path, err))
	}
	s.profiles = doc.Profiles[:0:0]
	for _, p := range doc.Profiles {
		if p != nil && p.Name != "" {
			s.profiles = append(s.profiles, p)
		}
	}
	s.loaded = true
	return nil
}

func (s *FileStore) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	return s.read()
}

// write replaces the file with the cached profiles. Callers hold mu.
func (s *FileStore) write() error {
	data, err := yaml.Marshal(&document{Profiles: s.profiles})
	if err != nil {
		return common.Join(common.ErrPersistence, err)
	}
	if err := common.WriteFileAtomic(s.path, data, 0600); err != nil {
		return common.Join(common.ErrPersistence, err)
	}
	return nil
}

func (s *FileStore) indexOf(name string) int {
	for i, p := range s.profiles {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Save stores p under its name.
func (s *FileStore) Save(p *vpn.Profile) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("%w: profile name is required", common.ErrInvalidProfile)
	}
	stored := p.Clone()
	if s.creds != nil {
		if err := syncPassword(s.creds, stored.ID, stored.Password); err != nil {
			return common.Join(common.ErrPersistence, err)
		}
		stored.Password = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.read(); err != nil {
		return err
	}
	if i := s.indexOf(stored.Name); i >= 0 {
		s.profiles[i] = stored
	} else {
		s.profiles = append(s.profiles, stored)
	}
	if err := s.write(); err != nil {
		// Drop the cache so the next read sees what is on disk.
		s.loaded = false
		return err
	}
	s.log.Debug("Saved profile %q to %s", stored.Name, s.path)
	return nil
}

// Load returns the profile stored under name, with its password.
func (s *FileStore) Load(name string) (*vpn.Profile, error) {
	s.mu.Lock()
	if err := s.ensureLoaded(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	i := s.indexOf(name)
	if i < 0 {
		s.mu.Unlock()
		return nil, notFound(name)
	}
	p := s.profiles[i].Clone()
	s.mu.Unlock()

	if s.creds != nil && p.Password == "" {
		pw, err := s.creds.Get(p.ID)
		switch {
		case err == nil:
			p.Password = pw
		case errors.Is(err, common.ErrCredentialsNotFound):
		default:
			s.log.Warn("Could not read password for %q: %v", name, err)
		}
	}
	return p, nil
}

// List returns every profile in insertion order. Passwords held in the
// credential store are not filled in.
func (s *FileStore) List() ([]*vpn.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make([]*vpn.Profile, len(s.profiles))
	for i, p := range s.profiles {
		out[i] = p.Clone()
	}
	return out, nil
}

// Delete removes the profile stored under name and its password.
func (s *FileStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.read(); err != nil {
		return err
	}
	i := s.indexOf(name)
	if i < 0 {
		return notFound(name)
	}
	id := s.profiles[i].ID
	s.profiles = append(s.profiles[:i:i], s.profiles[i+1:]...)
	if err := s.write(); err != nil {
		s.loaded = false
		return err
	}
	if s.creds != nil {
		if err := s.creds.Delete(id); err != nil && !errors.Is(err, common.ErrCredentialsNotFound) {
			s.log.Warn("Could not delete password for %q: %v", name, err)
		}
	}
	return nil
}

// Watch reloads the cache whenever the file changes on disk and then
// calls onChange, if set. It stops on Close.
func (s *FileStore) Watch(onChange func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}
	w := NewWatcher(s.path, func() {
		s.mu.Lock()
		s.loaded = false
		s.mu.Unlock()
		s.log.Debug("Profiles file %s changed", s.path)
		if onChange != nil {
			onChange()
		}
	})
	if err := w.Start(); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// Close stops watching.
func (s *FileStore) Close() error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		return w.Close()
	}
	return nil
}
