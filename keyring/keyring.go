// Package keyring provides secure credential storage.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/hkdf"

	"github.com/yllada/ovpn-launcher/common"
)

// serviceName is the identifier used in the system keyring.
const serviceName = common.ConfigDirName

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store keeps profile passwords in the system keyring, or in an encrypted
// file next to the profiles when no keyring service is reachable.
type Store struct {
	service string
	file    string

	mu       sync.Mutex
	probed   bool
	useLocal bool
	local    map[string]string
	key      []byte
}

// New creates a store whose fallback file lives in dir.
func New(dir string) *Store {
	return &Store{
		service: serviceName,
		file:    filepath.Join(dir, common.CredentialsFileName),
	}
}

// probe decides the backend on first use. Callers hold mu.
func (s *Store) probe() {
	if s.probed {
		return
	}
	s.probed = true

	testKey := serviceName + "-probe"
	if err := keyring.Set(s.service, testKey, "test"); err == nil {
		_ = keyring.Delete(s.service, testKey)
		return
	}
	common.LogWarn("System keyring unavailable, using encrypted file %s", s.file)
	s.switchToLocal()
}

// switchToLocal moves to the file backend. Callers hold mu.
func (s *Store) switchToLocal() {
	if s.local != nil {
		s.useLocal = true
		return
	}
	s.useLocal = true
	s.key = deriveKey()
	s.local = make(map[string]string)
	if err := s.loadLocal(); err != nil {
		common.LogWarn("Ignoring unreadable credentials file: %v", err)
	}
}

// deriveKey derives the file encryption key from machine-specific data.
func deriveKey() []byte {
	hostname, _ := os.Hostname()
	secret := fmt.Sprintf("%s-%s-%d", hostname, machineID(), os.Getuid())
	r := hkdf.New(sha256.New, []byte(secret), []byte(common.AppID), []byte("credentials"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails past 255 blocks.
		panic(err)
	}
	return key
}

func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return "default-machine-id"
}

func (s *Store) loadLocal() error {
	data, err := os.ReadFile(s.file)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	plain, err := s.decrypt(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, &s.local)
}

func (s *Store) saveLocal() error {
	data, err := json.Marshal(s.local)
	if err != nil {
		return common.Join(common.ErrCredentialStorage, err)
	}
	encrypted, err := s.encrypt(data)
	if err != nil {
		return err
	}
	if err := common.EnsureDir(filepath.Dir(s.file)); err != nil {
		return common.Join(common.ErrCredentialStorage, err)
	}
	if err := common.WriteFileAtomic(s.file, encrypted, 0600); err != nil {
		return common.Join(common.ErrCredentialStorage, err)
	}
	return nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(s.key)
	if err != nil {
		return nil, common.Join(common.ErrEncryption, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, common.Join(common.ErrEncryption, err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, common.Join(common.ErrDecryption, err)
	}
	gcm, err := newGCM(s.key)
	if err != nil {
		return nil, common.Join(common.ErrDecryption, err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, common.Join(common.ErrDecryption, err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func checkID(profileID string) error {
	if profileID == "" {
		return fmt.Errorf("%w: profile ID cannot be empty", common.ErrCredentialStorage)
	}
	return nil
}

// Store saves a password for a VPN profile.
func (s *Store) Store(profileID, password string) error {
	if err := checkID(profileID); err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("%w: password cannot be empty", common.ErrCredentialStorage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.probe()

	if !s.useLocal {
		err := keyring.Set(s.service, profileID, password)
		if err == nil {
			return nil
		}
		common.LogWarn("Keyring write failed, falling back to file: %v", err)
		s.switchToLocal()
	}
	s.local[profileID] = password
	return s.saveLocal()
}

// Get retrieves a password for a VPN profile.
func (s *Store) Get(profileID string) (string, error) {
	if err := checkID(profileID); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.probe()

	if !s.useLocal {
		password, err := keyring.Get(s.service, profileID)
		if err == nil {
			return password, nil
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			common.LogDebug("Keyring read failed: %v", err)
		}
	}
	// A fallback file may hold passwords written while the keyring was away.
	if s.local != nil {
		if password, ok := s.local[profileID]; ok {
			return password, nil
		}
	}
	return "", common.ErrCredentialsNotFound
}

// Delete removes a password for a VPN profile.
func (s *Store) Delete(profileID string) error {
	if err := checkID(profileID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.probe()

	found := false
	if !s.useLocal {
		err := keyring.Delete(s.service, profileID)
		switch {
		case err == nil:
			found = true
		case !errors.Is(err, keyring.ErrNotFound):
			return common.Join(common.ErrCredentialStorage, err)
		}
	}
	if s.local != nil {
		if _, ok := s.local[profileID]; ok {
			delete(s.local, profileID)
			found = true
			if err := s.saveLocal(); err != nil {
				return err
			}
		}
	}
	if !found {
		return common.ErrCredentialsNotFound
	}
	return nil
}

// Exists checks if a credential exists for a VPN profile.
func (s *Store) Exists(profileID string) bool {
	_, err := s.Get(profileID)
	return err == nil
}
