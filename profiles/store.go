package profiles

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/yllada/ovpn-launcher/common"
	"github.com/yllada/ovpn-launcher/vpn"
)

// Store is a vpn.ProfileStore that can also forget profiles.
type Store interface {
	vpn.ProfileStore
	Delete(name string) error
	Close() error
}

// Open opens the store for backend in dir. Passwords go to creds when it
// is not nil.
func Open(backend, dir string, creds common.CredentialStore) (Store, error) {
	if err := common.EnsureDir(dir); err != nil {
		return nil, common.Join(common.ErrPersistence, err)
	}
	switch backend {
	case common.StoreBackendYAML, "":
		return NewFileStore(filepath.Join(dir, common.ProfilesFileName), creds), nil
	case common.StoreBackendSQLite:
		return OpenSQLite(filepath.Join(dir, common.ProfilesDBFileName), creds)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func notFound(name string) error {
	return fmt.Errorf("%w: %q", common.ErrProfileNotFound, name)
}

// syncPassword makes the credential store hold exactly the password of
// the profile being saved. An empty password removes any earlier one, so
// a re-acquired profile without credentials does not inherit them.
func syncPassword(creds common.CredentialStore, id, password string) error {
	if password != "" {
		return creds.Store(id, password)
	}
	if err := creds.Delete(id); err != nil && !errors.Is(err, common.ErrCredentialsNotFound) {
		return err
	}
	return nil
}
