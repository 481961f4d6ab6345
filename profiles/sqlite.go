package profiles

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/yllada/ovpn-launcher/common"
	"github.com/yllada/ovpn-launcher/vpn"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SQLiteStore keeps profiles in a SQLite database. Directives are stored
// as a JSON document per profile.
type SQLiteStore struct {
	db    *sql.DB
	creds common.CredentialStore
	log   *common.AppLogger
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string, creds common.CredentialStore) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, common.Join(common.ErrPersistence, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, common.Join(common.ErrPersistence, err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, common.Join(common.ErrPersistence, err)
	}
	return &SQLiteStore{db: db, creds: creds, log: common.GetLogger()}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS profiles (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL UNIQUE,
            id TEXT NOT NULL,
            username TEXT NOT NULL DEFAULT '',
            password TEXT NOT NULL DEFAULT '',
            source TEXT NOT NULL DEFAULT '',
            directives BLOB NOT NULL,
            created INTEGER NOT NULL
        )
    `)
	return err
}

// Save stores p under its name. Re-saving a name keeps its position.
func (s *SQLiteStore) Save(p *vpn.Profile) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("%w: profile name is required", common.ErrInvalidProfile)
	}
	directives, err := json.Marshal(p.Directives)
	if err != nil {
		return common.Join(common.ErrPersistence, err)
	}

	password := p.Password
	if s.creds != nil {
		if err := syncPassword(s.creds, p.ID, password); err != nil {
			return common.Join(common.ErrPersistence, err)
		}
		password = ""
	}

	// UnixNano is undefined for the zero time; 0 stands for "unknown".
	var created int64
	if !p.Created.IsZero() {
		created = p.Created.UnixNano()
	}

	_, err = s.db.Exec(`
        INSERT INTO profiles (name, id, username, password, source, directives, created)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET
            id = excluded.id,
            username = excluded.username,
            password = excluded.password,
            source = excluded.source,
            directives = excluded.directives,
            created = excluded.created
    `, p.Name, p.ID, p.Username, password, p.Source, directives, created)
	if err != nil {
		return common.Join(common.ErrPersistence, err)
	}
	return nil
}

const selectProfiles = `SELECT id, name, username, password, source, directives, created FROM profiles`

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*vpn.Profile, error) {
	var (
		p          vpn.Profile
		directives []byte
		created    int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Username, &p.Password, &p.Source, &directives, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(directives, &p.Directives); err != nil {
		return nil, fmt.Errorf("decoding directives of %q: %w", p.Name, err)
	}
	if created != 0 {
		p.Created = time.Unix(0, created).UTC()
	}
	return &p, nil
}

// Load returns the profile stored under name, with its password.
func (s *SQLiteStore) Load(name string) (*vpn.Profile, error) {
	p, err := scanProfile(s.db.QueryRow(selectProfiles+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, common.Join(common.ErrPersistence, err)
	}

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

// List returns every profile in insertion order.
func (s *SQLiteStore) List() ([]*vpn.Profile, error) {
	rows, err := s.db.Query(selectProfiles + ` ORDER BY seq`)
	if err != nil {
		return nil, common.Join(common.ErrPersistence, err)
	}
	defer rows.Close()

	var out []*vpn.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, common.Join(common.ErrPersistence, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, common.Join(common.ErrPersistence, err)
	}
	return out, nil
}

// Delete removes the profile stored under name and its password.
func (s *SQLiteStore) Delete(name string) error {
	var id string
	err := s.db.QueryRow(`SELECT id FROM profiles WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(name)
	}
	if err != nil {
		return common.Join(common.ErrPersistence, err)
	}
	if _, err := s.db.Exec(`DELETE FROM profiles WHERE name = ?`, name); err != nil {
		return common.Join(common.ErrPersistence, err)
	}
	if s.creds != nil {
		if err := s.creds.Delete(id); err != nil && !errors.Is(err, common.ErrCredentialsNotFound) {
			s.log.Warn("Could not delete password for %q: %v", name, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
