// Package credentials stores the one account password this module ever
// needs, preferring the OS keyring and falling back to an encrypted file
// on disk when no keyring is available (spec section 6 "save_pass").
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	gokeyring "github.com/zalando/go-keyring"

	"github.com/aerionmail/mailcore/internal/crypto"
	"github.com/aerionmail/mailcore/internal/logging"
)

const (
	serviceName  = "mailcore"
	fallbackFile = "password.enc"
)

// ErrNotFound is returned when no password has been stored yet.
var ErrNotFound = errors.New("credentials: not found")

// Store saves and retrieves a single account's password.
type Store struct {
	dataDir        string
	encryptor      *crypto.Encryptor
	keyringEnabled bool
	log            zerolog.Logger
}

// NewStore builds a Store rooted at dataDir, used only as the fallback
// location when the OS keyring is unavailable. passphrase seeds the
// fallback file's encryption key; it is independent of the account
// password being stored, since the whole point of the fallback is to
// hold that password before it's known to the caller.
func NewStore(dataDir, passphrase string) (*Store, error) {
	log := logging.WithComponent("credentials")

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("credentials: create data dir: %w", err)
	}

	keyringEnabled := testKeyring()
	if keyringEnabled {
		log.Info().Msg("OS keyring available, using it for password storage")
	} else {
		log.Warn().Msg("OS keyring unavailable, falling back to encrypted file storage")
	}

	return &Store{
		dataDir:        dataDir,
		encryptor:      crypto.NewEncryptor(passphrase),
		keyringEnabled: keyringEnabled,
		log:            log,
	}, nil
}

func testKeyring() bool {
	const testKey = "mailcore-keyring-check"
	if err := gokeyring.Set(serviceName, testKey, "ok"); err != nil {
		return false
	}
	gokeyring.Delete(serviceName, testKey)
	return true
}

// SetPassword stores password for account, preferring the OS keyring.
func (s *Store) SetPassword(account, password string) error {
	if password == "" {
		return nil
	}

	if s.keyringEnabled {
		if err := gokeyring.Set(serviceName, account, password); err == nil {
			s.log.Debug().Str("account", account).Msg("password stored in OS keyring")
			s.clearFallbackFile(account)
			return nil
		}
		s.log.Warn().Str("account", account).Msg("keyring write failed, using encrypted file fallback")
	}

	blob, err := s.encryptor.Seal([]byte(password))
	if err != nil {
		return fmt.Errorf("credentials: encrypt password: %w", err)
	}
	if err := os.WriteFile(s.fallbackPath(account), blob, 0o600); err != nil {
		return fmt.Errorf("credentials: write fallback file: %w", err)
	}
	return nil
}

// GetPassword retrieves the stored password for account.
func (s *Store) GetPassword(account string) (string, error) {
	if s.keyringEnabled {
		password, err := gokeyring.Get(serviceName, account)
		if err == nil {
			return password, nil
		}
		if !errors.Is(err, gokeyring.ErrNotFound) {
			s.log.Warn().Err(err).Str("account", account).Msg("keyring read failed, trying fallback")
		}
	}

	data, err := os.ReadFile(s.fallbackPath(account))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("credentials: read fallback file: %w", err)
	}

	plain, err := s.encryptor.Open(data)
	if err != nil {
		return "", fmt.Errorf("credentials: decrypt fallback file: %w", err)
	}
	return string(plain), nil
}

// DeletePassword removes any stored password for account, from both the
// keyring and the fallback file.
func (s *Store) DeletePassword(account string) error {
	if s.keyringEnabled {
		gokeyring.Delete(serviceName, account)
	}
	s.clearFallbackFile(account)
	return nil
}

// IsKeyringEnabled reports whether the OS keyring backs this Store.
func (s *Store) IsKeyringEnabled() bool { return s.keyringEnabled }

func (s *Store) fallbackPath(account string) string {
	return filepath.Join(s.dataDir, account+"."+fallbackFile)
}

func (s *Store) clearFallbackFile(account string) {
	if err := os.Remove(s.fallbackPath(account)); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("account", account).Msg("remove fallback file")
	}
}
