// Package cache implements the per-folder on-disk store for UIDs, headers,
// flags and bodies (spec 4.1). Each folder's data lives under a directory
// named by the SHA-256 hash of the folder name so folder names themselves
// never appear on disk.
package cache

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aerionmail/mailcore/internal/crypto"
	"github.com/aerionmail/mailcore/internal/logging"
	"github.com/aerionmail/mailcore/internal/mail"
)

var log = logging.WithComponent("cache")

// Store is a single-process, multi-folder on-disk cache rooted at one
// directory. It is safe for concurrent use; the spec's single-writer-per-
// folder discipline is enforced by callers (the IMAP worker that owns a
// folder's active operation), not by Store itself.
type Store struct {
	root string
	enc  *crypto.Encryptor // nil disables encryption

	mu sync.Mutex
}

// New returns a Store rooted at dir. If enc is non-nil, header and body
// blobs are sealed before they touch disk.
func New(dir string, enc *crypto.Encryptor) *Store {
	return &Store{root: dir, enc: enc}
}

func folderDir(root, folder string) string {
	sum := sha256.Sum256([]byte(folder))
	return filepath.Join(root, "cache", hex.EncodeToString(sum[:]))
}

func (s *Store) ensureDir(folder string) (string, error) {
	dir := folderDir(s.root, folder)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(dir, "headers"), 0o700); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(dir, "bodies"), 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// seal optionally encrypts a blob before it is written.
func (s *Store) seal(plain []byte) ([]byte, error) {
	if s.enc == nil {
		return plain, nil
	}
	return s.enc.Seal(plain)
}

// open optionally decrypts a blob read from disk.
func (s *Store) open(blob []byte) ([]byte, error) {
	if s.enc == nil {
		return blob, nil
	}
	return s.enc.Open(blob)
}

func (s *Store) writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// GetUids returns MISS (ok=false) on any read or decode failure, per the
// spec's "read failures degrade to MISS" rule.
func (s *Store) GetUids(folder string) (uids []uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(folderDir(s.root, folder), "uids")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	plain, err := s.open(raw)
	if err != nil {
		log.Warn().Err(err).Str("folder", folder).Msg("uids cache integrity failure, treating as miss")
		return nil, false
	}
	var out []uint32
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&out); err != nil {
		return nil, false
	}
	return out, true
}

// PutUids replaces the folder's UID set. Failures are logged, never
// returned to the caller — the server remains the source of truth.
func (s *Store) PutUids(folder string, uids []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.ensureDir(folder)
	if err != nil {
		log.Warn().Err(err).Str("folder", folder).Msg("cache: create folder dir")
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(uids); err != nil {
		log.Warn().Err(err).Msg("cache: encode uids")
		return
	}
	blob, err := s.seal(buf.Bytes())
	if err != nil {
		log.Warn().Err(err).Msg("cache: seal uids")
		return
	}
	if err := s.writeFile(filepath.Join(dir, "uids"), blob); err != nil {
		log.Warn().Err(err).Str("folder", folder).Msg("cache: write uids")
	}
}

func (s *Store) GetHeader(folder string, uid uint32) (mail.Header, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(folderDir(s.root, folder), "headers", fmt.Sprint(uid))
	raw, err := os.ReadFile(path)
	if err != nil {
		return mail.Header{}, false
	}
	plain, err := s.open(raw)
	if err != nil {
		log.Warn().Err(err).Str("folder", folder).Uint32("uid", uid).Msg("header cache integrity failure, treating as miss")
		return mail.Header{}, false
	}
	var h mail.Header
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&h); err != nil {
		return mail.Header{}, false
	}
	return h, true
}

func (s *Store) PutHeader(folder string, uid uint32, h mail.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.ensureDir(folder)
	if err != nil {
		log.Warn().Err(err).Str("folder", folder).Msg("cache: create folder dir")
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(h); err != nil {
		log.Warn().Err(err).Msg("cache: encode header")
		return
	}
	blob, err := s.seal(buf.Bytes())
	if err != nil {
		log.Warn().Err(err).Msg("cache: seal header")
		return
	}
	path := filepath.Join(dir, "headers", fmt.Sprint(uid))
	if err := s.writeFile(path, blob); err != nil {
		log.Warn().Err(err).Str("folder", folder).Uint32("uid", uid).Msg("cache: write header")
	}
}

func (s *Store) GetFlags(folder string, uid uint32) (mail.Flags, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, ok := s.readFlagsLocked(folder)
	if !ok {
		return 0, false
	}
	f, ok := all[uid]
	return f, ok
}

func (s *Store) PutFlags(folder string, uid uint32, flags mail.Flags) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.ensureDir(folder)
	if err != nil {
		log.Warn().Err(err).Str("folder", folder).Msg("cache: create folder dir")
		return
	}
	all, _ := s.readFlagsLocked(folder)
	if all == nil {
		all = make(map[uint32]mail.Flags)
	}
	all[uid] = flags

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(all); err != nil {
		log.Warn().Err(err).Msg("cache: encode flags")
		return
	}
	blob, err := s.seal(buf.Bytes())
	if err != nil {
		log.Warn().Err(err).Msg("cache: seal flags")
		return
	}
	if err := s.writeFile(filepath.Join(dir, "flags"), blob); err != nil {
		log.Warn().Err(err).Str("folder", folder).Msg("cache: write flags")
	}
}

// readFlagsLocked must be called with mu held.
func (s *Store) readFlagsLocked(folder string) (map[uint32]mail.Flags, bool) {
	path := filepath.Join(folderDir(s.root, folder), "flags")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	plain, err := s.open(raw)
	if err != nil {
		log.Warn().Err(err).Str("folder", folder).Msg("flags cache integrity failure, treating as miss")
		return nil, false
	}
	var all map[uint32]mail.Flags
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&all); err != nil {
		return nil, false
	}
	return all, true
}

func (s *Store) GetBody(folder string, uid uint32) (mail.Body, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(folderDir(s.root, folder), "bodies", fmt.Sprint(uid))
	raw, err := os.ReadFile(path)
	if err != nil {
		return mail.Body{}, false
	}
	plain, err := s.open(raw)
	if err != nil {
		log.Warn().Err(err).Str("folder", folder).Uint32("uid", uid).Msg("body cache integrity failure, treating as miss")
		return mail.Body{}, false
	}
	var b mail.Body
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&b); err != nil {
		return mail.Body{}, false
	}
	return b, true
}

func (s *Store) PutBody(folder string, uid uint32, body mail.Body) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.ensureDir(folder)
	if err != nil {
		log.Warn().Err(err).Str("folder", folder).Msg("cache: create folder dir")
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(body); err != nil {
		log.Warn().Err(err).Msg("cache: encode body")
		return
	}
	blob, err := s.seal(buf.Bytes())
	if err != nil {
		log.Warn().Err(err).Msg("cache: seal body")
		return
	}
	path := filepath.Join(dir, "bodies", fmt.Sprint(uid))
	if err := s.writeFile(path, blob); err != nil {
		log.Warn().Err(err).Str("folder", folder).Uint32("uid", uid).Msg("cache: write body")
	}
}

// Rename moves a folder's cache directory to the hash of its new name. A
// missing source directory is a no-op, matching the spec's rename contract.
func (s *Store) Rename(oldFolder, newFolder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldDir := folderDir(s.root, oldFolder)
	if _, err := os.Stat(oldDir); os.IsNotExist(err) {
		return nil
	}
	newDir := folderDir(s.root, newFolder)
	if err := os.MkdirAll(filepath.Dir(newDir), 0o700); err != nil {
		return err
	}
	return os.Rename(oldDir, newDir)
}

// Clear removes every folder's cached data. Used for the user-initiated
// "clear cache" operation; folder entries are re-created on next
// enumeration.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(filepath.Join(s.root, "cache"))
}

// ReKey decrypts every on-disk file under the cache root with the
// Store's current encryptor and re-seals it with newEnc, then adopts
// newEnc as the Store's key going forward. A file that fails to decrypt
// under the old key is skipped and logged rather than aborting the whole
// pass, matching the cache's "never fail the enclosing action on a
// cache-layer surprise" posture.
func (s *Store) ReKey(newEnc *crypto.Encryptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := filepath.Join(s.root, "cache")
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		plain, err := s.open(raw)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("cache: rekey skip unreadable file")
			return nil
		}
		oldEnc := s.enc
		s.enc = newEnc
		blob, err := s.seal(plain)
		s.enc = oldEnc
		if err != nil {
			return fmt.Errorf("cache: rekey seal %s: %w", path, err)
		}
		return s.writeFile(path, blob)
	})
	if err != nil {
		return err
	}
	s.enc = newEnc
	return nil
}
