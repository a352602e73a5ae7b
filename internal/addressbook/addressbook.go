// Package addressbook persists the set of addresses each message
// contributed and a frequency count of observed From: addresses, backed
// by SQLite the same way the cached mail index is (spec 4.4).
package addressbook

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/aerionmail/mailcore/internal/crypto"
	"github.com/aerionmail/mailcore/internal/logging"
)

var log = logging.WithComponent("addressbook")

// Contact is one named mailbox, e.g. "Alice Smith <alice@example.com>".
type Contact struct {
	Address string
	Name    string
}

// Book is the address book store. When enc is set, the address and
// display-name columns are sealed at rest; substring lookups then fall
// back to an in-memory scan since the database can no longer filter on
// ciphertext.
type Book struct {
	db  *sql.DB
	enc *crypto.Encryptor
}

// Open creates or opens addressbook.db at path.
func Open(path string, enc *crypto.Encryptor) (*Book, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("addressbook: create dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("addressbook: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("addressbook: ping: %w", err)
	}

	b := &Book{db: db, enc: enc}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Book) migrate() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS message_addresses (
			message_id BLOB NOT NULL,
			address    BLOB NOT NULL,
			name       BLOB NOT NULL,
			PRIMARY KEY (message_id, address)
		);
		CREATE TABLE IF NOT EXISTS from_frequency (
			address BLOB PRIMARY KEY,
			name    BLOB NOT NULL,
			count   INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("addressbook: migrate: %w", err)
	}
	return nil
}

func (b *Book) Close() error { return b.db.Close() }

func (b *Book) sealStr(enc *crypto.Encryptor, s string) ([]byte, error) {
	if enc == nil {
		return []byte(s), nil
	}
	return enc.Seal([]byte(s))
}

func (b *Book) openStr(enc *crypto.Encryptor, blob []byte) (string, error) {
	if enc == nil {
		return string(blob), nil
	}
	plain, err := enc.Open(blob)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// RecordMessage stores the set of addresses a message (identified by its
// Message-ID) contributed, e.g. its From/To/Cc. Without an encryptor,
// re-recording the same (messageID, address) pair is a no-op. With one,
// every seal produces different bytes, so the primary key never matches
// and re-recording stores another row for the same pair.
func (b *Book) RecordMessage(messageID string, contacts []Contact) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("addressbook: begin: %w", err)
	}
	defer tx.Rollback()

	midBlob, err := b.sealStr(b.enc, messageID)
	if err != nil {
		return fmt.Errorf("addressbook: seal message id: %w", err)
	}

	for _, c := range contacts {
		addrBlob, err := b.sealStr(b.enc, c.Address)
		if err != nil {
			return fmt.Errorf("addressbook: seal address: %w", err)
		}
		nameBlob, err := b.sealStr(b.enc, c.Name)
		if err != nil {
			return fmt.Errorf("addressbook: seal name: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO message_addresses (message_id, address, name) VALUES (?, ?, ?)`,
			midBlob, addrBlob, nameBlob,
		); err != nil {
			return fmt.Errorf("addressbook: insert message address: %w", err)
		}
	}
	return tx.Commit()
}

// RecordFrom bumps the observed-from count for one address, used to rank
// autocomplete suggestions by frequency.
func (b *Book) RecordFrom(c Contact) error {
	addrBlob, err := b.sealStr(b.enc, c.Address)
	if err != nil {
		return fmt.Errorf("addressbook: seal address: %w", err)
	}
	nameBlob, err := b.sealStr(b.enc, c.Name)
	if err != nil {
		return fmt.Errorf("addressbook: seal name: %w", err)
	}

	if b.enc == nil {
		_, err = b.db.Exec(`
			INSERT INTO from_frequency (address, name, count) VALUES (?, ?, 1)
			ON CONFLICT(address) DO UPDATE SET count = count + 1, name = excluded.name
		`, addrBlob, nameBlob)
		if err != nil {
			return fmt.Errorf("addressbook: record from: %w", err)
		}
		return nil
	}

	// Encrypted addresses vary ciphertext per seal, so ON CONFLICT can't
	// key off the sealed column; look up by decrypting instead.
	all, err := b.allFromRows()
	if err != nil {
		return err
	}
	for _, row := range all {
		if row.contact.Address == c.Address {
			_, err := b.db.Exec(`UPDATE from_frequency SET count = count + 1, name = ?, address = ? WHERE rowid = ?`,
				nameBlob, addrBlob, row.rowid)
			if err != nil {
				return fmt.Errorf("addressbook: update from frequency: %w", err)
			}
			return nil
		}
	}
	_, err = b.db.Exec(`INSERT INTO from_frequency (address, name, count) VALUES (?, ?, 1)`, addrBlob, nameBlob)
	if err != nil {
		return fmt.Errorf("addressbook: insert from frequency: %w", err)
	}
	return nil
}

type fromRow struct {
	rowid   int64
	contact Contact
	count   int
}

func (b *Book) allFromRows() ([]fromRow, error) {
	rows, err := b.db.Query(`SELECT rowid, address, name, count FROM from_frequency`)
	if err != nil {
		return nil, fmt.Errorf("addressbook: query from_frequency: %w", err)
	}
	defer rows.Close()

	var out []fromRow
	for rows.Next() {
		var rowid int64
		var addrBlob, nameBlob []byte
		var count int
		if err := rows.Scan(&rowid, &addrBlob, &nameBlob, &count); err != nil {
			return nil, fmt.Errorf("addressbook: scan from_frequency: %w", err)
		}
		addr, err := b.openStr(b.enc, addrBlob)
		if err != nil {
			log.Warn().Err(err).Msg("addressbook: skip row with integrity failure")
			continue
		}
		name, err := b.openStr(b.enc, nameBlob)
		if err != nil {
			log.Warn().Err(err).Msg("addressbook: skip row with integrity failure")
			continue
		}
		out = append(out, fromRow{rowid: rowid, contact: Contact{Address: addr, Name: name}, count: count})
	}
	return out, rows.Err()
}

// Lookup returns contacts whose address or name contains filter
// (case-insensitive), ordered by observed-from frequency descending.
func (b *Book) Lookup(filter string, limit int) ([]Contact, error) {
	if limit <= 0 {
		limit = 20
	}

	if b.enc == nil {
		rows, err := b.db.Query(`
			SELECT address, name FROM from_frequency
			WHERE LOWER(address) LIKE ? OR LOWER(name) LIKE ?
			ORDER BY count DESC
			LIMIT ?
		`, likePattern(filter), likePattern(filter), limit)
		if err != nil {
			return nil, fmt.Errorf("addressbook: lookup: %w", err)
		}
		defer rows.Close()

		var out []Contact
		for rows.Next() {
			var addrBlob, nameBlob []byte
			if err := rows.Scan(&addrBlob, &nameBlob); err != nil {
				return nil, fmt.Errorf("addressbook: scan lookup: %w", err)
			}
			out = append(out, Contact{Address: string(addrBlob), Name: string(nameBlob)})
		}
		return out, rows.Err()
	}

	all, err := b.allFromRows()
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].count > all[j].count })

	needle := strings.ToLower(filter)
	var out []Contact
	for _, r := range all {
		if strings.Contains(strings.ToLower(r.contact.Address), needle) ||
			strings.Contains(strings.ToLower(r.contact.Name), needle) {
			out = append(out, r.contact)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func likePattern(filter string) string {
	return "%" + strings.ToLower(filter) + "%"
}

// ReKey re-encrypts every row under newEnc (which may be nil to disable
// encryption), replacing the Book's active encryptor. Used when the
// user's cache password changes.
func (b *Book) ReKey(newEnc *crypto.Encryptor) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("addressbook: rekey begin: %w", err)
	}
	defer tx.Rollback()

	if err := b.rekeyTable(tx, "message_addresses", []string{"message_id", "address", "name"}, newEnc); err != nil {
		return err
	}
	if err := b.rekeyTable(tx, "from_frequency", []string{"address", "name"}, newEnc); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("addressbook: rekey commit: %w", err)
	}
	b.enc = newEnc
	return nil
}

func (b *Book) rekeyTable(tx *sql.Tx, table string, cols []string, newEnc *crypto.Encryptor) error {
	selectCols := "rowid, " + strings.Join(cols, ", ")
	rows, err := tx.Query(fmt.Sprintf(`SELECT %s FROM %s`, selectCols, table))
	if err != nil {
		return fmt.Errorf("addressbook: rekey select %s: %w", table, err)
	}

	type update struct {
		rowid  int64
		values [][]byte
	}
	var updates []update

	for rows.Next() {
		var rowid int64
		blobs := make([][]byte, len(cols))
		dest := make([]any, 0, len(cols)+1)
		dest = append(dest, &rowid)
		for i := range blobs {
			dest = append(dest, &blobs[i])
		}
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return fmt.Errorf("addressbook: rekey scan %s: %w", table, err)
		}
		newBlobs := make([][]byte, len(blobs))
		for i, blob := range blobs {
			plain, err := b.openStr(b.enc, blob)
			if err != nil {
				log.Warn().Err(err).Str("table", table).Msg("addressbook: rekey skip unreadable row")
				newBlobs = nil
				break
			}
			sealed, err := b.sealStr(newEnc, plain)
			if err != nil {
				rows.Close()
				return fmt.Errorf("addressbook: rekey seal: %w", err)
			}
			newBlobs[i] = sealed
		}
		if newBlobs == nil {
			continue
		}
		updates = append(updates, update{rowid: rowid, values: newBlobs})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("addressbook: rekey rows %s: %w", table, err)
	}
	rows.Close()

	setClause := make([]string, len(cols))
	for i, c := range cols {
		setClause[i] = fmt.Sprintf("%s = ?", c)
	}
	stmt := fmt.Sprintf(`UPDATE %s SET %s WHERE rowid = ?`, table, strings.Join(setClause, ", "))
	for _, u := range updates {
		args := make([]any, 0, len(u.values)+1)
		for _, v := range u.values {
			args = append(args, v)
		}
		args = append(args, u.rowid)
		if _, err := tx.Exec(stmt, args...); err != nil {
			return fmt.Errorf("addressbook: rekey update %s: %w", table, err)
		}
	}
	return nil
}
