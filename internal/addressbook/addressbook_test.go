package addressbook

import (
	"path/filepath"
	"testing"

	"github.com/aerionmail/mailcore/internal/crypto"
)

func TestRecordAndLookupUnencrypted(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "addressbook.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if err := b.RecordFrom(Contact{Address: "alice@example.com", Name: "Alice Smith"}); err != nil {
		t.Fatalf("RecordFrom: %v", err)
	}
	if err := b.RecordFrom(Contact{Address: "bob@example.com", Name: "Bob Jones"}); err != nil {
		t.Fatalf("RecordFrom: %v", err)
	}
	if err := b.RecordFrom(Contact{Address: "alice@example.com", Name: "Alice Smith"}); err != nil {
		t.Fatalf("RecordFrom again: %v", err)
	}

	hits, err := b.Lookup("alice", 10)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(hits) != 1 || hits[0].Address != "alice@example.com" {
		t.Fatalf("got %+v", hits)
	}
}

func TestFrequencyOrdering(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "addressbook.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	for i := 0; i < 3; i++ {
		b.RecordFrom(Contact{Address: "frequent@example.com", Name: "Frequent"})
	}
	b.RecordFrom(Contact{Address: "rare@example.com", Name: "Rare"})

	hits, err := b.Lookup("example.com", 10)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(hits) != 2 || hits[0].Address != "frequent@example.com" {
		t.Fatalf("expected frequent first, got %+v", hits)
	}
}

func TestRecordMessageIsIdempotent(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "addressbook.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	contacts := []Contact{{Address: "x@example.com", Name: "X"}}
	if err := b.RecordMessage("msg-1", contacts); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	if err := b.RecordMessage("msg-1", contacts); err != nil {
		t.Fatalf("RecordMessage again: %v", err)
	}
}

func TestEncryptedLookup(t *testing.T) {
	enc := crypto.NewEncryptor("pw")
	b, err := Open(filepath.Join(t.TempDir(), "addressbook.db"), enc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	b.RecordFrom(Contact{Address: "secret@example.com", Name: "Secret"})
	b.RecordFrom(Contact{Address: "secret@example.com", Name: "Secret"})

	hits, err := b.Lookup("secret", 10)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit (dedup by address), got %+v", hits)
	}
}

func TestReKey(t *testing.T) {
	oldEnc := crypto.NewEncryptor("old-pw")
	path := filepath.Join(t.TempDir(), "addressbook.db")
	b, err := Open(path, oldEnc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	b.RecordFrom(Contact{Address: "carry@example.com", Name: "Carry"})

	newEnc := crypto.NewEncryptor("new-pw")
	if err := b.ReKey(newEnc); err != nil {
		t.Fatalf("ReKey: %v", err)
	}

	hits, err := b.Lookup("carry", 10)
	if err != nil {
		t.Fatalf("Lookup after rekey: %v", err)
	}
	if len(hits) != 1 || hits[0].Address != "carry@example.com" {
		t.Fatalf("got %+v", hits)
	}
}

func TestReKeyToUnencrypted(t *testing.T) {
	oldEnc := crypto.NewEncryptor("old-pw")
	b, err := Open(filepath.Join(t.TempDir(), "addressbook.db"), oldEnc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	b.RecordFrom(Contact{Address: "plain@example.com", Name: "Plain"})
	if err := b.ReKey(nil); err != nil {
		t.Fatalf("ReKey to nil: %v", err)
	}

	hits, err := b.Lookup("plain", 10)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %+v", hits)
	}
}
