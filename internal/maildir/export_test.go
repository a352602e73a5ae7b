package maildir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aerionmail/mailcore/internal/cache"
	"github.com/aerionmail/mailcore/internal/mail"
)

func TestExportWritesOneFilePerCachedBody(t *testing.T) {
	store := cache.New(t.TempDir(), nil)
	store.PutUids("INBOX", []uint32{1, 2})
	store.PutBody("INBOX", 1, mail.Body{Raw: []byte("From: a@example.com\r\n\r\nfirst")})
	store.PutBody("INBOX", 2, mail.Body{Raw: []byte("From: b@example.com\r\n\r\nsecond")})

	dest := filepath.Join(t.TempDir(), "export")
	n, err := Export(store, "INBOX", dest)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 2 {
		t.Fatalf("got %d exported, want 2", n)
	}

	entries, err := os.ReadDir(filepath.Join(dest, "new"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d files in new/, want 2", len(entries))
	}
}

func TestExportSkipsUidsWithNoCachedBody(t *testing.T) {
	store := cache.New(t.TempDir(), nil)
	store.PutUids("INBOX", []uint32{1, 2})
	store.PutBody("INBOX", 1, mail.Body{Raw: []byte("only this one has a body")})

	dest := filepath.Join(t.TempDir(), "export")
	n, err := Export(store, "INBOX", dest)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d exported, want 1", n)
	}
}

func TestExportUnknownFolderErrors(t *testing.T) {
	store := cache.New(t.TempDir(), nil)
	dest := filepath.Join(t.TempDir(), "export")
	if _, err := Export(store, "NeverOpened", dest); err == nil {
		t.Fatal("expected an error exporting a folder with no cached uid set")
	}
}
