package cache

import (
	"testing"

	"github.com/aerionmail/mailcore/internal/crypto"
	"github.com/aerionmail/mailcore/internal/mail"
)

func TestUidsRoundTrip(t *testing.T) {
	s := New(t.TempDir(), nil)

	if _, ok := s.GetUids("INBOX"); ok {
		t.Fatal("expected miss on empty store")
	}

	want := []uint32{1, 2, 3, 40}
	s.PutUids("INBOX", want)

	got, ok := s.GetUids("INBOX")
	if !ok {
		t.Fatal("expected hit after put")
	}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	s := New(t.TempDir(), nil)
	h := mail.Header{UID: 7, Subject: "hello", From: "a@example.com"}
	s.PutHeader("INBOX", 7, h)

	got, ok := s.GetHeader("INBOX", 7)
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Subject != h.Subject || got.From != h.From {
		t.Fatalf("got %+v want %+v", got, h)
	}

	if _, ok := s.GetHeader("INBOX", 999); ok {
		t.Fatal("expected miss for unknown uid")
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	s := New(t.TempDir(), nil)
	s.PutFlags("INBOX", 1, mail.FlagSeen)
	s.PutFlags("INBOX", 2, mail.FlagSeen|mail.FlagFlagged)

	f1, ok := s.GetFlags("INBOX", 1)
	if !ok || !f1.Has(mail.FlagSeen) {
		t.Fatalf("uid 1 flags = %v ok=%v", f1, ok)
	}
	f2, ok := s.GetFlags("INBOX", 2)
	if !ok || !f2.Has(mail.FlagFlagged) {
		t.Fatalf("uid 2 flags = %v ok=%v", f2, ok)
	}
}

func TestBodyRoundTrip(t *testing.T) {
	s := New(t.TempDir(), nil)
	b := mail.Body{Raw: []byte("raw mime"), PlainText: "hello world"}
	s.PutBody("INBOX", 5, b)

	got, ok := s.GetBody("INBOX", 5)
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got.Raw) != string(b.Raw) || got.PlainText != b.PlainText {
		t.Fatalf("got %+v want %+v", got, b)
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	enc := crypto.NewEncryptor("s3cret")
	s := New(t.TempDir(), enc)

	h := mail.Header{UID: 1, Subject: "encrypted"}
	s.PutHeader("INBOX", 1, h)

	got, ok := s.GetHeader("INBOX", 1)
	if !ok || got.Subject != "encrypted" {
		t.Fatalf("got %+v ok=%v", got, ok)
	}
}

func TestWrongKeyIsMiss(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, crypto.NewEncryptor("right-key"))
	s.PutHeader("INBOX", 1, mail.Header{UID: 1, Subject: "x"})

	wrong := New(dir, crypto.NewEncryptor("wrong-key"))
	if _, ok := wrong.GetHeader("INBOX", 1); ok {
		t.Fatal("expected miss when opening with the wrong key")
	}
}

func TestRename(t *testing.T) {
	s := New(t.TempDir(), nil)
	s.PutUids("Old", []uint32{1, 2})

	if err := s.Rename("Old", "New"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, ok := s.GetUids("Old"); ok {
		t.Fatal("old folder should no longer resolve")
	}
	got, ok := s.GetUids("New")
	if !ok || len(got) != 2 {
		t.Fatalf("expected renamed folder to retain uids, got %v ok=%v", got, ok)
	}
}

func TestRenameMissingIsNoop(t *testing.T) {
	s := New(t.TempDir(), nil)
	if err := s.Rename("DoesNotExist", "New"); err != nil {
		t.Fatalf("expected noop, got %v", err)
	}
}

func TestClear(t *testing.T) {
	s := New(t.TempDir(), nil)
	s.PutUids("INBOX", []uint32{1})
	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := s.GetUids("INBOX"); ok {
		t.Fatal("expected miss after clear")
	}
}
