package credentials

import "testing"

func TestSetGetPasswordRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir(), "fallback-passphrase")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := s.SetPassword("me@example.com", "hunter2"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}

	got, err := s.GetPassword("me@example.com")
	if err != nil {
		t.Fatalf("GetPassword: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("got %q, want hunter2", got)
	}
}

func TestGetPasswordMissingAccountReturnsErrNotFound(t *testing.T) {
	s, err := NewStore(t.TempDir(), "fallback-passphrase")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if _, err := s.GetPassword("nobody@example.com"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestDeletePasswordRemovesIt(t *testing.T) {
	s, err := NewStore(t.TempDir(), "fallback-passphrase")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := s.SetPassword("me@example.com", "hunter2"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if err := s.DeletePassword("me@example.com"); err != nil {
		t.Fatalf("DeletePassword: %v", err)
	}
	if _, err := s.GetPassword("me@example.com"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound after delete", err)
	}
}

func TestEmptyPasswordIsNotStored(t *testing.T) {
	s, err := NewStore(t.TempDir(), "fallback-passphrase")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.SetPassword("me@example.com", ""); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if _, err := s.GetPassword("me@example.com"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound for an empty password", err)
	}
}
