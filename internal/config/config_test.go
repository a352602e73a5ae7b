package config

import "testing"

func TestParseAppliesDefaultsThenOverrides(t *testing.T) {
	cfg, err := Parse(map[string]string{
		"user":      "me@example.com",
		"imap_host": "imap.example.com",
		"sent":      "Sent Items",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.IMAPPort != 993 || cfg.SMTPPort != 587 {
		t.Fatalf("default ports not applied: %+v", cfg)
	}
	if cfg.Inbox != "INBOX" || cfg.Drafts != "Drafts" || cfg.Trash != "Trash" {
		t.Fatalf("default folder names not applied: %+v", cfg)
	}
	if cfg.Sent != "Sent Items" {
		t.Fatalf("override not applied, got %q", cfg.Sent)
	}
	if cfg.PrefetchLevel != PrefetchCurrentView {
		t.Fatalf("default prefetch level not applied: %v", cfg.PrefetchLevel)
	}
}

func TestParseMissingUserErrors(t *testing.T) {
	if _, err := Parse(map[string]string{"imap_host": "imap.example.com"}); err == nil {
		t.Fatal("expected an error for a missing user")
	}
}

func TestParseMissingImapHostErrors(t *testing.T) {
	if _, err := Parse(map[string]string{"user": "me@example.com"}); err == nil {
		t.Fatal("expected an error for a missing imap_host")
	}
}

func TestParseInvalidPortErrors(t *testing.T) {
	_, err := Parse(map[string]string{
		"user": "me@example.com", "imap_host": "imap.example.com",
		"imap_port": "not-a-number",
	})
	if err == nil {
		t.Fatal("expected an error for a non-numeric imap_port")
	}
}

func TestParsePrefetchLevelOutOfRangeErrors(t *testing.T) {
	_, err := Parse(map[string]string{
		"user": "me@example.com", "imap_host": "imap.example.com",
		"prefetch_level": "9",
	})
	if err == nil {
		t.Fatal("expected an error for an out-of-range prefetch_level")
	}
}

func TestParseBoolAcceptsZeroOneAndStrconvForms(t *testing.T) {
	cfg, err := Parse(map[string]string{
		"user": "me@example.com", "imap_host": "imap.example.com",
		"cache_encrypt": "1", "save_pass": "0", "offline": "true",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.CacheEncrypt || cfg.SavePass || !cfg.Offline {
		t.Fatalf("bool parsing mismatch: %+v", cfg)
	}
}

func TestPrefetchLevelString(t *testing.T) {
	cases := map[PrefetchLevel]string{
		PrefetchNone:           "none",
		PrefetchCurrentMessage: "current-message",
		PrefetchCurrentView:    "current-view",
		PrefetchFullSync:       "full-sync",
	}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Errorf("PrefetchLevel(%d).String() = %q, want %q", level, got, want)
		}
	}
}
