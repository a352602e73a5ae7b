// Package config defines the core's typed view of the recognised key=value
// configuration options (spec section 6). Loading the options from a file,
// watching it for changes, or prompting a setup wizard are all explicitly
// out of scope here — this package only turns a flat string map into a
// validated Config.
package config

import (
	"fmt"
	"strconv"
)

// PrefetchLevel orders how eagerly the prefetch worker walks ahead of the
// user. Values are ordered: a higher level is a strict superset of what a
// lower level fetches.
type PrefetchLevel int

const (
	PrefetchNone PrefetchLevel = iota
	PrefetchCurrentMessage
	PrefetchCurrentView
	PrefetchFullSync
)

func (p PrefetchLevel) String() string {
	switch p {
	case PrefetchNone:
		return "none"
	case PrefetchCurrentMessage:
		return "current-message"
	case PrefetchCurrentView:
		return "current-view"
	case PrefetchFullSync:
		return "full-sync"
	default:
		return "unknown"
	}
}

// Config is the identity, endpoint and behavioural configuration for the
// single mail account this core manages.
type Config struct {
	Address string
	Name    string
	User    string
	Pass    string

	IMAPHost string
	IMAPPort int
	SMTPHost string
	SMTPPort int

	Inbox  string
	Sent   string
	Drafts string
	Trash  string

	CacheEncrypt  bool
	SavePass      bool
	PrefetchLevel PrefetchLevel

	ClientStoreSent       bool
	ComposeBackupInterval int // seconds; 0 disables
	Offline               bool
}

// Default returns the recommended defaults for every option the spec
// doesn't otherwise require the caller to supply.
func Default() Config {
	return Config{
		IMAPPort:              993,
		SMTPPort:              587,
		Inbox:                 "INBOX",
		Sent:                  "Sent",
		Drafts:                "Drafts",
		Trash:                 "Trash",
		PrefetchLevel:         PrefetchCurrentView,
		ComposeBackupInterval: 30,
	}
}

// Parse converts a flat key=value map (as produced by an external config
// file reader) into a Config, applying Default() first and validating
// recognised option values.
func Parse(opts map[string]string) (Config, error) {
	cfg := Default()

	if v, ok := opts["address"]; ok {
		cfg.Address = v
	}
	if v, ok := opts["name"]; ok {
		cfg.Name = v
	}
	if v, ok := opts["user"]; ok {
		cfg.User = v
	}
	if v, ok := opts["pass"]; ok {
		cfg.Pass = v
	}
	if v, ok := opts["imap_host"]; ok {
		cfg.IMAPHost = v
	}
	if v, ok := opts["smtp_host"]; ok {
		cfg.SMTPHost = v
	}
	if v, ok := opts["inbox"]; ok {
		cfg.Inbox = v
	}
	if v, ok := opts["sent"]; ok {
		cfg.Sent = v
	}
	if v, ok := opts["drafts"]; ok {
		cfg.Drafts = v
	}
	if v, ok := opts["trash"]; ok {
		cfg.Trash = v
	}

	if v, ok := opts["imap_port"]; ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid imap_port %q: %w", v, err)
		}
		cfg.IMAPPort = p
	}
	if v, ok := opts["smtp_port"]; ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid smtp_port %q: %w", v, err)
		}
		cfg.SMTPPort = p
	}

	if v, ok := opts["cache_encrypt"]; ok {
		b, err := parseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid cache_encrypt %q: %w", v, err)
		}
		cfg.CacheEncrypt = b
	}
	if v, ok := opts["save_pass"]; ok {
		b, err := parseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid save_pass %q: %w", v, err)
		}
		cfg.SavePass = b
	}
	if v, ok := opts["client_store_sent"]; ok {
		b, err := parseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid client_store_sent %q: %w", v, err)
		}
		cfg.ClientStoreSent = b
	}
	if v, ok := opts["offline"]; ok {
		b, err := parseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid offline %q: %w", v, err)
		}
		cfg.Offline = b
	}

	if v, ok := opts["prefetch_level"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < int(PrefetchNone) || n > int(PrefetchFullSync) {
			return cfg, fmt.Errorf("invalid prefetch_level %q: must be 0-3", v)
		}
		cfg.PrefetchLevel = PrefetchLevel(n)
	}

	if v, ok := opts["compose_backup_interval"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("invalid compose_backup_interval %q: %w", v, err)
		}
		cfg.ComposeBackupInterval = n
	}

	if cfg.User == "" {
		return cfg, fmt.Errorf("config: user is required")
	}
	if cfg.IMAPHost == "" {
		return cfg, fmt.Errorf("config: imap_host is required")
	}

	return cfg, nil
}

func parseBool(v string) (bool, error) {
	switch v {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return strconv.ParseBool(v)
	}
}
