package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/aerionmail/mailcore/internal/xoauth2"
)

// AuthType selects how Config authenticates with the server.
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// SecurityType mirrors the IMAP manager's connection security enum.
type SecurityType string

const (
	SecurityNone     SecurityType = "none"
	SecurityTLS      SecurityType = "tls"
	SecurityStartTLS SecurityType = "starttls"
)

// Config holds everything needed to dial and authenticate one SMTP
// connection.
type Config struct {
	Host     string
	Port     int
	Security SecurityType

	Username string
	Password string

	AuthType    AuthType
	AccessToken string

	DialTimeout time.Duration
}

// DefaultConfig returns sane submission-port defaults.
func DefaultConfig() Config {
	return Config{
		Port:        587,
		Security:    SecurityStartTLS,
		AuthType:    AuthTypePassword,
		DialTimeout: 30 * time.Second,
	}
}

// dial connects, negotiates TLS per cfg.Security, authenticates, and
// returns a ready-to-use *smtp.Client. The caller owns Close/Quit.
func dial(ctx context.Context, cfg Config) (*smtp.Client, error) {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var (
		client *smtp.Client
		err    error
	)

	if cfg.Security == SecurityTLS {
		conn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cfg.Host})
		if dialErr != nil {
			return nil, fmt.Errorf("smtp: dial implicit TLS %s: %w", addr, dialErr)
		}
		client, err = smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("smtp: new client on %s: %w", addr, err)
		}
	} else {
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return nil, fmt.Errorf("smtp: dial %s: %w", addr, dialErr)
		}
		client, err = smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("smtp: new client on %s: %w", addr, err)
		}
	}

	if err := client.Hello("localhost"); err != nil {
		client.Close()
		return nil, fmt.Errorf("smtp: EHLO: %w", err)
	}

	if cfg.Security == SecurityStartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			client.Close()
			return nil, fmt.Errorf("smtp: server does not advertise STARTTLS")
		}
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp: STARTTLS: %w", err)
		}
	}

	if err := authenticate(client, cfg); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}

func authenticate(client *smtp.Client, cfg Config) error {
	if cfg.Username == "" {
		return nil
	}

	var sc sasl.Client
	switch cfg.AuthType {
	case AuthTypeOAuth2:
		if cfg.AccessToken == "" {
			return fmt.Errorf("smtp: oauth2 auth requires an access token")
		}
		sc = xoauth2.NewClient(cfg.Username, cfg.AccessToken)
	default:
		sc = sasl.NewPlainClient("", cfg.Username, cfg.Password)
	}

	if err := client.Auth(&saslAuth{client: sc}); err != nil {
		return fmt.Errorf("smtp: AUTH failed: %w", err)
	}
	return nil
}

// deliver sends blob (a complete RFC 822 message) from `from` to every
// address in recipients over a fresh connection.
func deliver(ctx context.Context, cfg Config, from string, recipients []string, blob []byte) error {
	client, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp: MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp: RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp: DATA: %w", err)
	}
	if _, err := w.Write(blob); err != nil {
		w.Close()
		return fmt.Errorf("smtp: write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp: close DATA: %w", err)
	}

	return client.Quit()
}
