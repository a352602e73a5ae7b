// Package imap drives one IMAP account over two long-lived worker
// connections — a foreground worker that serves interactive requests
// immediately and a prefetch worker that fills the cache ahead of need —
// per spec C5, plus a third connection held in IDLE on the watched folder.
package imap

import (
	"net"
	"time"
)

// SecurityType selects how the TCP connection is wrapped.
type SecurityType string

const (
	SecurityNone     SecurityType = "none"
	SecurityTLS      SecurityType = "tls"
	SecurityStartTLS SecurityType = "starttls"
)

// AuthType selects how the connection authenticates once established.
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// ClientConfig holds everything one connection needs to reach and log
// into the account's IMAP server.
type ClientConfig struct {
	Host     string
	Port     int
	Security SecurityType
	Username string
	Password string

	AuthType    AuthType
	AccessToken string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultConfig returns sensible defaults for the common TLS-on-993 case.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Port:           993,
		Security:       SecurityTLS,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    3 * time.Minute,
		WriteTimeout:   30 * time.Second,
	}
}

// deadlineConn enforces read/write deadlines around every operation so a
// stalled server can't block a worker goroutine forever.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}
