package smtp

import (
	"net/smtp"

	"github.com/emersion/go-sasl"
)

// saslAuth bridges an emersion/go-sasl Client (PLAIN, LOGIN, XOAUTH2) into
// the standard library's net/smtp.Auth interface, so the same SASL
// mechanisms used by the IMAP manager drive SMTP AUTH too.
type saslAuth struct {
	client sasl.Client
}

func (a *saslAuth) Start(_ *smtp.ServerInfo) (proto string, toServer []byte, err error) {
	return a.client.Start()
}

func (a *saslAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	return a.client.Next(fromServer)
}
