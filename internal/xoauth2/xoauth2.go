// Package xoauth2 implements the XOAUTH2 SASL mechanism shared by the
// IMAP and SMTP managers. It satisfies github.com/emersion/go-sasl's
// Client interface so it can be passed directly to either protocol's
// AUTHENTICATE/AUTH command.
package xoauth2

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

const mechanismName = "XOAUTH2"

type client struct {
	username string
	token    string
	done     bool
}

// NewClient returns a SASL client for the XOAUTH2 mechanism, used to
// authenticate with an OAuth2 access token instead of a password.
func NewClient(username, accessToken string) sasl.Client {
	return &client{username: username, token: accessToken}
}

func (c *client) Start() (mech string, ir []byte, err error) {
	return mechanismName, c.initialResponse(), nil
}

func (c *client) initialResponse() []byte {
	return []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.token))
}

// Next handles the server's response to the initial response. A server
// that accepts XOAUTH2 sends a blank challenge on success; one that
// rejects it sends a JSON error payload and expects the client to reply
// with an empty byte string to complete the failed exchange.
func (c *client) Next(challenge []byte) (response []byte, err error) {
	if c.done {
		return nil, fmt.Errorf("xoauth2: unexpected challenge after completion")
	}
	c.done = true
	return []byte{}, nil
}
