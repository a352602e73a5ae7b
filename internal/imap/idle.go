package imap

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
)

// EventType classifies a push notification received while idling.
type EventType int

const (
	EventNewMail EventType = iota
	EventExpunge
)

// Event is one piece of unilateral data the server sent during IDLE.
type Event struct {
	Type   EventType
	Folder string
	Count  uint32 // EventNewMail: new EXISTS count. EventExpunge: sequence number removed.
}

// NewUnilateralHandler builds the handler Client.SetUnilateralDataHandler
// needs, forwarding EXISTS/EXPUNGE notifications for folder onto events.
// Sends never block longer than one second — a slow consumer drops events
// rather than stalling the IMAP read loop.
func NewUnilateralHandler(folder string, events chan<- Event) *imapclient.UnilateralDataHandler {
	send := func(ev Event) {
		select {
		case events <- ev:
		case <-time.After(time.Second):
		}
	}
	return &imapclient.UnilateralDataHandler{
		Mailbox: func(data *imapclient.UnilateralDataMailbox) {
			if data.NumMessages != nil {
				send(Event{Type: EventNewMail, Folder: folder, Count: *data.NumMessages})
			}
		},
		Expunge: func(seqNum uint32) {
			send(Event{Type: EventExpunge, Folder: folder, Count: seqNum})
		},
	}
}

// idleRefreshInterval is kept comfortably under RFC 2177's 29-minute cap
// so a slow network round trip never lets the server time the command out
// from under us.
const idleRefreshInterval = 24 * time.Minute

// Watcher runs repeated IDLE cycles on an already-selected Client,
// restarting each one before the RFC timeout.
type Watcher struct {
	client  *Client
	refresh time.Duration
}

// NewWatcher returns a Watcher over client, which must already have a
// mailbox selected and its unilateral data handler registered.
func NewWatcher(client *Client) *Watcher {
	return &Watcher{client: client, refresh: idleRefreshInterval}
}

// Run blocks in a loop of IDLE cycles until ctx is cancelled or one cycle
// returns an error (signaling the caller should reconnect). Each cycle
// ends only on its own refresh timer or on ctx cancellation; unilateral
// data arriving mid-cycle goes to the handler's event channel without
// ending the cycle — the unilateral handler does the notifying, Run only
// owns the refresh cadence.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.client.Noop(); err != nil {
			return fmt.Errorf("imap: idle health check: %w", err)
		}
		if err := w.cycle(ctx); err != nil {
			return err
		}
	}
}

func (w *Watcher) cycle(ctx context.Context) error {
	idleCmd, err := w.client.Idle()
	if err != nil {
		return fmt.Errorf("imap: IDLE: %w", err)
	}

	timer := time.NewTimer(w.refresh)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		idleCmd.Close()
		return ctx.Err()
	case <-timer.C:
		return idleCmd.Close()
	}
}
