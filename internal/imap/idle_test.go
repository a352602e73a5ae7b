package imap

import (
	"testing"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
)

func TestUnilateralHandlerForwardsNewMail(t *testing.T) {
	events := make(chan Event, 1)
	handler := NewUnilateralHandler("INBOX", events)

	count := uint32(7)
	handler.Mailbox(&imapclient.UnilateralDataMailbox{NumMessages: &count})

	select {
	case ev := <-events:
		if ev.Type != EventNewMail || ev.Count != 7 || ev.Folder != "INBOX" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an event to be forwarded")
	}
}

func TestUnilateralHandlerForwardsExpunge(t *testing.T) {
	events := make(chan Event, 1)
	handler := NewUnilateralHandler("INBOX", events)

	handler.Expunge(42)

	ev := <-events
	if ev.Type != EventExpunge || ev.Count != 42 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestUnilateralHandlerDropsWhenChannelFull(t *testing.T) {
	events := make(chan Event) // unbuffered, nobody reading
	handler := NewUnilateralHandler("INBOX", events)

	done := make(chan struct{})
	go func() {
		handler.Expunge(1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler should drop the event instead of blocking forever")
	}
}
