package controller

import (
	"testing"
	"time"

	"github.com/aerionmail/mailcore/internal/mail"
	"github.com/aerionmail/mailcore/internal/queue"
	"github.com/aerionmail/mailcore/internal/smtp"
)

func newComposeTestController(t *testing.T) *Controller {
	t.Helper()
	c := newTestController(t)
	q, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	c.outbox = q
	sm := smtp.NewManager(smtp.DefaultConfig(), nil, q, nil)
	sm.SetOffline(true)
	c.smtpMgr = sm
	return c
}

func TestBeginComposeBackupTimerPushesToQueue(t *testing.T) {
	c := newComposeTestController(t)

	msg := smtp.ComposeMessage{
		From:     smtp.Address{Address: "me@example.com"},
		To:       []smtp.Address{{Address: "them@example.com"}},
		Subject:  "draft",
		TextBody: "work in progress",
	}
	c.BeginCompose(msg, 20*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		blobs, err := c.outbox.PopComposeBackups()
		if err != nil {
			t.Fatalf("PopComposeBackups: %v", err)
		}
		if len(blobs) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a compose backup to land in the queue")
		case <-time.After(10 * time.Millisecond):
		}
	}

	c.EndCompose(false, false, "")
}

func TestEndComposeWithoutSendDoesNotCallSmtp(t *testing.T) {
	c := newComposeTestController(t)
	c.BeginCompose(smtp.ComposeMessage{TextBody: "draft"}, 0)

	result := c.EndCompose(false, false, "")
	if result.Err != nil || len(result.Blob) != 0 {
		t.Fatalf("expected a no-op result when send=false, got %+v", result)
	}
}

func TestEndComposeSendGoesToOutboxWhileOffline(t *testing.T) {
	c := newComposeTestController(t)
	msg := smtp.ComposeMessage{
		From:     smtp.Address{Address: "me@example.com"},
		To:       []smtp.Address{{Address: "them@example.com"}},
		Subject:  "hello",
		TextBody: "body",
	}
	c.BeginCompose(msg, 0)

	result := c.EndCompose(true, false, "")
	if result.Err != nil {
		t.Fatalf("Send while offline should not itself error: %v", result.Err)
	}
	if len(result.Blob) == 0 {
		t.Fatal("expected the assembled blob to be returned even when queued offline")
	}
}

func TestReplyBuildsThreadedMessage(t *testing.T) {
	c := newTestController(t)
	seedFolder(c, "INBOX", []uint32{1}, map[uint32]mail.Header{
		1: {
			MessageID:  "<orig@example.com>",
			References: []string{"<earlier@example.com>"},
			From:       "Alice <alice@example.com>",
			To:         []string{"me@example.com"},
			Subject:    "hello",
			DateRFC822: "Mon, 1 Jan 2026 00:00:00 +0000",
		},
	})

	msg, err := c.Reply("INBOX", 1, smtp.Address{Address: "me@example.com"}, false)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if len(msg.To) != 1 || msg.To[0].Address != "alice@example.com" {
		t.Fatalf("unexpected To: %+v", msg.To)
	}
	if msg.Subject != "Re: hello" {
		t.Fatalf("got subject %q", msg.Subject)
	}
	if msg.InReplyTo != "<orig@example.com>" {
		t.Fatalf("got InReplyTo %q", msg.InReplyTo)
	}
	if len(msg.References) != 2 || msg.References[1] != "<orig@example.com>" {
		t.Fatalf("unexpected references: %v", msg.References)
	}
}

func TestReplyMissingHeaderReturnsError(t *testing.T) {
	c := newTestController(t)
	if _, err := c.Reply("INBOX", 99, smtp.Address{Address: "me@example.com"}, false); err == nil {
		t.Fatal("expected an error when no header is cached for the uid")
	}
}

func TestForwardSubjectPrefix(t *testing.T) {
	c := newTestController(t)
	seedFolder(c, "INBOX", []uint32{1}, map[uint32]mail.Header{
		1: {Subject: "quarterly numbers", From: "alice@example.com"},
	})

	msg, err := c.Forward("INBOX", 1, smtp.Address{Address: "me@example.com"})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if msg.Subject != "Fwd: quarterly numbers" {
		t.Fatalf("got subject %q", msg.Subject)
	}
	if len(msg.To) != 0 {
		t.Fatalf("forward should start with no recipients, got %v", msg.To)
	}
}
