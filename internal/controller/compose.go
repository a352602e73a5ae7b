package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	coremail "github.com/aerionmail/mailcore/internal/mail"
	"github.com/aerionmail/mailcore/internal/smtp"
)

// Compose holds one in-progress compose/reply/forward buffer plus the
// backup-timer state (spec 4.9 responsibility 6).
type Compose struct {
	Buffer smtp.ComposeMessage

	stop chan struct{}
	done chan struct{}
}

// BeginCompose opens a fresh compose buffer and, if interval > 0, starts
// the compose-backup timer: every interval seconds it synchronously
// assembles the current buffer and pushes the blob to the compose-backup
// sub-queue (spec 4.9 responsibility 6).
func (c *Controller) BeginCompose(initial smtp.ComposeMessage, interval time.Duration) {
	c.composeMu.Lock()
	previous := c.compose
	cp := &Compose{Buffer: initial, stop: make(chan struct{}), done: make(chan struct{})}
	c.compose = cp
	c.composeMu.Unlock()

	if previous != nil {
		c.stopCompose(previous)
	}

	if interval > 0 {
		go c.runComposeBackup(cp, interval)
	} else {
		close(cp.done)
	}
}

func (c *Controller) runComposeBackup(cp *Compose, interval time.Duration) {
	defer close(cp.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-cp.stop:
			return
		case <-ticker.C:
			c.backupComposeBuffer(cp)
		}
	}
}

func (c *Controller) backupComposeBuffer(cp *Compose) {
	c.composeMu.Lock()
	msg := cp.Buffer
	c.composeMu.Unlock()

	blob, err := c.smtpMgr.CreateMessage(msg)
	if err != nil {
		c.log.Warn().Err(err).Msg("compose backup: assemble failed")
		return
	}
	if c.outbox == nil {
		return
	}
	if err := c.outbox.PushComposeBackup(blob); err != nil {
		c.log.Warn().Err(err).Msg("compose backup: push failed")
	}
}

// UpdateCompose replaces the live compose buffer; the next backup tick
// (or EndCompose) assembles from this value.
func (c *Controller) UpdateCompose(msg smtp.ComposeMessage) {
	c.composeMu.Lock()
	if c.compose != nil {
		c.compose.Buffer = msg
	}
	c.composeMu.Unlock()
}

// EndCompose stops the backup timer and, if send is true, routes the
// current buffer through the SMTP Manager; on success it additionally
// uploads the sent blob to sentFolder via the IMAP Manager when
// uploadToSent is set (spec 4.9 responsibility 5: "on send success,
// additionally upload to Sent via the IMAP Manager"). Any compose-backup
// entries queued during this session are drained regardless of outcome,
// since a send attempt (successful or not) supersedes the backup buffer.
func (c *Controller) EndCompose(send bool, uploadToSent bool, sentFolder string) smtp.SendResult {
	c.composeMu.Lock()
	cp := c.compose
	c.compose = nil
	c.composeMu.Unlock()

	if cp == nil {
		return smtp.SendResult{}
	}
	c.stopCompose(cp)
	c.drainComposeBackups()

	if !send {
		return smtp.SendResult{}
	}

	result := c.smtpMgr.Send(context.Background(), cp.Buffer)
	if result.Err == nil && uploadToSent && sentFolder != "" {
		go func() {
			action := coremail.Action{Folder: sentFolder, UploadMessage: result.Blob}
			if err := c.imapMgr.Do(context.Background(), action); err != nil {
				c.log.Warn().Err(err).Str("folder", sentFolder).Msg("upload sent copy failed")
			}
		}()
	}
	return result
}

func (c *Controller) stopCompose(cp *Compose) {
	select {
	case <-cp.stop:
	default:
		close(cp.stop)
	}
	<-cp.done
}

// drainComposeBackups empties the compose-backup sub-queue; called at
// compose end per spec 4.9 responsibility 6 ("drain it at compose end").
func (c *Controller) drainComposeBackups() {
	if c.outbox == nil {
		return
	}
	if _, err := c.outbox.PopComposeBackups(); err != nil {
		c.log.Warn().Err(err).Msg("drain compose backups")
	}
}

// Reply builds a compose buffer pre-populated for replying to (folder,
// uid); all controls whether Cc also includes the original's other
// recipients (reply-all). The original's cached header supplies
// threading headers and the quoted attribution line.
func (c *Controller) Reply(folder string, uid uint32, from smtp.Address, all bool) (smtp.ComposeMessage, error) {
	c.cacheMutex.Lock()
	fs := c.folders[folder]
	var h coremail.Header
	var hasHdr bool
	var body coremail.Body
	var hasBody bool
	if fs != nil {
		h, hasHdr = fs.headers[uid]
		body, hasBody = fs.bodies[uid]
	}
	c.cacheMutex.Unlock()

	if !hasHdr {
		return smtp.ComposeMessage{}, fmt.Errorf("controller: no cached header for folder=%s uid=%d", folder, uid)
	}

	to := []smtp.Address{{Address: replyAddress(h)}}
	var cc []smtp.Address
	if all {
		for _, addr := range h.To {
			if addr != from.Address && addr != to[0].Address {
				cc = append(cc, smtp.Address{Address: addr})
			}
		}
		for _, addr := range h.Cc {
			cc = append(cc, smtp.Address{Address: addr})
		}
	}

	subject := h.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	references := append(append([]string{}, h.References...), h.MessageID)

	text := ""
	if hasBody {
		text = quoteBody(h, body.PlainText)
	}

	return smtp.ComposeMessage{
		From:       from,
		To:         to,
		Cc:         cc,
		Subject:    subject,
		TextBody:   text,
		InReplyTo:  h.MessageID,
		References: references,
	}, nil
}

// Forward builds a compose buffer pre-populated for forwarding (folder,
// uid), with no recipients filled in yet and the original's plain-text
// body quoted below a forwarded-message header. The original's
// attachments are not carried over.
func (c *Controller) Forward(folder string, uid uint32, from smtp.Address) (smtp.ComposeMessage, error) {
	c.cacheMutex.Lock()
	fs := c.folders[folder]
	var h coremail.Header
	var hasHdr bool
	var body coremail.Body
	var hasBody bool
	if fs != nil {
		h, hasHdr = fs.headers[uid]
		body, hasBody = fs.bodies[uid]
	}
	c.cacheMutex.Unlock()

	if !hasHdr {
		return smtp.ComposeMessage{}, fmt.Errorf("controller: no cached header for folder=%s uid=%d", folder, uid)
	}

	subject := h.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "fwd:") {
		subject = "Fwd: " + subject
	}

	text := ""
	if hasBody {
		text = forwardHeader(h) + "\n\n" + body.PlainText
	}

	return smtp.ComposeMessage{
		From:     from,
		Subject:  subject,
		TextBody: text,
	}, nil
}

func replyAddress(h coremail.Header) string {
	if h.ReplyTo != "" {
		return addressOnly(h.ReplyTo)
	}
	return addressOnly(h.From)
}

// addressOnly strips a "Name <addr>" formatted string down to the bare
// address, since smtp.Address separates name and address explicitly.
func addressOnly(formatted string) string {
	if i := strings.IndexByte(formatted, '<'); i >= 0 {
		if j := strings.IndexByte(formatted[i:], '>'); j >= 0 {
			return formatted[i+1 : i+j]
		}
	}
	return formatted
}

func quoteBody(h coremail.Header, plain string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n\nOn %s, %s wrote:\n", h.DateRFC822, h.From)
	for _, line := range strings.Split(plain, "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func forwardHeader(h coremail.Header) string {
	var b strings.Builder
	b.WriteString("---------- Forwarded message ----------\n")
	fmt.Fprintf(&b, "From: %s\n", h.From)
	fmt.Fprintf(&b, "Date: %s\n", h.DateRFC822)
	fmt.Fprintf(&b, "Subject: %s\n", h.Subject)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(h.To, ", "))
	return b.String()
}
