// Package smtp implements the SMTP send path (spec 4.6): assembling a
// compose buffer into an RFC 822 message and delivering it over
// RFC 5321 with STARTTLS and PLAIN or XOAUTH2 authentication.
package smtp

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Address represents an email address with optional display name
type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// String returns the RFC 5322 formatted address
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	// Encode the name if it contains non-ASCII characters
	encodedName := mime.QEncoding.Encode("utf-8", a.Name)
	return fmt.Sprintf("%s <%s>", encodedName, a.Address)
}

func (a Address) toLibAddress() *mail.Address {
	return &mail.Address{Name: a.Name, Address: a.Address}
}

func toLibAddresses(addrs []Address) []*mail.Address {
	out := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = a.toLibAddress()
	}
	return out
}

// Attachment represents a file attachment
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
	ContentID   string `json:"content_id"` // For inline attachments
	Inline      bool   `json:"inline"`
}

// ComposeMessage represents an email message to be composed and sent
type ComposeMessage struct {
	// Envelope
	From    Address   `json:"from"`
	To      []Address `json:"to"`
	Cc      []Address `json:"cc"`
	Bcc     []Address `json:"bcc"`
	ReplyTo *Address  `json:"reply_to,omitempty"`
	Subject string    `json:"subject"`

	// Content
	TextBody string `json:"text_body"` // Plain text version
	HTMLBody string `json:"html_body"` // HTML version

	// Attachments
	Attachments []Attachment `json:"attachments"`

	// Headers
	InReplyTo  string   `json:"in_reply_to,omitempty"` // Message-ID of the message being replied to
	References []string `json:"references,omitempty"`  // Thread references

	// Options
	RequestReadReceipt bool `json:"request_read_receipt"`
}

// AllRecipients returns all recipients (To + Cc + Bcc)
func (m *ComposeMessage) AllRecipients() []string {
	var recipients []string
	for _, addr := range m.To {
		recipients = append(recipients, addr.Address)
	}
	for _, addr := range m.Cc {
		recipients = append(recipients, addr.Address)
	}
	for _, addr := range m.Bcc {
		recipients = append(recipients, addr.Address)
	}
	return recipients
}

// ToRFC822 assembles the message into a complete RFC 822 blob via
// go-message's mail.Writer, which owns MIME-version, boundary generation
// and transfer-encoding selection rather than having this package track
// them by hand.
func (m *ComposeMessage) ToRFC822() ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("smtp: generate message-id: %w", err)
	}
	h.SetSubject(m.Subject)
	h.SetAddressList("From", []*mail.Address{m.From.toLibAddress()})
	if len(m.To) > 0 {
		h.SetAddressList("To", toLibAddresses(m.To))
	}
	if len(m.Cc) > 0 {
		h.SetAddressList("Cc", toLibAddresses(m.Cc))
	}
	// Bcc is deliberately never set on the header: AllRecipients still
	// carries it to the SMTP envelope, but a delivered copy must not
	// reveal it to the other recipients.
	if m.ReplyTo != nil {
		h.SetAddressList("Reply-To", []*mail.Address{m.ReplyTo.toLibAddress()})
	}
	if m.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{m.InReplyTo})
	}
	if len(m.References) > 0 {
		h.SetMsgIDList("References", m.References)
	}
	h.Set("User-Agent", "mailcore")
	if m.RequestReadReceipt {
		h.Set("Disposition-Notification-To", m.From.String())
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("smtp: create mail writer: %w", err)
	}
	if err := writeBodyParts(mw, m); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("smtp: close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBodyParts writes the text/plain and/or text/html alternative(s)
// followed by every attachment. mail.Writer wraps these in
// multipart/alternative and multipart/mixed as needed on its own; the
// caller never picks a MIME structure by hand.
func writeBodyParts(mw *mail.Writer, m *ComposeMessage) error {
	hasHTML := m.HTMLBody != ""
	hasText := m.TextBody != ""

	switch {
	case hasHTML && hasText:
		tw, err := mw.CreateInline()
		if err != nil {
			return fmt.Errorf("smtp: create inline writer: %w", err)
		}
		if err := writeInlinePart(tw, "text/plain", m.TextBody); err != nil {
			return err
		}
		if err := writeInlinePart(tw, "text/html", m.HTMLBody); err != nil {
			return err
		}
		if err := tw.Close(); err != nil {
			return fmt.Errorf("smtp: close inline writer: %w", err)
		}
	case hasHTML:
		if err := writeSingleInline(mw, "text/html", m.HTMLBody); err != nil {
			return err
		}
	case hasText:
		if err := writeSingleInline(mw, "text/plain", m.TextBody); err != nil {
			return err
		}
	default:
		if err := writeSingleInline(mw, "text/plain", ""); err != nil {
			return err
		}
	}

	for _, att := range m.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return err
		}
	}
	return nil
}

func inlineHeader(contentType string) mail.InlineHeader {
	var h mail.InlineHeader
	h.Set("Content-Type", contentType+"; charset=utf-8")
	return h
}

func writeSingleInline(mw *mail.Writer, contentType, body string) error {
	w, err := mw.CreateSingleInline(inlineHeader(contentType))
	if err != nil {
		return fmt.Errorf("smtp: create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("smtp: write %s body: %w", contentType, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp: close %s part: %w", contentType, err)
	}
	return nil
}

func writeInlinePart(tw *mail.InlineWriter, contentType, body string) error {
	w, err := tw.CreatePart(inlineHeader(contentType))
	if err != nil {
		return fmt.Errorf("smtp: create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("smtp: write %s body: %w", contentType, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp: close %s part: %w", contentType, err)
	}
	return nil
}

// writeAttachment appends att to mw. Inline attachments (referenced from
// the HTML body by Content-ID) are distinguished only by Content-
// Disposition; mail.Writer places every attachment as a sibling part
// under the same multipart/mixed envelope regardless.
func writeAttachment(mw *mail.Writer, att Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = guessContentType(att.Filename)
	}

	var ah mail.AttachmentHeader
	ah.Set("Content-Type", contentType)
	disposition := "attachment"
	if att.Inline {
		disposition = "inline"
	}
	ah.Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, att.Filename))
	if att.ContentID != "" {
		ah.Set("Content-Id", fmt.Sprintf("<%s>", att.ContentID))
	}

	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("smtp: create attachment %s: %w", att.Filename, err)
	}
	if _, err := w.Write(att.Content); err != nil {
		return fmt.Errorf("smtp: write attachment %s: %w", att.Filename, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp: close attachment %s: %w", att.Filename, err)
	}
	return nil
}

func guessContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
