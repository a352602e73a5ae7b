package imap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/aerionmail/mailcore/internal/mail"
)

// headerBatchSize bounds how many UIDs go into a single envelope/flags/
// structure FETCH command. Keeping batches small lets a slow or flaky link
// make steady partial progress instead of stalling (or failing outright)
// on one giant command.
const headerBatchSize = 25

// flagsBatchSize bounds a flags-only FETCH. A flags refresh carries no
// envelope or body-structure data, so the server and client can both push
// far bigger batches through without the same memory or stall risk.
const flagsBatchSize = 1000

// FetchHeaders fetches envelope, flags, and body structure for uids in the
// selected mailbox, batching requests at headerBatchSize. A failure on one
// batch aborts the remaining batches but returns whatever was gathered so
// far alongside the error.
func (c *Client) FetchHeaders(ctx context.Context, uids []uint32) (map[uint32]mail.Header, error) {
	if c.client == nil {
		return nil, fmt.Errorf("imap: not connected")
	}
	out := make(map[uint32]mail.Header, len(uids))
	for start := 0; start < len(uids); start += headerBatchSize {
		end := start + headerBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		if err := c.fetchHeaderBatch(ctx, uids[start:end], out); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (c *Client) fetchHeaderBatch(ctx context.Context, uids []uint32, out map[uint32]mail.Header) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	options := &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
		BodyStructure: &imap.FetchItemBodyStructure{},
		BodySection: []*imap.FetchItemBodySection{
			{Specifier: imap.PartSpecifierHeader, Peek: true},
		},
	}
	fetchCmd := c.client.Fetch(toUIDSet(uids), options)

	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		h, uid, err := parseHeaderMessage(msg)
		if err != nil {
			c.log.Warn().Err(err).Msg("imap: skipping unparseable header")
			continue
		}
		out[uid] = h
	}
	return fetchCmd.Close()
}

func parseHeaderMessage(msg *imapclient.FetchMessageData) (mail.Header, uint32, error) {
	var (
		h        mail.Header
		uid      uint32
		bodyStru imap.BodyStructure
	)
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			uid = uint32(data.UID)
		case imapclient.FetchItemDataEnvelope:
			applyEnvelope(&h, data.Envelope)
		case imapclient.FetchItemDataBodyStructure:
			bodyStru = data.BodyStructure
		case imapclient.FetchItemDataBodySection:
			if data.Literal != nil {
				raw, err := io.ReadAll(data.Literal)
				if err == nil {
					h.RawHeader = string(raw)
				}
			}
		}
	}
	if uid == 0 {
		return h, 0, fmt.Errorf("imap: fetch response without UID")
	}
	h.UID = uid
	h.HasAttachments = bodyStru != nil && bodyHasAttachment(bodyStru)
	return h, uid, nil
}

func applyEnvelope(h *mail.Header, env *imap.Envelope) {
	if env == nil {
		return
	}
	h.Date = env.Date
	h.DateRFC822 = env.Date.Format("Mon, 2 Jan 2006 15:04:05 -0700")
	h.Subject = env.Subject
	h.MessageID = env.MessageID
	h.InReplyTo = env.InReplyTo
	if len(env.From) > 0 {
		h.From = formatAddress(env.From[0])
	}
	if len(env.ReplyTo) > 0 {
		h.ReplyTo = formatAddress(env.ReplyTo[0])
	}
	h.To = formatAddresses(env.To)
	h.Cc = formatAddresses(env.Cc)
	h.Bcc = formatAddresses(env.Bcc)
}

func formatAddress(a imap.Address) string {
	addr := a.Mailbox + "@" + a.Host
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, addr)
	}
	return addr
}

func formatAddresses(addrs []imap.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = formatAddress(a)
	}
	return out
}

// bodyHasAttachment walks a BODYSTRUCTURE tree looking for a part with
// Content-Disposition: attachment, or a named, non-inline-text part.
func bodyHasAttachment(bs imap.BodyStructure) bool {
	switch part := bs.(type) {
	case *imap.BodyStructureSinglePart:
		disposition := ""
		if d := part.Disposition(); d != nil {
			disposition = strings.ToLower(d.Value)
		}
		if disposition == "attachment" {
			return true
		}
		filename := part.Filename()
		if filename == "" {
			return false
		}
		contentType := strings.ToLower(part.Type + "/" + part.Subtype)
		return contentType != "text/plain" && contentType != "text/html"
	case *imap.BodyStructureMultiPart:
		for _, child := range part.Children {
			if bodyHasAttachment(child) {
				return true
			}
		}
	}
	return false
}

func flagsFromIMAP(flags []imap.Flag) mail.Flags {
	var f mail.Flags
	for _, flag := range flags {
		switch flag {
		case imap.FlagSeen:
			f = f.Set(mail.FlagSeen)
		case imap.FlagAnswered:
			f = f.Set(mail.FlagAnswered)
		case imap.FlagFlagged:
			f = f.Set(mail.FlagFlagged)
		case imap.FlagDeleted:
			f = f.Set(mail.FlagDeleted)
		case imap.FlagDraft:
			f = f.Set(mail.FlagDraft)
		}
	}
	return f
}

func flagsToIMAP(f mail.Flags) []imap.Flag {
	var out []imap.Flag
	if f.Has(mail.FlagSeen) {
		out = append(out, imap.FlagSeen)
	}
	if f.Has(mail.FlagAnswered) {
		out = append(out, imap.FlagAnswered)
	}
	if f.Has(mail.FlagFlagged) {
		out = append(out, imap.FlagFlagged)
	}
	if f.Has(mail.FlagDeleted) {
		out = append(out, imap.FlagDeleted)
	}
	if f.Has(mail.FlagDraft) {
		out = append(out, imap.FlagDraft)
	}
	return out
}

// FetchFlags fetches just the flags for uids, batching requests at
// flagsBatchSize.
func (c *Client) FetchFlags(ctx context.Context, uids []uint32) (map[uint32]mail.Flags, error) {
	if c.client == nil {
		return nil, fmt.Errorf("imap: not connected")
	}
	out := make(map[uint32]mail.Flags, len(uids))
	for start := 0; start < len(uids); start += flagsBatchSize {
		end := start + flagsBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		options := &imap.FetchOptions{Flags: true, UID: true}
		fetchCmd := c.client.Fetch(toUIDSet(uids[start:end]), options)
		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			var uid uint32
			var flags []imap.Flag
			for {
				item := msg.Next()
				if item == nil {
					break
				}
				switch data := item.(type) {
				case imapclient.FetchItemDataUID:
					uid = uint32(data.UID)
				case imapclient.FetchItemDataFlags:
					flags = data.Flags
				}
			}
			if uid != 0 {
				out[uid] = flagsFromIMAP(flags)
			}
		}
		if err := fetchCmd.Close(); err != nil {
			return out, fmt.Errorf("imap: FETCH flags: %w", err)
		}
	}
	return out, nil
}

// FetchBody fetches the complete raw RFC 822 message for one UID. Bodies
// are fetched one at a time rather than batched: they can be large, and
// the caller needs to stream each into the cache as soon as it arrives
// instead of holding a whole batch in memory.
func (c *Client) FetchBody(ctx context.Context, uid uint32) (mail.Body, error) {
	if c.client == nil {
		return mail.Body{}, fmt.Errorf("imap: not connected")
	}
	if ctx.Err() != nil {
		return mail.Body{}, ctx.Err()
	}
	options := &imap.FetchOptions{
		UID: true,
		BodySection: []*imap.FetchItemBodySection{
			{Specifier: imap.PartSpecifierNone, Peek: true},
		},
	}
	fetchCmd := c.client.Fetch(toUIDSet([]uint32{uid}), options)

	msg := fetchCmd.Next()
	if msg == nil {
		return mail.Body{}, fmt.Errorf("imap: no such message UID %d", uid)
	}
	var raw []byte
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		if data, ok := item.(imapclient.FetchItemDataBodySection); ok && data.Literal != nil {
			b, err := io.ReadAll(data.Literal)
			if err != nil {
				return mail.Body{}, fmt.Errorf("imap: read body literal: %w", err)
			}
			raw = b
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return mail.Body{}, fmt.Errorf("imap: FETCH body: %w", err)
	}
	return decodeBody(c, raw), nil
}

// decodeBody walks raw's MIME tree and extracts the plain-text and HTML
// alternatives plus a part list for anything else (attachments, inline
// images). A part with an unknown charset is skipped and the walk goes on;
// any other error partway through the tree is logged and ends the walk,
// keeping whatever was decoded so far, since a partially-decoded body
// still quotes and displays better than an empty one.
func decodeBody(c *Client, raw []byte) mail.Body {
	body := mail.Body{Raw: raw}

	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		if !gomessage.IsUnknownCharset(err) {
			c.log.Warn().Err(err).Msg("imap: body is not a parseable MIME message, keeping raw only")
			return body
		}
	}
	if mr == nil {
		return body
	}

	index := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if gomessage.IsUnknownCharset(err) {
				index++
				continue
			}
			c.log.Warn().Err(err).Msg("imap: stopping MIME walk early")
			break
		}

		switch header := part.Header.(type) {
		case *gomail.InlineHeader:
			contentType, params, _ := header.ContentType()
			data, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				c.log.Warn().Err(readErr).Msg("imap: read inline MIME part")
				index++
				continue
			}
			switch {
			case strings.EqualFold(contentType, "text/plain") && body.PlainText == "":
				body.PlainText = string(data)
				body.FormatFlowed = strings.EqualFold(params["format"], "flowed")
			case strings.EqualFold(contentType, "text/html") && body.HTML == "":
				body.HTML = string(data)
			}
		case *gomail.AttachmentHeader:
			filename, _ := header.Filename()
			contentType, _, _ := header.ContentType()
			data, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				c.log.Warn().Err(readErr).Msg("imap: read attachment MIME part")
				index++
				continue
			}
			body.Parts = append(body.Parts, mail.BodyPart{
				Index:       index,
				MIMEType:    contentType,
				Filename:    filename,
				ContentID:   header.Get("Content-Id"),
				Size:        len(data),
				EncodedData: data,
			})
		}
		index++
	}

	body.HTMLParsed = true
	return body
}
