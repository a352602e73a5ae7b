package smtp

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"

	"github.com/aerionmail/mailcore/internal/addressbook"
	"github.com/aerionmail/mailcore/internal/logging"
	"github.com/aerionmail/mailcore/internal/queue"
	"github.com/aerionmail/mailcore/internal/status"
)

var log = logging.WithComponent("smtp")

// DeliveryClass buckets a failed Send by whether retrying later could
// plausibly succeed (spec section 7).
type DeliveryClass int

const (
	// DeliveryUnknown means Send did not fail, or failed while assembling
	// the message, before any delivery attempt.
	DeliveryUnknown DeliveryClass = iota
	// DeliveryPermanent is a 5xx SMTP reply: the server rejected this
	// exact message (bad recipient, policy, size) and resending it
	// unchanged will fail again. The caller should offer to save a draft.
	DeliveryPermanent
	// DeliveryTransient is a 4xx SMTP reply or a transport-level failure
	// (dial, TLS, timeout). The caller should queue to the outbox for
	// automatic retry once connectivity or the server recovers.
	DeliveryTransient
)

func (c DeliveryClass) String() string {
	switch c {
	case DeliveryPermanent:
		return "permanent"
	case DeliveryTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// classifyDeliveryError inspects err for a wrapped *textproto.Error (the
// SMTP reply code net/smtp surfaces on a rejected command) and applies
// RFC 5321's reply-code-family convention: 5xx is permanent, 4xx is
// transient. Anything else — a dial failure, a timeout, a closed
// connection — is treated as transient, since retrying later is the
// safer default when the user didn't cause the failure.
func classifyDeliveryError(err error) DeliveryClass {
	if err == nil {
		return DeliveryUnknown
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		if protoErr.Code/100 == 5 {
			return DeliveryPermanent
		}
		return DeliveryTransient
	}
	return DeliveryTransient
}

// SendResult is what Send reports back to the controller: on
// transport failure it carries the already-assembled blob so the caller
// can offer "save as draft" or "push to outbox" without re-composing.
type SendResult struct {
	Blob  []byte
	Err   error
	Class DeliveryClass
}

// Manager implements the two SMTP operations (spec 4.6): createMessage
// (synchronous MIME assembly) and sendMessage (network delivery), with
// an outbox fallback when the network is unavailable and address-book
// feedback on success.
type Manager struct {
	cfg     Config
	book    *addressbook.Book
	outbox  *queue.Queue
	status  *status.Aggregator
	offline bool
}

// NewManager returns a Manager bound to cfg. book and outbox may be nil
// if address-book feedback or offline queuing aren't wired up by the
// caller; st may be nil to skip status reporting.
func NewManager(cfg Config, book *addressbook.Book, outbox *queue.Queue, st *status.Aggregator) *Manager {
	return &Manager{cfg: cfg, book: book, outbox: outbox, status: st}
}

// SetOffline toggles whether Send goes straight to the outbox without
// attempting delivery, mirroring the controller's connectivity state.
func (m *Manager) SetOffline(offline bool) { m.offline = offline }

// CreateMessage synchronously assembles a compose buffer into a complete
// RFC 822 message.
func (m *Manager) CreateMessage(msg ComposeMessage) ([]byte, error) {
	blob, err := msg.ToRFC822()
	if err != nil {
		return nil, fmt.Errorf("smtp: assemble message: %w", err)
	}
	return blob, nil
}

// SendMessage delivers an already-assembled blob. isSendCreatedMessage
// is true when draining the outbox — no reassembly has happened, the
// blob is sent byte-for-byte as it was queued.
func (m *Manager) SendMessage(ctx context.Context, blob []byte, from string, recipients []string, isSendCreatedMessage bool) error {
	if m.status != nil {
		m.status.Apply(status.Update{Set: status.Sending})
		defer m.status.Apply(status.Update{Clear: status.Sending})
	}
	return deliver(ctx, m.cfg, from, recipients, blob)
}

// Send is the controller-facing entry point for a compose action: it
// assembles the message, attempts delivery, and on a transient failure or
// while offline falls back to the outbox queue. On a successful send the
// From address is recorded in the address book's `from` multiset.
func (m *Manager) Send(ctx context.Context, msg ComposeMessage) SendResult {
	blob, err := m.CreateMessage(msg)
	if err != nil {
		return SendResult{Err: err}
	}

	if m.offline {
		if m.outbox != nil {
			if err := m.outbox.PushOutbox(blob); err != nil {
				log.Warn().Err(err).Msg("smtp: push to outbox while offline")
			}
		}
		return SendResult{Blob: blob}
	}

	recipients := msg.AllRecipients()
	if err := m.SendMessage(ctx, blob, msg.From.Address, recipients, false); err != nil {
		class := classifyDeliveryError(err)
		log.Warn().Err(err).Str("class", class.String()).Msg("smtp: send failed")
		if class == DeliveryTransient && m.outbox != nil {
			if qErr := m.outbox.PushOutbox(blob); qErr != nil {
				log.Warn().Err(qErr).Msg("smtp: queue to outbox after transient failure")
			}
		}
		return SendResult{Blob: blob, Err: err, Class: class}
	}

	m.recordSuccess(msg)
	return SendResult{Blob: blob}
}

// DrainOutbox pops every queued outbox entry and attempts redelivery,
// re-queuing any that fail transiently; a message the server rejects
// permanently is dropped. Call after the connection comes back online.
func (m *Manager) DrainOutbox(ctx context.Context, from string, recipientsFor func(blob []byte) []string) error {
	if m.outbox == nil {
		return nil
	}
	blobs, err := m.outbox.PopOutbox()
	if err != nil {
		return fmt.Errorf("smtp: drain outbox: %w", err)
	}

	for _, blob := range blobs {
		recipients := recipientsFor(blob)
		if err := m.SendMessage(ctx, blob, from, recipients, true); err != nil {
			class := classifyDeliveryError(err)
			log.Warn().Err(err).Str("class", class.String()).Msg("smtp: redelivery failed")
			if class != DeliveryTransient {
				log.Error().Msg("smtp: permanent rejection draining outbox, dropping message")
				continue
			}
			if reErr := m.outbox.PushOutbox(blob); reErr != nil {
				log.Error().Err(reErr).Msg("smtp: failed to re-queue after failed redelivery")
			}
			continue
		}
	}
	return nil
}

func (m *Manager) recordSuccess(msg ComposeMessage) {
	if m.book == nil {
		return
	}
	if err := m.book.RecordFrom(addressbook.Contact{Address: msg.From.Address, Name: msg.From.Name}); err != nil {
		log.Warn().Err(err).Msg("smtp: record from address")
	}
}
