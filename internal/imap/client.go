package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/aerionmail/mailcore/internal/logging"
	"github.com/aerionmail/mailcore/internal/xoauth2"
)

// Client wraps one imapclient.Client connection plus the login/capability
// bookkeeping both the foreground and prefetch workers need.
type Client struct {
	config  ClientConfig
	client  *imapclient.Client
	caps    imap.CapSet
	log     zerolog.Logger
	handler *imapclient.UnilateralDataHandler
}

// NewClient builds a Client but does not dial yet.
func NewClient(config ClientConfig) *Client {
	return &Client{config: config, log: logging.WithComponent("imap")}
}

// SetUnilateralDataHandler registers the callbacks fired for server push
// data (new-mail EXISTS, EXPUNGE) received during IDLE. Call before Connect.
func (c *Client) SetUnilateralDataHandler(h *imapclient.UnilateralDataHandler) {
	c.handler = h
}

// Connect dials the server per config.Security and waits for the greeting.
// It does not log in.
func (c *Client) Connect() error {
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}
	options := &imapclient.Options{UnilateralDataHandler: c.handler}

	var err error
	switch c.config.Security {
	case SecurityTLS:
		rawConn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: c.config.Host})
		if dialErr != nil {
			return fmt.Errorf("imap: dial TLS %s: %w", addr, dialErr)
		}
		c.client = imapclient.New(&deadlineConn{Conn: rawConn, readTimeout: c.config.ReadTimeout, writeTimeout: c.config.WriteTimeout}, options)
	case SecurityStartTLS:
		c.client, err = imapclient.DialStartTLS(addr, options)
		if err != nil {
			return fmt.Errorf("imap: dial STARTTLS %s: %w", addr, err)
		}
	case SecurityNone:
		rawConn, dialErr := dialer.Dial("tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("imap: dial %s: %w", addr, dialErr)
		}
		c.client = imapclient.New(&deadlineConn{Conn: rawConn, readTimeout: c.config.ReadTimeout, writeTimeout: c.config.WriteTimeout}, options)
	default:
		return fmt.Errorf("imap: unknown security type %q", c.config.Security)
	}

	if err := c.client.WaitGreeting(); err != nil {
		c.client.Close()
		return fmt.Errorf("imap: greeting: %w", err)
	}
	c.caps = c.client.Caps()
	return nil
}

// Login authenticates with the configured credentials. Password auth
// prefers LOGIN and falls back to AUTHENTICATE PLAIN only when the server
// advertises LOGINDISABLED, since a failed AUTHENTICATE can leave the wire
// in a state where LOGIN no longer works.
func (c *Client) Login() error {
	if c.client == nil {
		return fmt.Errorf("imap: not connected")
	}

	var err error
	switch c.config.AuthType {
	case AuthTypeOAuth2:
		err = c.loginOAuth2()
	default:
		err = c.loginPassword()
	}
	if err != nil {
		return err
	}

	c.caps = c.client.Caps()
	return nil
}

func (c *Client) loginPassword() error {
	if c.caps.Has(imap.CapLoginDisabled) {
		sc := sasl.NewPlainClient("", c.config.Username, c.config.Password)
		if err := c.client.Authenticate(sc); err != nil {
			return fmt.Errorf("imap: AUTHENTICATE PLAIN: %w", err)
		}
		return nil
	}
	if err := c.client.Login(c.config.Username, c.config.Password).Wait(); err != nil {
		return fmt.Errorf("imap: LOGIN: %w", err)
	}
	return nil
}

func (c *Client) loginOAuth2() error {
	if c.config.AccessToken == "" {
		return fmt.Errorf("imap: oauth2 auth requires an access token")
	}
	sc := xoauth2.NewClient(c.config.Username, c.config.AccessToken)
	if err := c.client.Authenticate(sc); err != nil {
		return fmt.Errorf("imap: XOAUTH2: %w", err)
	}
	return nil
}

// Close logs out and closes the connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Logout().Wait(); err != nil {
		c.log.Warn().Err(err).Msg("imap: logout failed, closing anyway")
	}
	return c.client.Close()
}

func (c *Client) Caps() imap.CapSet             { return c.caps }
func (c *Client) HasCap(cp imap.Cap) bool       { return c.caps.Has(cp) }
func (c *Client) SupportsIdle() bool            { return c.caps.Has(imap.CapIdle) }
func (c *Client) RawClient() *imapclient.Client { return c.client }

// Idle starts an IDLE command, returning the handle the caller must Close
// to end it (either on timeout or on unilateral data).
func (c *Client) Idle() (*imapclient.IdleCommand, error) {
	if c.client == nil {
		return nil, fmt.Errorf("imap: not connected")
	}
	return c.client.Idle()
}

// Noop issues a no-op round trip, used as a liveness check before IDLE.
func (c *Client) Noop() error {
	if c.client == nil {
		return fmt.Errorf("imap: not connected")
	}
	return c.client.Noop().Wait()
}

// Mailbox is one folder's name, special-use type, and status counters.
type Mailbox struct {
	Name        string
	Type        FolderType
	fromAttr    bool // Type came from a RFC 6154 SPECIAL-USE attribute, not a name guess
	UIDValidity uint32
	UIDNext     uint32
	Messages    uint32
	Unseen      uint32
}

// FolderType classifies a folder by RFC 6154 SPECIAL-USE attribute or, in
// its absence, by name.
type FolderType string

const (
	FolderTypeInbox   FolderType = "inbox"
	FolderTypeSent    FolderType = "sent"
	FolderTypeDrafts  FolderType = "drafts"
	FolderTypeTrash   FolderType = "trash"
	FolderTypeSpam    FolderType = "spam"
	FolderTypeArchive FolderType = "archive"
	FolderTypeAll     FolderType = "all"
	FolderTypeFolder  FolderType = "folder"
)

// ListMailboxes returns every folder the account exposes.
func (c *Client) ListMailboxes() ([]*Mailbox, error) {
	if c.client == nil {
		return nil, fmt.Errorf("imap: not connected")
	}

	listCmd := c.client.List("", "*", nil)
	var mailboxes []*Mailbox
	for {
		mbox := listCmd.Next()
		if mbox == nil {
			break
		}
		typ, fromAttr := determineFolderType(mbox.Mailbox, mbox.Attrs)
		mailboxes = append(mailboxes, &Mailbox{
			Name:     mbox.Mailbox,
			Type:     typ,
			fromAttr: fromAttr,
		})
	}
	if err := listCmd.Close(); err != nil {
		return nil, fmt.Errorf("imap: LIST: %w", err)
	}

	demoteNameMatches(mailboxes)
	return mailboxes, nil
}

// demoteNameMatches makes a name match ("Sent Mail") yield to a
// SPECIAL-USE match for the same type, so a second client's stray folder
// can't shadow the one the server actually marks.
func demoteNameMatches(mailboxes []*Mailbox) {
	claimed := make(map[FolderType]bool)
	for _, mb := range mailboxes {
		if mb.Type != FolderTypeFolder && mb.Type != FolderTypeInbox && mb.fromAttr {
			claimed[mb.Type] = true
		}
	}
	for _, mb := range mailboxes {
		if claimed[mb.Type] && !mb.fromAttr {
			mb.Type = FolderTypeFolder
		}
	}
}

func determineFolderType(name string, attrs []imap.MailboxAttr) (FolderType, bool) {
	for _, attr := range attrs {
		switch attr {
		case imap.MailboxAttrAll:
			return FolderTypeAll, true
		case imap.MailboxAttrArchive:
			return FolderTypeArchive, true
		case imap.MailboxAttrDrafts:
			return FolderTypeDrafts, true
		case imap.MailboxAttrJunk:
			return FolderTypeSpam, true
		case imap.MailboxAttrSent:
			return FolderTypeSent, true
		case imap.MailboxAttrTrash:
			return FolderTypeTrash, true
		}
	}
	switch {
	case name == "INBOX":
		return FolderTypeInbox, false
	case containsFold(name, "sent"):
		return FolderTypeSent, false
	case containsFold(name, "draft"):
		return FolderTypeDrafts, false
	case containsFold(name, "trash") || containsFold(name, "deleted"):
		return FolderTypeTrash, false
	case containsFold(name, "spam") || containsFold(name, "junk"):
		return FolderTypeSpam, false
	case containsFold(name, "archive"):
		return FolderTypeArchive, false
	case containsFold(name, "all mail"):
		return FolderTypeAll, false
	}
	return FolderTypeFolder, false
}

func containsFold(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		match := true
		for j := 0; j < len(substr); j++ {
			c1, c2 := s[i+j], substr[j]
			if c1 >= 'A' && c1 <= 'Z' {
				c1 += 32
			}
			if c2 >= 'A' && c2 <= 'Z' {
				c2 += 32
			}
			if c1 != c2 {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// SelectMailbox selects name as the active mailbox, returning its status.
// Select.Wait() blocks indefinitely, so it runs on a goroutine to honor ctx.
func (c *Client) SelectMailbox(ctx context.Context, name string) (*Mailbox, error) {
	if c.client == nil {
		return nil, fmt.Errorf("imap: not connected")
	}
	type result struct {
		data *imap.SelectData
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := c.client.Select(name, nil).Wait()
		ch <- result{data, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("imap: SELECT %s: %w", name, r.err)
		}
		return &Mailbox{Name: name, UIDValidity: r.data.UIDValidity, UIDNext: uint32(r.data.UIDNext), Messages: r.data.NumMessages}, nil
	}
}

// SearchAllUIDs returns every UID currently in the selected mailbox.
func (c *Client) SearchAllUIDs(ctx context.Context) ([]uint32, error) {
	if c.client == nil {
		return nil, fmt.Errorf("imap: not connected")
	}
	criteria := &imap.SearchCriteria{}
	type result struct {
		data *imap.SearchData
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := c.client.UIDSearch(criteria, nil).Wait()
		ch <- result{data, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("imap: UID SEARCH: %w", r.err)
		}
		all := r.data.AllUIDs()
		uids := make([]uint32, len(all))
		for i, u := range all {
			uids[i] = uint32(u)
		}
		return uids, nil
	}
}

// AppendMessage uploads msg (a draft or a just-sent copy) to mailbox.
func (c *Client) AppendMessage(mailbox string, flags []imap.Flag, date time.Time, msg []byte) (imap.UID, error) {
	if c.client == nil {
		return 0, fmt.Errorf("imap: not connected")
	}
	options := &imap.AppendOptions{Flags: flags}
	if !date.IsZero() {
		options.Time = date
	}
	appendCmd := c.client.Append(mailbox, int64(len(msg)), options)
	if _, err := appendCmd.Write(msg); err != nil {
		return 0, fmt.Errorf("imap: append write: %w", err)
	}
	if err := appendCmd.Close(); err != nil {
		return 0, fmt.Errorf("imap: append close: %w", err)
	}
	data, err := appendCmd.Wait()
	if err != nil {
		return 0, fmt.Errorf("imap: APPEND: %w", err)
	}
	return data.UID, nil
}

func toUIDSet(uids []uint32) imap.UIDSet {
	set := imap.UIDSet{}
	for _, u := range uids {
		set.AddNum(imap.UID(u))
	}
	return set
}

// AddMessageFlags adds flags to uids in the selected mailbox.
func (c *Client) AddMessageFlags(uids []uint32, flags []imap.Flag) error {
	return c.storeFlags(uids, flags, imap.StoreFlagsAdd)
}

// RemoveMessageFlags removes flags from uids in the selected mailbox.
func (c *Client) RemoveMessageFlags(uids []uint32, flags []imap.Flag) error {
	return c.storeFlags(uids, flags, imap.StoreFlagsDel)
}

func (c *Client) storeFlags(uids []uint32, flags []imap.Flag, op imap.StoreFlagsOp) error {
	if c.client == nil {
		return fmt.Errorf("imap: not connected")
	}
	if len(uids) == 0 {
		return nil
	}
	storeCmd := c.client.Store(toUIDSet(uids), &imap.StoreFlags{Op: op, Flags: flags, Silent: true}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("imap: STORE: %w", err)
	}
	return nil
}

// CopyMessages copies uids into destMailbox.
func (c *Client) CopyMessages(uids []uint32, destMailbox string) error {
	if c.client == nil {
		return fmt.Errorf("imap: not connected")
	}
	if len(uids) == 0 {
		return nil
	}
	if _, err := c.client.Copy(toUIDSet(uids), destMailbox).Wait(); err != nil {
		return fmt.Errorf("imap: COPY to %s: %w", destMailbox, err)
	}
	return nil
}

// DeleteMessagesByUID marks uids \Deleted and expunges them. It prefers
// UID EXPUNGE (RFC 4315) when available so only the requested UIDs are
// removed rather than every \Deleted message in the mailbox.
func (c *Client) DeleteMessagesByUID(uids []uint32) error {
	if c.client == nil {
		return fmt.Errorf("imap: not connected")
	}
	if len(uids) == 0 {
		return nil
	}
	set := toUIDSet(uids)
	storeCmd := c.client.Store(set, &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagDeleted}, Silent: true}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("imap: STORE +Deleted: %w", err)
	}
	if c.caps.Has(imap.CapUIDPlus) {
		if err := c.client.UIDExpunge(set).Close(); err != nil {
			return fmt.Errorf("imap: UID EXPUNGE: %w", err)
		}
		return nil
	}
	if err := c.client.Expunge().Close(); err != nil {
		return fmt.Errorf("imap: EXPUNGE: %w", err)
	}
	return nil
}

// MoveMessages moves uids into destMailbox. It issues a native UID MOVE
// (RFC 6851) when the server advertises it, collapsing the operation to
// one round trip; otherwise it falls back to COPY followed by the usual
// \Deleted + expunge path.
func (c *Client) MoveMessages(uids []uint32, destMailbox string) error {
	if c.client == nil {
		return fmt.Errorf("imap: not connected")
	}
	if len(uids) == 0 {
		return nil
	}
	if c.caps.Has(imap.CapMove) {
		if _, err := c.client.Move(toUIDSet(uids), destMailbox).Wait(); err != nil {
			return fmt.Errorf("imap: UID MOVE to %s: %w", destMailbox, err)
		}
		return nil
	}
	if err := c.CopyMessages(uids, destMailbox); err != nil {
		return err
	}
	return c.DeleteMessagesByUID(uids)
}
