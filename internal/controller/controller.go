// Package controller is the UI-facing façade (spec 4.9): it owns view
// state — current folder, selection, sort mode, compose buffer, search
// query — and translates every user intent into exactly one Request or
// Action against the IMAP/SMTP managers, never performing network I/O
// itself. Worker responses are merged back into cache-facing maps under
// cacheMutex and bump a redraw event; nothing here blocks on a socket.
package controller

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aerionmail/mailcore/internal/addressbook"
	"github.com/aerionmail/mailcore/internal/imap"
	"github.com/aerionmail/mailcore/internal/logging"
	"github.com/aerionmail/mailcore/internal/mail"
	"github.com/aerionmail/mailcore/internal/queue"
	"github.com/aerionmail/mailcore/internal/searchindex"
	"github.com/aerionmail/mailcore/internal/smtp"
	"github.com/aerionmail/mailcore/internal/status"
)

// folderState is everything the controller tracks about one folder's
// view, guarded by Controller.cacheMutex.
type folderState struct {
	uids    []uint32
	headers map[uint32]mail.Header
	flags   map[uint32]mail.Flags
	bodies  map[uint32]mail.Body

	sort     SortMode
	version  uint64 // bumped on any header/flag/uid change
	display  map[SortMode]cachedDisplay
	selected map[uint32]struct{}

	prefetchLevel mail.PrefetchLevel
}

// prefetchWindow bounds how many uids beyond the anchor position a given
// PrefetchLevel walks ahead of the user (spec 4.5 Prefetch policy).
const (
	prefetchWindowCurrentMessage = 2
	prefetchWindowCurrentView    = 25
)

type cachedDisplay struct {
	version uint64
	uids    []uint32
}

func newFolderState() *folderState {
	return &folderState{
		headers:  make(map[uint32]mail.Header),
		flags:    make(map[uint32]mail.Flags),
		bodies:   make(map[uint32]mail.Body),
		sort:     DefaultSortMode,
		display:  make(map[SortMode]cachedDisplay),
		selected: make(map[uint32]struct{}),
	}
}

// Controller is the single owner of view state for one account.
type Controller struct {
	imapMgr *imap.Manager
	smtpMgr *smtp.Manager
	outbox  *queue.Queue
	index   *searchindex.Index
	book    *addressbook.Book
	st      *status.Aggregator
	log     zerolog.Logger

	// fromAddress is this account's own address, used as the SMTP
	// envelope sender when draining the outbox after reconnecting.
	fromAddress string

	cacheMutex sync.Mutex
	folders    map[string]*folderState

	searchMutex sync.Mutex
	lastSearch  mail.SearchResult

	redraw chan struct{}

	composeMu sync.Mutex
	compose   *Compose
}

// New builds a Controller wired to the given managers. Any of book, index,
// or outbox may be nil in a configuration that doesn't use that feature.
func New(imapMgr *imap.Manager, smtpMgr *smtp.Manager, outbox *queue.Queue, index *searchindex.Index, book *addressbook.Book, st *status.Aggregator, fromAddress string) *Controller {
	return &Controller{
		imapMgr:     imapMgr,
		smtpMgr:     smtpMgr,
		outbox:      outbox,
		index:       index,
		book:        book,
		st:          st,
		log:         logging.WithComponent("controller"),
		folders:     make(map[string]*folderState),
		redraw:      make(chan struct{}, 1),
		fromAddress: fromAddress,
	}
}

// Redraw returns the channel the view loop selects on; a send means some
// piece of state changed and the view should re-render. Sends never
// block — a pending redraw coalesces with the next one.
func (c *Controller) Redraw() <-chan struct{} { return c.redraw }

func (c *Controller) signalRedraw() {
	select {
	case c.redraw <- struct{}{}:
	default:
	}
}

func (c *Controller) folderLocked(name string) *folderState {
	fs, ok := c.folders[name]
	if !ok {
		fs = newFolderState()
		c.folders[name] = fs
	}
	return fs
}

// OpenFolder requests the uid set and headers for a folder and selects it
// as the active view. The actual fetch runs asynchronously on the IMAP
// manager's foreground worker; results land via handleResponse. It also
// tells the IMAP manager's idle worker to keep a long-lived IDLE open on
// folder, and once the initial fetch lands, kicks off whatever prefetch
// walk the folder's PrefetchLevel calls for.
func (c *Controller) OpenFolder(folder string, prefetch mail.PrefetchLevel) {
	c.cacheMutex.Lock()
	fs := c.folderLocked(folder)
	fs.prefetchLevel = prefetch
	c.cacheMutex.Unlock()

	c.imapMgr.WatchFolder(folder)

	req := mail.Request{Folder: folder, Prefetch: prefetch, GetFolders: true, GetUIDs: true}
	c.imapMgr.Submit(req, func(resp mail.Response) {
		c.handleResponse(resp)
		c.runPrefetchPolicy(folder, prefetch, 0)
	})
}

// RequestHeaders asks for headers (and flags) of a visible slice of uids —
// the view layer calls this for whatever window of displayUids is on
// screen, not the whole folder.
func (c *Controller) RequestHeaders(folder string, uids []uint32) {
	set := toSet(uids)
	req := mail.Request{Folder: folder, GetHeaders: set, GetFlags: set}
	c.imapMgr.Submit(req, func(resp mail.Response) { c.handleResponse(resp) })
}

// RequestBody asks for one message's full body, promoting it ahead of any
// prefetch work already queued for the same uid (spec scenario 6), then
// walks ahead from uid per the folder's configured PrefetchLevel.
func (c *Controller) RequestBody(folder string, uid uint32) {
	req := mail.Request{Folder: folder, GetBodies: map[uint32]struct{}{uid: {}}}
	c.imapMgr.Submit(req, func(resp mail.Response) {
		c.handleResponse(resp)
		c.cacheMutex.Lock()
		level := c.folderLocked(folder).prefetchLevel
		c.cacheMutex.Unlock()
		c.runPrefetchPolicy(folder, level, uid)
	})
}

// Prefetch hands a lower-priority request to the background worker; the
// caller decides what to prefetch based on the configured PrefetchLevel.
func (c *Controller) Prefetch(req mail.Request) {
	c.imapMgr.Prefetch(req)
}

// runPrefetchPolicy schedules background header/body fetches for uids the
// folder's PrefetchLevel says should be warmed ahead of the user reaching
// them, anchored at whatever uid (or the folder's start, if 0) the caller
// just acted on (spec 4.5 Prefetch policy). PrefetchCurrentMessage walks a
// couple of uids ahead of the message just opened; PrefetchCurrentView
// walks the same window RequestHeaders would be asked for next;
// PrefetchFullSync walks the entire folder, headers and bodies both.
func (c *Controller) runPrefetchPolicy(folder string, level mail.PrefetchLevel, anchor uint32) {
	if level == mail.PrefetchNone {
		return
	}

	uids := c.DisplayUids(folder)
	start := 0
	if anchor != 0 {
		for i, u := range uids {
			if u == anchor {
				start = i + 1
				break
			}
		}
	}

	var window []uint32
	switch level {
	case mail.PrefetchCurrentMessage:
		window = windowAfter(uids, start, prefetchWindowCurrentMessage)
	case mail.PrefetchCurrentView:
		window = windowAfter(uids, start, prefetchWindowCurrentView)
	case mail.PrefetchFullSync:
		window = uids
	}
	if len(window) == 0 {
		return
	}

	c.cacheMutex.Lock()
	fs := c.folderLocked(folder)
	headers := make(map[uint32]struct{})
	bodies := make(map[uint32]struct{})
	for _, uid := range window {
		if _, ok := fs.headers[uid]; !ok {
			headers[uid] = struct{}{}
		}
		if level == mail.PrefetchFullSync {
			if _, ok := fs.bodies[uid]; !ok {
				bodies[uid] = struct{}{}
			}
		}
	}
	c.cacheMutex.Unlock()

	if len(headers) == 0 && len(bodies) == 0 {
		return
	}
	c.Prefetch(mail.Request{Folder: folder, GetHeaders: headers, GetFlags: headers, GetBodies: bodies})
}

func windowAfter(uids []uint32, start, size int) []uint32 {
	if start >= len(uids) {
		return nil
	}
	end := start + size
	if end > len(uids) {
		end = len(uids)
	}
	return uids[start:end]
}

// WatchIdleEvents consumes unilateral IDLE notifications from the IMAP
// manager and re-issues the affected folder's uid request so the cached
// view stays current without the user polling (spec 4.5
// Idle/Idling state machine). The caller should run this once, after
// Start, for the lifetime of the controller.
func (c *Controller) WatchIdleEvents(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-c.imapMgr.Events():
				if !ok {
					return
				}
				c.refreshAfterIdleEvent(ev)
			}
		}
	}()
}

func (c *Controller) refreshAfterIdleEvent(ev imap.Event) {
	c.cacheMutex.Lock()
	_, known := c.folders[ev.Folder]
	c.cacheMutex.Unlock()
	if !known {
		return
	}
	req := mail.Request{Folder: ev.Folder, GetUIDs: true}
	c.imapMgr.Submit(req, func(resp mail.Response) { c.handleResponse(resp) })
}

// handleResponse merges one worker Response into the cache-facing maps
// and bumps the redraw event. This is the only place Response data enters
// view state (spec 4.9 responsibility 2).
func (c *Controller) handleResponse(resp mail.Response) {
	c.cacheMutex.Lock()
	fs := c.folderLocked(resp.Folder)

	changed := false
	if resp.UIDs != nil {
		fs.uids = resp.UIDs
		changed = true
	}
	for uid, h := range resp.Headers {
		fs.headers[uid] = h
		changed = true
	}
	for uid, f := range resp.Flags {
		fs.flags[uid] = f
		changed = true
	}
	for uid, b := range resp.Bodies {
		fs.bodies[uid] = b
	}
	if changed {
		fs.version++
	}
	c.cacheMutex.Unlock()

	if resp.Status != mail.StatusOK {
		c.log.Warn().Uint32("status", uint32(resp.Status)).Str("folder", resp.Folder).Msg("response carried failure bits")
	}

	c.signalRedraw()
}

// DisplayUids returns the current sort/filter projection for folder,
// recomputing it only if the folder's version has advanced since the
// last call for this mode (spec invariant: pure function, explicit
// version counter, per design notes §9).
func (c *Controller) DisplayUids(folder string) []uint32 {
	c.cacheMutex.Lock()
	defer c.cacheMutex.Unlock()

	fs := c.folderLocked(folder)
	cached, ok := fs.display[fs.sort]
	if ok && cached.version == fs.version {
		return cached.uids
	}

	rows := make([]displayRow, len(fs.uids))
	for i, uid := range fs.uids {
		h, hasHdr := fs.headers[uid]
		rows[i] = displayRow{uid: uid, header: h, flags: fs.flags[uid], hasHdr: hasHdr}
	}
	uids := displayUids(rows, fs.sort)
	fs.display[fs.sort] = cachedDisplay{version: fs.version, uids: uids}
	return uids
}

// SetSortMode changes the active sort/filter mode for a folder; the next
// DisplayUids call recomputes (or returns an already-cached) projection.
func (c *Controller) SetSortMode(folder string, mode SortMode) {
	c.cacheMutex.Lock()
	fs := c.folderLocked(folder)
	fs.sort = mode
	c.cacheMutex.Unlock()
	c.signalRedraw()
}

// Select replaces the selection vector for a folder.
func (c *Controller) Select(folder string, uids []uint32) {
	c.cacheMutex.Lock()
	fs := c.folderLocked(folder)
	fs.selected = toSet(uids)
	c.cacheMutex.Unlock()
	c.signalRedraw()
}

// Selected returns the currently selected uids for a folder, in no
// particular order.
func (c *Controller) Selected(folder string) []uint32 {
	c.cacheMutex.Lock()
	defer c.cacheMutex.Unlock()
	fs := c.folderLocked(folder)
	out := make([]uint32, 0, len(fs.selected))
	for uid := range fs.selected {
		out = append(out, uid)
	}
	return out
}

func toSet(uids []uint32) map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(uids))
	for _, u := range uids {
		set[u] = struct{}{}
	}
	return set
}
