package imap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aerionmail/mailcore/internal/cache"
	"github.com/aerionmail/mailcore/internal/logging"
	"github.com/aerionmail/mailcore/internal/mail"
	"github.com/aerionmail/mailcore/internal/searchindex"
	"github.com/aerionmail/mailcore/internal/status"
)

// ErrOffline is returned by Do when no network connection is available;
// the caller (the controller) decides whether to queue the action instead.
var ErrOffline = fmt.Errorf("imap: offline")

type submittedRequest struct {
	req     mail.Request
	respond func(mail.Response)
}

// Manager runs one account's two request workers — foreground for
// interactive requests, prefetch for warming the cache ahead of need —
// against a shared Cache Store and search index (spec C5), plus an idle
// worker that holds IDLE open on its own connection.
type Manager struct {
	cfg   ClientConfig
	cache *cache.Store
	index *searchindex.Index
	st    *status.Aggregator
	log   zerolog.Logger

	mu      sync.Mutex
	offline bool

	fgConn *workerConn
	bgConn *workerConn

	foregroundCh chan submittedRequest
	prefetchCh   chan mail.Request
	pending      map[uint32]struct{} // UIDs currently queued (not yet started) on the prefetch worker
	pendingMu    sync.Mutex

	idleMu     sync.Mutex
	idleFolder string
	idleCancel context.CancelFunc
	events     chan Event

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// idleRetryBackoff bounds how fast the idle worker redials after a lost
// connection, so a server that's down briefly doesn't get hammered.
const idleRetryBackoff = 5 * time.Second

// workerConn is one persistent login+selected-folder connection.
type workerConn struct {
	mu     sync.Mutex
	client *Client
	folder string
}

// NewManager builds a Manager. store and idx may be nil only in tests that
// exercise the network path without caring about persistence.
func NewManager(cfg ClientConfig, store *cache.Store, idx *searchindex.Index, st *status.Aggregator) *Manager {
	return &Manager{
		cfg:          cfg,
		cache:        store,
		index:        idx,
		st:           st,
		log:          logging.WithComponent("imap-manager"),
		foregroundCh: make(chan submittedRequest, 32),
		prefetchCh:   make(chan mail.Request, 256),
		pending:      make(map[uint32]struct{}),
		events:       make(chan Event, 64),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the foreground, prefetch, and idle worker loops.
// Connections are established lazily on first use so a Manager can be
// constructed before credentials are known to be valid.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(3)
	go m.runForeground(ctx)
	go m.runPrefetch(ctx)
	go m.runIdle(ctx)
}

// Stop signals all three worker loops to exit and closes the foreground
// and prefetch connections.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	if m.fgConn != nil && m.fgConn.client != nil {
		m.fgConn.client.Close()
	}
	if m.bgConn != nil && m.bgConn.client != nil {
		m.bgConn.client.Close()
	}
}

// SetOffline toggles whether Submit/Do serve from cache only.
func (m *Manager) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

func (m *Manager) isOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// Submit queues req on the foreground worker and calls respond exactly
// once with the result. Any UIDs req asks for are removed from the
// prefetch worker's pending set so the background worker doesn't
// duplicate work the foreground connection is about to do.
func (m *Manager) Submit(req mail.Request, respond func(mail.Response)) {
	m.promote(req)
	select {
	case m.foregroundCh <- submittedRequest{req: req, respond: respond}:
	case <-m.stopCh:
		respond(mail.Response{Folder: req.Folder, Status: mail.GetFoldersFailed | mail.GetUIDsFailed})
	}
}

// Prefetch queues req on the lower-priority background worker. Results
// land only in the cache and search index; there is no reply channel.
func (m *Manager) Prefetch(req mail.Request) {
	m.pendingMu.Lock()
	for uid := range req.GetHeaders {
		m.pending[uid] = struct{}{}
	}
	for uid := range req.GetBodies {
		m.pending[uid] = struct{}{}
	}
	m.pendingMu.Unlock()

	select {
	case m.prefetchCh <- req:
	case <-m.stopCh:
	default:
		m.log.Warn().Str("folder", req.Folder).Msg("prefetch queue full, dropping request")
	}
}

func (m *Manager) promote(req mail.Request) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for uid := range req.GetHeaders {
		delete(m.pending, uid)
	}
	for uid := range req.GetBodies {
		delete(m.pending, uid)
	}
}

func (m *Manager) clearPending(uid uint32) {
	m.pendingMu.Lock()
	delete(m.pending, uid)
	m.pendingMu.Unlock()
}

// WatchFolder tells the idle worker which folder to keep a long-lived
// IDLE command open on, matching this module's single active folder view.
// Changing it interrupts whatever IDLE cycle is currently in progress so
// the worker reconnects against the new folder immediately rather than
// waiting for the current cycle's own refresh timer.
func (m *Manager) WatchFolder(folder string) {
	m.idleMu.Lock()
	changed := m.idleFolder != folder
	m.idleFolder = folder
	cancel := m.idleCancel
	m.idleMu.Unlock()
	if changed && cancel != nil {
		cancel()
	}
}

// Events returns unilateral IDLE notifications (new mail, expunge) for
// whichever folder WatchFolder last selected. The channel survives
// reconnects; a slow consumer simply misses events rather than blocking
// the idle worker.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) watchedFolder() string {
	m.idleMu.Lock()
	defer m.idleMu.Unlock()
	return m.idleFolder
}

// runIdle keeps one dedicated connection in a long-lived IDLE against
// whatever folder WatchFolder names, handing unilateral notifications to
// Events(). It never competes with the foreground or prefetch workers for
// a connection slot, since an active IDLE occupies the connection for the
// life of the command.
func (m *Manager) runIdle(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		folder := m.watchedFolder()
		if folder == "" || m.isOffline() {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-time.After(idleRetryBackoff):
			}
			continue
		}

		cycleCtx, cancel := context.WithCancel(ctx)
		m.idleMu.Lock()
		m.idleCancel = cancel
		m.idleMu.Unlock()

		err := m.idleOnce(cycleCtx, folder)
		cancel()

		if err != nil && cycleCtx.Err() == nil {
			m.log.Warn().Err(err).Str("folder", folder).Msg("idle: connection lost, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-time.After(idleRetryBackoff):
			}
		}
	}
}

// idleOnce dials a fresh connection dedicated to IDLE, selects folder, and
// runs a Watcher against it until the watcher exits (refresh cycle, error,
// or ctx cancellation) or Stop is called.
func (m *Manager) idleOnce(ctx context.Context, folder string) error {
	client := NewClient(m.cfg)
	events := make(chan Event, 8)
	client.SetUnilateralDataHandler(NewUnilateralHandler(folder, events))

	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Close()
	if err := client.Login(); err != nil {
		return err
	}
	if !client.SupportsIdle() {
		return fmt.Errorf("imap: server does not advertise IDLE")
	}
	if _, err := client.SelectMailbox(ctx, folder); err != nil {
		return err
	}

	watcher := NewWatcher(client)
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	for {
		select {
		case ev := <-events:
			m.forwardIdleEvent(ev)
		case err := <-done:
			return err
		case <-m.stopCh:
			return nil
		}
	}
}

func (m *Manager) forwardIdleEvent(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn().Str("folder", ev.Folder).Msg("idle: event channel full, dropping notification")
	}
}

func (m *Manager) runForeground(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case sr := <-m.foregroundCh:
			if m.st != nil {
				m.st.Apply(status.Update{Set: status.Fetching})
			}
			resp := m.serve(ctx, &m.fgConn, sr.req)
			if m.st != nil {
				m.st.Apply(status.Update{Clear: status.Fetching})
			}
			sr.respond(resp)
		}
	}
}

func (m *Manager) runPrefetch(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case req := <-m.prefetchCh:
			// Skip uids a foreground Submit promoted after this request
			// was queued; the foreground worker is fetching those.
			m.pendingMu.Lock()
			for uid := range req.GetHeaders {
				if _, ok := m.pending[uid]; !ok {
					delete(req.GetHeaders, uid)
				}
			}
			for uid := range req.GetBodies {
				if _, ok := m.pending[uid]; !ok {
					delete(req.GetBodies, uid)
				}
			}
			m.pendingMu.Unlock()
			if m.st != nil {
				m.st.Apply(status.Update{Set: status.Prefetching})
			}
			m.serve(ctx, &m.bgConn, req)
			for uid := range req.GetHeaders {
				m.clearPending(uid)
			}
			for uid := range req.GetBodies {
				m.clearPending(uid)
			}
			if m.st != nil {
				m.st.Apply(status.Update{Clear: status.Prefetching})
			}
		}
	}
}

// serve executes one Request against connSlot (either &m.fgConn or
// &m.bgConn), reconnecting and re-selecting the folder as needed, and
// persists every fetched item to the cache before returning the Response.
// Fetched headers are also added to the search index with an empty body
// text; fetched bodies are not indexed. If no connection can be made the
// whole request is served from the cache with LoginFailed set; otherwise
// each failed field sets its Response.Status bit, and only a failed uid
// search falls back to the cached value.
func (m *Manager) serve(ctx context.Context, connSlot **workerConn, req mail.Request) mail.Response {
	resp := mail.Response{Folder: req.Folder}

	if m.isOffline() {
		resp.Cached = true
		m.serveFromCache(&resp, req)
		return resp
	}

	conn, err := m.ensureConn(ctx, connSlot, req.Folder)
	if err != nil {
		m.log.Warn().Err(err).Str("folder", req.Folder).Msg("imap: connection unavailable, falling back to cache")
		resp.Status |= mail.LoginFailed
		resp.Cached = true
		m.serveFromCache(&resp, req)
		return resp
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if req.GetFolders {
		mboxes, err := conn.client.ListMailboxes()
		if err != nil {
			resp.Status |= mail.GetFoldersFailed
		} else {
			for _, mb := range mboxes {
				resp.Folders = append(resp.Folders, mb.Name)
			}
		}
	}

	if req.GetUIDs {
		uids, err := conn.client.SearchAllUIDs(ctx)
		if err != nil {
			resp.Status |= mail.GetUIDsFailed
			if m.cache != nil {
				resp.UIDs, _ = m.cache.GetUids(req.Folder)
			}
		} else {
			resp.UIDs = uids
			if m.cache != nil {
				m.cache.PutUids(req.Folder, uids)
			}
		}
	}

	if len(req.GetHeaders) > 0 {
		uids := uidKeys(req.GetHeaders)
		headers, err := conn.client.FetchHeaders(ctx, uids)
		if err != nil && len(headers) == 0 {
			resp.Status |= mail.GetHeadersFailed
		}
		resp.Headers = headers
		for uid, h := range headers {
			if m.cache != nil {
				m.cache.PutHeader(req.Folder, uid, h)
			}
			if m.index != nil {
				if err := m.index.Index(req.Folder, uid, h, ""); err != nil {
					m.log.Warn().Err(err).Msg("imap: index header")
				}
			}
		}
	}

	if len(req.GetFlags) > 0 {
		uids := uidKeys(req.GetFlags)
		flags, err := conn.client.FetchFlags(ctx, uids)
		if err != nil && len(flags) == 0 {
			resp.Status |= mail.GetFlagsFailed
		}
		resp.Flags = flags
		for uid, f := range flags {
			if m.cache != nil {
				m.cache.PutFlags(req.Folder, uid, f)
			}
		}
	}

	if len(req.GetBodies) > 0 {
		resp.Bodies = make(map[uint32]mail.Body, len(req.GetBodies))
		for uid := range req.GetBodies {
			body, err := conn.client.FetchBody(ctx, uid)
			if err != nil {
				resp.Status |= mail.GetBodiesFailed
				continue
			}
			resp.Bodies[uid] = body
			if m.cache != nil {
				m.cache.PutBody(req.Folder, uid, body)
			}
		}
	}

	return resp
}

func (m *Manager) serveFromCache(resp *mail.Response, req mail.Request) {
	if m.cache == nil {
		resp.Status = mail.GetFoldersFailed | mail.GetUIDsFailed | mail.GetHeadersFailed | mail.GetFlagsFailed | mail.GetBodiesFailed
		return
	}
	if req.GetUIDs {
		uids, ok := m.cache.GetUids(req.Folder)
		if !ok {
			resp.Status |= mail.GetUIDsFailed
		}
		resp.UIDs = uids
	}
	if len(req.GetHeaders) > 0 {
		resp.Headers = make(map[uint32]mail.Header, len(req.GetHeaders))
		for uid := range req.GetHeaders {
			if h, ok := m.cache.GetHeader(req.Folder, uid); ok {
				resp.Headers[uid] = h
			} else {
				resp.Status |= mail.GetHeadersFailed
			}
		}
	}
	if len(req.GetFlags) > 0 {
		resp.Flags = make(map[uint32]mail.Flags, len(req.GetFlags))
		for uid := range req.GetFlags {
			if f, ok := m.cache.GetFlags(req.Folder, uid); ok {
				resp.Flags[uid] = f
			} else {
				resp.Status |= mail.GetFlagsFailed
			}
		}
	}
	if len(req.GetBodies) > 0 {
		resp.Bodies = make(map[uint32]mail.Body, len(req.GetBodies))
		for uid := range req.GetBodies {
			if b, ok := m.cache.GetBody(req.Folder, uid); ok {
				resp.Bodies[uid] = b
			} else {
				resp.Status |= mail.GetBodiesFailed
			}
		}
	}
}

func uidKeys(set map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	return out
}

// ensureConn returns a connected, authenticated, folder-selected
// connection for *slot, (re)dialing if necessary.
func (m *Manager) ensureConn(ctx context.Context, slot **workerConn, folder string) (*workerConn, error) {
	conn := *slot
	if conn == nil {
		conn = &workerConn{}
		*slot = conn
	}

	conn.mu.Lock()
	if conn.client != nil && conn.client.Noop() != nil {
		// A connection that fails a NOOP is dead; discard it and redial.
		conn.client.RawClient().Close()
		conn.client = nil
	}
	needsConnect := conn.client == nil
	conn.mu.Unlock()

	if needsConnect {
		client := NewClient(m.cfg)
		if err := client.Connect(); err != nil {
			return nil, err
		}
		if err := client.Login(); err != nil {
			client.Close()
			return nil, err
		}
		conn.mu.Lock()
		conn.client = client
		conn.folder = ""
		conn.mu.Unlock()
	}

	conn.mu.Lock()
	sameFolder := conn.folder == folder
	conn.mu.Unlock()

	if folder != "" && !sameFolder {
		if _, err := conn.client.SelectMailbox(ctx, folder); err != nil {
			return nil, err
		}
		conn.mu.Lock()
		conn.folder = folder
		conn.mu.Unlock()
	}

	return conn, nil
}

// Do executes a mutation against the foreground connection: flag changes,
// moves, permanent deletes, and draft/sent uploads.
func (m *Manager) Do(ctx context.Context, action mail.Action) error {
	if m.isOffline() {
		return ErrOffline
	}

	conn, err := m.ensureConn(ctx, &m.fgConn, action.Folder)
	if err != nil {
		return err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if len(action.UploadDraft) > 0 {
		_, err := conn.client.AppendMessage(action.Folder, flagsToIMAP(mail.FlagDraft), time.Time{}, action.UploadDraft)
		return err
	}
	if len(action.UploadMessage) > 0 {
		_, err := conn.client.AppendMessage(action.Folder, flagsToIMAP(mail.FlagSeen), time.Time{}, action.UploadMessage)
		return err
	}

	if action.UpdateCacheOnly {
		return m.applyCacheOnly(action)
	}

	if action.SetSeen {
		if err := conn.client.AddMessageFlags(action.UIDs, flagsToIMAP(mail.FlagSeen)); err != nil {
			return err
		}
	}
	if action.SetUnseen {
		if err := conn.client.RemoveMessageFlags(action.UIDs, flagsToIMAP(mail.FlagSeen)); err != nil {
			return err
		}
	}
	if action.DeletePermanently {
		if err := conn.client.DeleteMessagesByUID(action.UIDs); err != nil {
			return err
		}
	} else if action.MoveDestination != "" {
		if err := conn.client.MoveMessages(action.UIDs, action.MoveDestination); err != nil {
			return err
		}
	}

	return m.applyCacheOnly(action)
}

// applyCacheOnly mirrors a mutation's flag changes (\Seen, and \Deleted
// for a permanent delete) into the local cache without touching the
// server — used both for UpdateCacheOnly actions and after a server-side
// mutation succeeds. It does not remove moved or deleted uids from the
// folder's cached uid set.
func (m *Manager) applyCacheOnly(action mail.Action) error {
	if m.cache == nil {
		return nil
	}
	for _, uid := range action.UIDs {
		f, ok := m.cache.GetFlags(action.Folder, uid)
		if !ok {
			f = 0
		}
		if action.SetSeen {
			f = f.Set(mail.FlagSeen)
		}
		if action.SetUnseen {
			f = f.Clear(mail.FlagSeen)
		}
		if action.DeletePermanently {
			f = f.Set(mail.FlagDeleted)
		}
		m.cache.PutFlags(action.Folder, uid, f)
	}
	return nil
}
