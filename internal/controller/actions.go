package controller

import (
	"bytes"
	"context"
	"net/mail"

	coremail "github.com/aerionmail/mailcore/internal/mail"
)

// MarkSeen sets or clears \Seen on uids in folder. The cache is updated
// optimistically before the server confirms (spec design notes §9: the
// source does this and the spec treats it as intended eventual
// consistency via the next re-fetch, not a bug to fix).
func (c *Controller) MarkSeen(folder string, uids []uint32, seen bool) {
	c.applyFlagLocally(folder, uids, seen)

	action := coremail.Action{Folder: folder, UIDs: uids, SetSeen: seen, SetUnseen: !seen}
	go func() {
		if err := c.imapMgr.Do(context.Background(), action); err != nil {
			c.log.Warn().Err(err).Str("folder", folder).Msg("mark seen/unseen failed, cache already applied optimistically")
		}
	}()
}

func (c *Controller) applyFlagLocally(folder string, uids []uint32, seen bool) {
	c.cacheMutex.Lock()
	fs := c.folderLocked(folder)
	for _, uid := range uids {
		f := fs.flags[uid]
		if seen {
			f = f.Set(coremail.FlagSeen)
		} else {
			f = f.Clear(coremail.FlagSeen)
		}
		fs.flags[uid] = f
	}
	fs.version++
	c.cacheMutex.Unlock()
	c.signalRedraw()
}

// Delete deletes uids from folder. Per spec scenario 2/3 and 4.9
// responsibility 5/design notes: deleting from the trash folder is
// permanent (UID STORE \Deleted + EXPUNGE, no COPY); deleting from any
// other folder is a logical move to trashFolder. Either way the
// selection vector is reconciled afterward so no deleted/moved uid
// remains selected (spec invariant: selection integrity).
func (c *Controller) Delete(folder string, uids []uint32, trashFolder string) {
	permanent := folder == trashFolder

	c.removeUidsLocally(folder, uids)

	action := coremail.Action{Folder: folder, UIDs: uids}
	if permanent {
		action.DeletePermanently = true
	} else {
		action.MoveDestination = trashFolder
	}

	go func() {
		if err := c.imapMgr.Do(context.Background(), action); err != nil {
			c.log.Warn().Err(err).Str("folder", folder).Bool("permanent", permanent).Msg("delete/move failed")
		}
	}()
}

// Move moves uids from folder to dest, reconciling the selection and
// clearing cached entries for the source folder the same way Delete does
// — the destination folder is expected to re-fetch its uid set on next
// open (design notes §9: clearing hasRequestedUids is the documented
// invalidation mechanism, preserved here as "drop cached uids", not
// patched in place).
func (c *Controller) Move(folder string, uids []uint32, dest string) {
	c.removeUidsLocally(folder, uids)

	action := coremail.Action{Folder: folder, UIDs: uids, MoveDestination: dest}
	go func() {
		if err := c.imapMgr.Do(context.Background(), action); err != nil {
			c.log.Warn().Err(err).Str("folder", folder).Str("dest", dest).Msg("move failed")
		}
	}()
}

func (c *Controller) removeUidsLocally(folder string, uids []uint32) {
	remove := toSet(uids)

	c.cacheMutex.Lock()
	fs := c.folderLocked(folder)

	kept := fs.uids[:0:0]
	for _, uid := range fs.uids {
		if _, gone := remove[uid]; gone {
			continue
		}
		kept = append(kept, uid)
	}
	fs.uids = kept

	for uid := range remove {
		delete(fs.headers, uid)
		delete(fs.flags, uid)
		delete(fs.bodies, uid)
		delete(fs.selected, uid)
	}
	fs.version++
	c.cacheMutex.Unlock()

	if c.index != nil {
		for uid := range remove {
			if err := c.index.Remove(folder, uid); err != nil {
				c.log.Warn().Err(err).Str("folder", folder).Msg("remove from search index")
			}
		}
	}

	c.signalRedraw()
}

// Search evaluates q against the search index and stores the result as
// the controller's current search buffer (spec 4.9: "search query" is
// part of owned view state).
func (c *Controller) Search(q coremail.SearchQuery) (coremail.SearchResult, error) {
	if c.index == nil {
		return coremail.SearchResult{}, nil
	}
	result, err := c.index.Search(q)
	if err != nil {
		return coremail.SearchResult{}, err
	}

	c.searchMutex.Lock()
	c.lastSearch = result
	c.searchMutex.Unlock()

	c.signalRedraw()
	return result, nil
}

// LastSearch returns the most recently computed search result.
func (c *Controller) LastSearch() coremail.SearchResult {
	c.searchMutex.Lock()
	defer c.searchMutex.Unlock()
	return c.lastSearch
}

// SetOffline toggles offline mode on both underlying managers so Submit/Do
// and Send immediately switch behavior (spec: offline/online duality).
func (c *Controller) SetOffline(offline bool) {
	c.imapMgr.SetOffline(offline)
	if c.smtpMgr != nil {
		c.smtpMgr.SetOffline(offline)
	}
	if !offline {
		go c.drainOnReconnect()
	}
}

// drainOnReconnect flushes the outbox once the connection returns,
// completing the offline-compose-then-send scenario (spec scenario 1).
func (c *Controller) drainOnReconnect() {
	if c.smtpMgr == nil {
		return
	}
	if err := c.smtpMgr.DrainOutbox(context.Background(), c.fromAddress, recipientsFromBlob); err != nil {
		c.log.Warn().Err(err).Msg("drain outbox on reconnect")
	}
}

// recipientsFromBlob re-derives the envelope recipient list from an
// already-assembled RFC 822 blob's To/Cc headers for outbox redelivery —
// Bcc isn't in the headers, so any Bcc'd copy is lost on a queued retry,
// matching SMTP's own behavior of never echoing Bcc back in the headers.
func recipientsFromBlob(blob []byte) []string {
	msg, err := mail.ReadMessage(bytes.NewReader(blob))
	if err != nil {
		return nil
	}
	var out []string
	for _, field := range []string{"To", "Cc"} {
		addrs, err := msg.Header.AddressList(field)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			out = append(out, a.Address)
		}
	}
	return out
}
