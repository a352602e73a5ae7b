package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aerionmail/mailcore/internal/imap"
	"github.com/aerionmail/mailcore/internal/mail"
	"github.com/aerionmail/mailcore/internal/searchindex"
	"github.com/aerionmail/mailcore/internal/status"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	idx, err := searchindex.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("searchindex.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	st := status.New()
	im := imap.NewManager(imap.ClientConfig{}, nil, idx, st)
	im.SetOffline(true)
	ctx, cancel := context.WithCancel(context.Background())
	im.Start(ctx)
	t.Cleanup(func() {
		cancel()
		im.Stop()
	})

	c := New(im, nil, nil, idx, nil, st, "me@example.com")
	return c
}

func waitRedraw(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Redraw():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for redraw")
	}
}

func seedFolder(c *Controller, folder string, uids []uint32, headers map[uint32]mail.Header) {
	c.handleResponse(mail.Response{Folder: folder, UIDs: uids, Headers: headers})
}

func TestHandleResponseMergesHeadersAndBumpsVersion(t *testing.T) {
	c := newTestController(t)

	c.handleResponse(mail.Response{
		Folder: "INBOX",
		UIDs:   []uint32{1, 2},
		Headers: map[uint32]mail.Header{
			1: {Subject: "first"},
			2: {Subject: "second"},
		},
	})

	c.cacheMutex.Lock()
	fs := c.folderLocked("INBOX")
	v1 := fs.version
	c.cacheMutex.Unlock()

	if v1 == 0 {
		t.Fatal("expected version to advance after a response carrying changes")
	}

	got := c.DisplayUids("INBOX")
	if !equalUids(got, []uint32{1, 2}) && !equalUids(got, []uint32{2, 1}) {
		t.Fatalf("unexpected display uids: %v", got)
	}
}

func TestDisplayUidsCacheIsInvalidatedByVersionNotBySortSwitch(t *testing.T) {
	c := newTestController(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedFolder(c, "INBOX", []uint32{1, 2}, map[uint32]mail.Header{
		1: {Subject: "a", Date: base},
		2: {Subject: "b", Date: base.Add(time.Hour)},
	})

	first := c.DisplayUids("INBOX")
	if !equalUids(first, []uint32{2, 1}) {
		t.Fatalf("got %v, want date-desc order [2 1]", first)
	}

	c.SetSortMode("INBOX", SortNameAsc)
	second := c.DisplayUids("INBOX")
	if !equalUids(second, []uint32{1, 2}) {
		t.Fatalf("got %v, want name-asc order [1 2]", second)
	}

	c.cacheMutex.Lock()
	versionBefore := c.folderLocked("INBOX").version
	c.cacheMutex.Unlock()

	third := c.DisplayUids("INBOX")
	if !equalUids(third, second) {
		t.Fatalf("recompute with no version change produced different order: %v vs %v", third, second)
	}

	c.handleResponse(mail.Response{Folder: "INBOX", Headers: map[uint32]mail.Header{
		1: {Subject: "a", Date: base.Add(2 * time.Hour)},
	}})
	c.cacheMutex.Lock()
	versionAfter := c.folderLocked("INBOX").version
	c.cacheMutex.Unlock()
	if versionAfter == versionBefore {
		t.Fatal("expected version to advance after a new header arrives")
	}
}

func TestMarkSeenUpdatesCacheOptimistically(t *testing.T) {
	c := newTestController(t)
	seedFolder(c, "INBOX", []uint32{1}, map[uint32]mail.Header{1: {Subject: "x"}})

	c.MarkSeen("INBOX", []uint32{1}, true)

	c.cacheMutex.Lock()
	f := c.folderLocked("INBOX").flags[1]
	c.cacheMutex.Unlock()

	if !f.Has(mail.FlagSeen) {
		t.Fatal("expected FlagSeen to be set immediately, before any server round trip")
	}
}

func TestDeleteReconcilesSelectionAndUids(t *testing.T) {
	c := newTestController(t)
	seedFolder(c, "INBOX", []uint32{1, 2, 3}, map[uint32]mail.Header{
		1: {Subject: "a"}, 2: {Subject: "b"}, 3: {Subject: "c"},
	})
	c.Select("INBOX", []uint32{1, 2, 3})

	c.Delete("INBOX", []uint32{2}, "Trash")

	c.cacheMutex.Lock()
	fs := c.folderLocked("INBOX")
	_, stillSelected := fs.selected[2]
	_, stillHasHeader := fs.headers[2]
	remainingUids := append([]uint32(nil), fs.uids...)
	c.cacheMutex.Unlock()

	if stillSelected {
		t.Error("deleted uid must not remain selected (selection integrity invariant)")
	}
	if stillHasHeader {
		t.Error("deleted uid's header should be dropped from the cache")
	}
	if equalUids(remainingUids, []uint32{1, 2, 3}) {
		t.Error("deleted uid should be removed from the folder's uid set")
	}
}

func TestMoveReconcilesSelection(t *testing.T) {
	c := newTestController(t)
	seedFolder(c, "INBOX", []uint32{1, 2}, map[uint32]mail.Header{
		1: {Subject: "a"}, 2: {Subject: "b"},
	})
	c.Select("INBOX", []uint32{1, 2})

	c.Move("INBOX", []uint32{1}, "Archive")

	c.cacheMutex.Lock()
	_, stillSelected := c.folderLocked("INBOX").selected[1]
	c.cacheMutex.Unlock()

	if stillSelected {
		t.Error("moved uid must not remain selected in the source folder")
	}
}

func TestSelectReplacesSelectionVector(t *testing.T) {
	c := newTestController(t)
	c.Select("INBOX", []uint32{1, 2})
	c.Select("INBOX", []uint32{3})

	got := c.Selected("INBOX")
	if !equalUids(got, []uint32{3}) {
		t.Fatalf("got %v, want [3]", got)
	}
}

func TestSearchStoresLastSearchResult(t *testing.T) {
	c := newTestController(t)

	result, err := c.Search(mail.SearchQuery{QueryString: "hello"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Hits) != 0 {
		t.Fatalf("expected no hits against an empty index, got %d", len(result.Hits))
	}

	got := c.LastSearch()
	if len(got.Hits) != len(result.Hits) {
		t.Fatalf("LastSearch did not reflect the most recent Search call")
	}
}
