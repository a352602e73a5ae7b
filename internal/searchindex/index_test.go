package searchindex

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/aerionmail/mailcore/internal/mail"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "search.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func seed(t *testing.T, idx *Index) {
	t.Helper()
	docs := []struct {
		uid     uint32
		subject string
		from    string
		body    string
		date    time.Time
	}{
		{1, "Quarterly report", "alice@example.com", "please find the quarterly report attached", time.Unix(300, 0)},
		{2, "Lunch plans", "bob@example.com", "want to grab lunch tomorrow", time.Unix(200, 0)},
		{3, "Re: Quarterly report", "carol@example.com", "thanks for the report, looks good", time.Unix(100, 0)},
	}
	for _, d := range docs {
		h := mail.Header{UID: d.uid, Subject: d.subject, From: d.from, Date: d.date}
		if err := idx.Index("INBOX", d.uid, h, d.body); err != nil {
			t.Fatalf("Index: %v", err)
		}
	}
}

func TestSearchBareTermOrdersByDateDesc(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	res, err := idx.Search(mail.SearchQuery{QueryString: "report", Max: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %+v", len(res.Hits), res.Hits)
	}
	if res.Hits[0].UID != 1 || res.Hits[1].UID != 3 {
		t.Fatalf("expected uids [1,3] by date desc, got [%d,%d]", res.Hits[0].UID, res.Hits[1].UID)
	}
}

func TestSearchFieldQualified(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	res, err := idx.Search(mail.SearchQuery{QueryString: "from:bob", Max: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 1 || res.Hits[0].UID != 2 {
		t.Fatalf("expected uid 2 only, got %+v", res.Hits)
	}
}

func TestSearchAndOr(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	res, err := idx.Search(mail.SearchQuery{QueryString: "lunch OR quarterly", Max: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 3 {
		t.Fatalf("expected all 3 docs, got %d", len(res.Hits))
	}
}

func TestSearchNegation(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	res, err := idx.Search(mail.SearchQuery{QueryString: "report -lunch", Max: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %+v", len(res.Hits), res.Hits)
	}
}

func TestSearchPhrase(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	res, err := idx.Search(mail.SearchQuery{QueryString: `"grab lunch"`, Max: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 1 || res.Hits[0].UID != 2 {
		t.Fatalf("expected uid 2 only, got %+v", res.Hits)
	}
}

func TestSearchPagination(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	res, err := idx.Search(mail.SearchQuery{QueryString: "report", Max: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 1 || !res.HasMore {
		t.Fatalf("expected 1 hit with hasMore=true, got %d hasMore=%v", len(res.Hits), res.HasMore)
	}

	res2, err := idx.Search(mail.SearchQuery{QueryString: "report", Max: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res2.Hits) != 1 || res2.HasMore {
		t.Fatalf("expected 1 hit with hasMore=false, got %d hasMore=%v", len(res2.Hits), res2.HasMore)
	}
}

func TestIndexIsIdempotent(t *testing.T) {
	idx := newTestIndex(t)
	h := mail.Header{UID: 1, Subject: "one", Date: time.Unix(1, 0)}
	if err := idx.Index("INBOX", 1, h, "body one"); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := idx.Index("INBOX", 1, h, "body one updated"); err != nil {
		t.Fatalf("Index again: %v", err)
	}

	res, err := idx.Search(mail.SearchQuery{QueryString: "updated", Max: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 1 {
		t.Fatalf("expected exactly one doc after re-index, got %d", len(res.Hits))
	}
}

func TestRemove(t *testing.T) {
	idx := newTestIndex(t)
	seed(t, idx)

	if err := idx.Remove("INBOX", 1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	res, err := idx.Search(mail.SearchQuery{QueryString: "report", Max: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 1 || res.Hits[0].UID != 3 {
		t.Fatalf("expected only uid 3 remaining, got %+v", res.Hits)
	}

	// Idempotent: removing again is a no-op, not an error.
	if err := idx.Remove("INBOX", 1); err != nil {
		t.Fatalf("Remove again: %v", err)
	}
}

func TestCompileXOR(t *testing.T) {
	expr, err := compile("lunch XOR report")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if expr == "" {
		t.Fatal("expected non-empty compiled expression")
	}
}

func TestCompileRejectsLeadingNegation(t *testing.T) {
	if _, err := compile("-lunch"); err == nil {
		t.Fatal("expected leading negation to be rejected")
	}
}
