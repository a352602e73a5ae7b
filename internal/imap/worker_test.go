package imap

import (
	"context"
	"testing"
	"time"

	"github.com/aerionmail/mailcore/internal/cache"
	"github.com/aerionmail/mailcore/internal/mail"
)

func TestSubmitOfflineServesFromCache(t *testing.T) {
	store := cache.New(t.TempDir(), nil)
	store.PutUids("INBOX", []uint32{1, 2, 3})
	store.PutHeader("INBOX", 1, mail.Header{UID: 1, Subject: "hello"})

	m := NewManager(DefaultConfig(), store, nil, nil)
	m.SetOffline(true)
	m.Start(context.Background())
	defer m.Stop()

	done := make(chan mail.Response, 1)
	m.Submit(mail.Request{
		Folder:     "INBOX",
		GetUIDs:    true,
		GetHeaders: map[uint32]struct{}{1: {}},
	}, func(r mail.Response) { done <- r })

	select {
	case resp := <-done:
		if !resp.Cached {
			t.Error("expected Cached=true while offline")
		}
		if len(resp.UIDs) != 3 {
			t.Errorf("expected 3 cached UIDs, got %d", len(resp.UIDs))
		}
		if resp.Headers[1].Subject != "hello" {
			t.Errorf("expected cached header, got %+v", resp.Headers[1])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestSubmitOfflineMissingCacheSetsFailureBits(t *testing.T) {
	store := cache.New(t.TempDir(), nil)
	m := NewManager(DefaultConfig(), store, nil, nil)
	m.SetOffline(true)
	m.Start(context.Background())
	defer m.Stop()

	done := make(chan mail.Response, 1)
	m.Submit(mail.Request{Folder: "INBOX", GetUIDs: true}, func(r mail.Response) { done <- r })

	resp := <-done
	if !resp.Status.Has(mail.GetUIDsFailed) {
		t.Error("expected GetUIDsFailed when nothing is cached")
	}
}

func TestDoWhileOfflineReturnsErrOffline(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil, nil)
	m.SetOffline(true)
	err := m.Do(context.Background(), mail.Action{Folder: "INBOX", UIDs: []uint32{1}, SetSeen: true})
	if err != ErrOffline {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}

func TestPrefetchRequestIsPromotedOutOfPendingBySubmit(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil, nil)
	m.Prefetch(mail.Request{Folder: "INBOX", GetHeaders: map[uint32]struct{}{5: {}}})

	m.pendingMu.Lock()
	_, stillPending := m.pending[5]
	m.pendingMu.Unlock()
	if !stillPending {
		t.Fatal("expected uid 5 to be pending after Prefetch")
	}

	m.Submit(mail.Request{Folder: "INBOX", GetHeaders: map[uint32]struct{}{5: {}}}, func(mail.Response) {})

	m.pendingMu.Lock()
	_, stillPending = m.pending[5]
	m.pendingMu.Unlock()
	if stillPending {
		t.Fatal("expected uid 5 to be promoted out of the pending set")
	}
}

func TestApplyCacheOnlyUpdatesFlags(t *testing.T) {
	store := cache.New(t.TempDir(), nil)
	m := NewManager(DefaultConfig(), store, nil, nil)

	if err := m.applyCacheOnly(mail.Action{Folder: "INBOX", UIDs: []uint32{9}, SetSeen: true}); err != nil {
		t.Fatalf("applyCacheOnly: %v", err)
	}
	f, ok := store.GetFlags("INBOX", 9)
	if !ok || !f.Has(mail.FlagSeen) {
		t.Fatalf("expected FlagSeen to be cached, got %v ok=%v", f, ok)
	}
}
