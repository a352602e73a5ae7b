// Package maildir writes a folder's cached messages out as a plain
// Maildir tree (spec lineage supplement: one-way offline export, not a
// mirror or a primary store — see SPEC_FULL.md Non-goals).
package maildir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/aerionmail/mailcore/internal/cache"
)

// Export writes every cached message in folder to destDir/new as a
// standard Maildir entry (unique filename, no flags suffix — this is an
// export, not a live mailbox another client also writes into).
func Export(store *cache.Store, folder, destDir string) (int, error) {
	newDir := filepath.Join(destDir, "new")
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(destDir, sub), 0o700); err != nil {
			return 0, fmt.Errorf("maildir: create %s: %w", sub, err)
		}
	}

	uids, ok := store.GetUids(folder)
	if !ok {
		return 0, fmt.Errorf("maildir: no cached uid set for folder %q", folder)
	}

	written := 0
	for _, uid := range uids {
		body, ok := store.GetBody(folder, uid)
		if !ok || len(body.Raw) == 0 {
			continue
		}
		name := fmt.Sprintf("%d.%s.mailcore", uid, uuid.New().String())
		if err := os.WriteFile(filepath.Join(newDir, name), body.Raw, 0o600); err != nil {
			return written, fmt.Errorf("maildir: write uid %d: %w", uid, err)
		}
		written++
	}
	return written, nil
}
