// Package queue implements the offline queue's three sub-queues (drafts,
// outbox, compose-backup) as file-based FIFOs under the application
// directory (spec 4.3). Each entry is one complete message blob stored as
// its own file with a monotonic numeric prefix; draining is atomic via a
// rename into a sentinel directory before the files are read and removed.
package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aerionmail/mailcore/internal/logging"
)

var log = logging.WithComponent("queue")

// subQueueDirs maps the three logical sub-queues to their directory names
// under queue/. "compose" matches the on-disk layout named in spec
// section 6, even though the public contract calls it compose-backup.
var subQueueDirs = map[string]string{
	"drafts":  "drafts",
	"outbox":  "outbox",
	"compose": "compose",
}

// Queue is the root of the three file-based FIFOs.
type Queue struct {
	root string

	mu       sync.Mutex
	counters map[string]*uint64
}

// Open roots a Queue at dir (the application directory's queue/
// subdirectory is created lazily per sub-queue on first push).
func Open(dir string) (*Queue, error) {
	q := &Queue{root: filepath.Join(dir, "queue"), counters: make(map[string]*uint64)}
	for name := range subQueueDirs {
		if err := q.initCounter(name); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (q *Queue) subDir(name string) string {
	return filepath.Join(q.root, subQueueDirs[name])
}

// initCounter scans an existing sub-queue directory (if any) for its
// highest numeric prefix so pushes after a restart keep incrementing
// rather than colliding with files left from a prior run.
func (q *Queue) initCounter(name string) error {
	dir := q.subDir(name)
	entries, err := os.ReadDir(dir)
	var max uint64
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			n, ok := parseSeq(e.Name())
			if ok && n > max {
				max = n
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("queue: scan %s: %w", dir, err)
	}
	c := max
	q.counters[name] = &c
	return nil
}

func parseSeq(filename string) (uint64, bool) {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	n, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (q *Queue) push(name string, blob []byte) error {
	q.mu.Lock()
	dir := q.subDir(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("queue: create %s: %w", dir, err)
	}
	n := atomic.AddUint64(q.counters[name], 1)
	q.mu.Unlock()

	path := filepath.Join(dir, fmt.Sprintf("%020d.eml", n))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("queue: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("queue: rename %s: %w", tmp, err)
	}
	return nil
}

// pop atomically drains a sub-queue: the live directory is renamed to a
// sentinel, an empty one is put back in its place, then files are read in
// FIFO order from the sentinel and it is removed. Any push racing the
// drain lands in the freshly recreated live directory, not the sentinel.
func (q *Queue) pop(name string) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dir := q.subDir(name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	sentinel := dir + ".draining"
	if err := os.RemoveAll(sentinel); err != nil {
		return nil, fmt.Errorf("queue: clear stale sentinel %s: %w", sentinel, err)
	}
	if err := os.Rename(dir, sentinel); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: rename %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("queue: recreate live dir after drain")
	}

	entries, err := os.ReadDir(sentinel)
	if err != nil {
		return nil, fmt.Errorf("queue: read sentinel %s: %w", sentinel, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	blobs := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".eml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sentinel, e.Name()))
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name()).Msg("queue: read entry during drain")
			continue
		}
		blobs = append(blobs, data)
	}

	if err := os.RemoveAll(sentinel); err != nil {
		log.Warn().Err(err).Str("sentinel", sentinel).Msg("queue: remove drained sentinel")
	}

	return blobs, nil
}

func (q *Queue) PushDraft(blob []byte) error        { return q.push("drafts", blob) }
func (q *Queue) PopDrafts() ([][]byte, error)       { return q.pop("drafts") }
func (q *Queue) PushOutbox(blob []byte) error       { return q.push("outbox", blob) }
func (q *Queue) PopOutbox() ([][]byte, error)       { return q.pop("outbox") }
func (q *Queue) PushComposeBackup(blob []byte) error { return q.push("compose", blob) }
func (q *Queue) PopComposeBackups() ([][]byte, error) { return q.pop("compose") }
