package collab

import (
	"encoding/binary"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// sequenceTracker remembers the highest contiguous sequence number observed
// this session. It never lowers its watermark: events may arrive out of the
// tracker's prior knowledge after a reconnect, and only a raise matters.
//
// A nil watermark means "never received a sequenced event this session" and
// translates into a full-history replay request.
type sequenceTracker struct {
	mu   sync.Mutex
	last *int64

	journal *watermarkJournal // optional, survives client restarts
	runID   string
}

func newSequenceTracker(journal *watermarkJournal) *sequenceTracker {
	return &sequenceTracker{journal: journal}
}

// begin scopes the tracker to a session, restoring the journaled watermark
// if one exists.
func (t *sequenceTracker) begin(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.runID = runID
	t.last = nil
	if t.journal != nil {
		if seq, ok, err := t.journal.load(runID); err == nil && ok {
			t.last = &seq
		}
	}
}

// observe raises the watermark if seq is beyond it. Returns true when the
// watermark advanced, false for duplicates and late arrivals below it.
func (t *sequenceTracker) observe(seq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.last != nil && seq <= *t.last {
		return false
	}
	s := seq
	t.last = &s
	if t.journal != nil && t.runID != "" {
		// Journal failures are non-fatal: worst case the next run replays more.
		_ = t.journal.store(t.runID, seq)
	}
	return true
}

// position returns the current watermark, or ok=false when no sequenced
// event has been seen.
func (t *sequenceTracker) position() (seq int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return 0, false
	}
	return *t.last, true
}

// watermarkJournal persists per-run watermarks in a bbolt file so a
// restarted client resumes replay from where it left off instead of pulling
// the full session history again.
type watermarkJournal struct {
	db *bolt.DB
}

var journalBucket = []byte("watermarks")

func openWatermarkJournal(path string) (*watermarkJournal, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open watermark journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create watermark bucket: %w", err)
	}
	return &watermarkJournal{db: db}, nil
}

func (j *watermarkJournal) load(runID string) (seq int64, ok bool, err error) {
	err = j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(journalBucket).Get([]byte(runID))
		if len(v) == 8 {
			seq = int64(binary.BigEndian.Uint64(v))
			ok = true
		}
		return nil
	})
	return seq, ok, err
}

func (j *watermarkJournal) store(runID string, seq int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seq))
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Put([]byte(runID), buf[:])
	})
}

func (j *watermarkJournal) close() error {
	return j.db.Close()
}
