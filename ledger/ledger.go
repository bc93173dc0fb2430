// Package ledger holds the append-only record of which peers advertise which byte ranges of a
// shared file, and the tracker file format it's persisted in.
package ledger

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/multiless"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/chunkledger/segments"
)

const (
	// Returned by FindNextChunk and FindCoveringChunk when no advertisement matches.
	NoNextChunk = -1
	// Returned by IsLiveChunk when the candidate isn't advertised.
	NotLiveChunk = -1
)

var (
	ErrEmptyPending     = errors.New("no pending chunks to commit")
	ErrCommitInProgress = errors.New("commit in progress")
)

// Ledger is the client-side view of one tracker file. Live reflects what's been persisted.
// Pending accumulates advertisements until Commit appends them as one batch.
type Ledger struct {
	File TrackedFile

	mu      sync.Mutex
	journal Journal
	live    []Chunk
	pending []Chunk
	// Length of the prefix of pending being appended by a Commit.
	committing int
}

// New returns a ledger for file whose live set is initialized to live, which must already be
// persisted in journal.
func New(file TrackedFile, journal Journal, live ...Chunk) *Ledger {
	return &Ledger{
		File:    file,
		journal: journal,
		live:    slices.Clone(live),
	}
}

// LoadFile parses the tracker file at path and commits to it.
func LoadFile(path string) (*Ledger, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tf, chunks, err := ParseTrackerFile(f)
	if err != nil {
		return nil, fmt.Errorf("parsing tracker file %q: %w", path, err)
	}
	return New(tf, FileJournal{path}, chunks...), nil
}

// Live returns a copy of the committed advertisements in commit order.
func (l *Ledger) Live() []Chunk {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.live)
}

func (l *Ledger) Pending() []Chunk {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.pending)
}

func (l *Ledger) Chunk(index int) Chunk {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live[index]
}

func (l *Ledger) NumLive() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// Stage adds advertisements to the pending set.
func (l *Ledger) Stage(chunks ...Chunk) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, chunks...)
}

// ClearPending discards staged advertisements, except those a Commit is already appending.
func (l *Ledger) ClearPending() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = l.pending[:l.committing:l.committing]
}

// Commit persists the pending advertisements through the journal, then moves them to the live
// set. If the journal fails, live and pending are unchanged. The lock isn't held while the
// journal runs, so reads and Stage proceed, but only one Commit runs at a time.
func (l *Ledger) Commit() ([]Chunk, error) {
	panicif.Nil(l.journal)
	l.mu.Lock()
	if l.committing != 0 {
		l.mu.Unlock()
		return nil, ErrCommitInProgress
	}
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return nil, ErrEmptyPending
	}
	batch := slices.Clone(l.pending)
	l.committing = len(batch)
	l.mu.Unlock()
	err := l.journal.Append(batch)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.committing = 0
	if err != nil {
		return nil, fmt.Errorf("appending %v chunks: %w", len(batch), err)
	}
	l.live = append(l.live, batch...)
	l.pending = slices.Clone(l.pending[len(batch):])
	return batch, nil
}

// FindNextChunk returns the index of the live advertisement for exactly [start, end] with the
// largest timestamp. If several share that timestamp, the first in commit order is returned.
func (l *Ledger) FindNextChunk(start, end int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	ret := NoNextChunk
	for i, c := range l.live {
		if !c.SameRange(start, end) {
			continue
		}
		if ret == NoNextChunk || c.Timestamp > l.live[ret].Timestamp {
			ret = i
		}
	}
	return ret
}

// FindCoveringChunk returns the index of a live advertisement whose range includes [start,
// end]. Newer timestamps are preferred, then narrower ranges, then commit order.
func (l *Ledger) FindCoveringChunk(start, end int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	ret := NoNextChunk
	for i, c := range l.live {
		if !c.Covers(start, end) {
			continue
		}
		if ret == NoNextChunk || betterCover(c, l.live[ret]) {
			ret = i
		}
	}
	return ret
}

func betterCover(l, r Chunk) bool {
	return multiless.New().Int64(
		r.Timestamp, l.Timestamp).Int64(
		l.End-l.Start, r.End-r.Start,
	).Less()
}

// IsLiveChunk returns the index of the first live advertisement from the same source for the
// same range as candidate. Timestamps are not compared.
func (l *Ledger) IsLiveChunk(candidate Chunk) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.live {
		if c.Source == candidate.Source && c.SameRange(candidate.Start, candidate.End) {
			return i
		}
	}
	return NotLiveChunk
}

// AppendSegment advertises every chunk of a segment from self, stamped with now, and commits
// them as a single batch. If the commit fails, pending is cleared.
func (l *Ledger) AppendSegment(plan segments.Plan, segmentIndex int, self Source, now time.Time) ([]Chunk, error) {
	if segmentIndex < 0 || segmentIndex >= segments.NumSegments {
		return nil, fmt.Errorf("segment index %v out of range", segmentIndex)
	}
	if plan.Filesize != l.File.Filesize {
		return nil, fmt.Errorf("plan for %v bytes, ledger file has %v", plan.Filesize, l.File.Filesize)
	}
	ts := now.Unix()
	var batch []Chunk
	for _, e := range plan.Chunks(segmentIndex) {
		batch = append(batch, Chunk{
			Source:    self,
			Start:     e.Start,
			End:       e.Last(),
			Timestamp: ts,
		})
	}
	if len(batch) == 0 {
		return nil, nil
	}
	l.Stage(batch...)
	committed, err := l.Commit()
	if err != nil {
		// The batch is rebuilt with a fresh timestamp on retry.
		l.ClearPending()
	}
	return committed, err
}
