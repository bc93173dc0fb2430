package ledger

import (
	"fmt"
	"io"
	"os"
)

// A Journal persists committed chunks. Append must write the whole batch or fail; it's called
// before the batch becomes visible in a Ledger's live set.
type Journal interface {
	Append(chunks []Chunk) error
}

// FileJournal appends to a tracker file on disk.
type FileJournal struct {
	Path string
}

var _ Journal = FileJournal{}

// Append writes every chunk line of the batch with a single write to the file opened in append
// mode, so concurrent appenders can't interleave inside a line. A failed write is truncated away.
func (me FileJournal) Append(chunks []Chunk) (err error) {
	for _, c := range chunks {
		if err = c.Source.Validate(); err != nil {
			return fmt.Errorf("chunk %v: %w", c, err)
		}
	}
	f, err := os.OpenFile(me.Path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return
	}
	defer func() {
		closeErr := f.Close()
		if err == nil {
			err = closeErr
		}
	}()
	fi, err := f.Stat()
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			f.Truncate(fi.Size())
		}
	}()
	if err = ensureTrailingNewline(f, me.Path, fi.Size()); err != nil {
		return
	}
	b := chunkLines(chunks)
	n, err := f.Write(b)
	if err == nil && n != len(b) {
		err = io.ErrShortWrite
	}
	return
}

// Tracker files written by hand or by older tools may lack a final newline. Appending straight
// after would join two records.
func ensureTrailingNewline(f *os.File, path string, size int64) error {
	if size == 0 {
		return nil
	}
	r, err := os.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	var last [1]byte
	if _, err := r.ReadAt(last[:], size-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

// JournalFunc adapts a function to a Journal.
type JournalFunc func([]Chunk) error

func (f JournalFunc) Append(chunks []Chunk) error {
	return f(chunks)
}

// MultiJournal appends to each journal in order, stopping at the first failure. Journals that
// already took the batch keep it, so ones that can't safely see a batch twice go last.
type MultiJournal []Journal

func (me MultiJournal) Append(chunks []Chunk) error {
	for _, j := range me {
		if err := j.Append(chunks); err != nil {
			return err
		}
	}
	return nil
}
