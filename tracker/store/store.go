// Package store keeps a tracker's ledgers as tracker files in one directory.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/chunkledger/ledger"
)

var (
	ErrExists   = fs.ErrExist
	ErrNotExist = fs.ErrNotExist
	// An advertised range extends past the end of the shared file.
	ErrOutOfRange = errors.New("chunk out of range")
)

// Summary is the header information REQ LIST reports for a ledger.
type Summary struct {
	// Name of the tracker file in the store directory.
	TrackerFile string
	Filename    string
	Filesize    int64
	Digest      string
}

// Store serializes every operation on its directory behind one lock. No two operations
// interleave, so appends can't corrupt each other, and existence checks can't race with
// creation.
type Store struct {
	Dir    string
	Logger log.Logger

	mu sync.Mutex
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		Dir:    dir,
		Logger: log.Default.WithNames("tracker", "store"),
	}, nil
}

func (s *Store) path(trackerFile string) (string, error) {
	if err := ledger.ValidateFilename(trackerFile); err != nil {
		return "", err
	}
	return filepath.Join(s.Dir, trackerFile), nil
}

// Create starts the ledger for tf with the creator's advertisement. It returns an error matching
// ErrExists if the file already has a ledger, leaving it untouched.
func (s *Store) Create(tf ledger.TrackedFile, first ledger.Chunk) error {
	p, err := s.path(ledger.TrackerFileName(tf.Filename))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ledger.CreateFile(p, tf, first)
}

// Append adds one advertisement to the ledger of the named shared file. It returns an error
// matching ErrNotExist if there's no such ledger, and ErrOutOfRange if the chunk ends past the
// file.
func (s *Store) Append(filename string, c ledger.Chunk) error {
	p, err := s.path(ledger.TrackerFileName(filename))
	if err != nil {
		return err
	}
	if err = c.Source.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tf, err := readHeaderFile(p)
	if err != nil {
		return err
	}
	if c.Start < 0 || c.Start > c.End || c.End > tf.Filesize {
		return fmt.Errorf("%w: [%v, %v] in file of size %v", ErrOutOfRange, c.Start, c.End, tf.Filesize)
	}
	return ledger.FileJournal{Path: p}.Append([]ledger.Chunk{c})
}

func readHeaderFile(path string) (tf ledger.TrackedFile, err error) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	return ledger.ReadHeader(f)
}

// List summarizes every tracker file in the store, ordered by name. Only headers are read.
// Files whose headers can't be read are left out.
func (s *Store) List() (ret []Summary, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ledger.Ext) {
			continue
		}
		sum, err := s.summarize(e.Name())
		if err != nil {
			s.Logger.Levelf(log.Warning, "skipping %q in list: %v", e.Name(), err)
			continue
		}
		ret = append(ret, sum)
	}
	slices.SortFunc(ret, func(a, b Summary) int {
		return strings.Compare(a.TrackerFile, b.TrackerFile)
	})
	return
}

func (s *Store) summarize(name string) (sum Summary, err error) {
	tf, err := readHeaderFile(filepath.Join(s.Dir, name))
	if err != nil {
		return
	}
	return Summary{
		TrackerFile: name,
		Filename:    tf.Filename,
		Filesize:    tf.Filesize,
		Digest:      tf.ContentDigest,
	}, nil
}

// Read returns the contents of a tracker file. It's read whole under the lock so a concurrent
// append is either entirely included or not at all.
func (s *Store) Read(trackerFile string) ([]byte, error) {
	p, err := s.path(trackerFile)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Load parses the ledger of the named shared file.
func (s *Store) Load(filename string) (tf ledger.TrackedFile, chunks []ledger.Chunk, err error) {
	b, err := s.Read(ledger.TrackerFileName(filename))
	if err != nil {
		return
	}
	tf, chunks, err = ledger.ParseTrackerFile(bytes.NewReader(b))
	if err != nil {
		err = fmt.Errorf("parsing ledger for %q: %w", filename, err)
	}
	return
}

// IsNotExist reports whether err means a ledger is missing.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// IsExist reports whether err means a ledger is already present.
func IsExist(err error) bool {
	return errors.Is(err, ErrExists)
}
