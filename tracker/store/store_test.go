package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/anacrolix/chunkledger/ledger"
)

var testFile = ledger.TrackedFile{
	Filename:      "test",
	Filesize:      1000,
	Description:   "demo",
	ContentDigest: "deadbeef",
}

var creator = ledger.Chunk{
	Source:    ledger.Source{IP: "127.0.0.1", Port: 9000},
	End:       1000,
	Timestamp: 1700000000,
}

func newStore(t *testing.T) *Store {
	s, err := New(t.TempDir())
	qt.Assert(t, qt.IsNil(err))
	return s
}

func TestCreateThenExists(t *testing.T) {
	s := newStore(t)
	qt.Assert(t, qt.IsNil(s.Create(testFile, creator)))
	before, err := s.Read("test.track")
	qt.Assert(t, qt.IsNil(err))
	err = s.Create(testFile, creator)
	qt.Assert(t, qt.IsTrue(IsExist(err)))
	after, err := s.Read("test.track")
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.DeepEquals(after, before))
	tf, chunks, err := s.Load("test")
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(tf, testFile))
	qt.Check(t, qt.DeepEquals(chunks, []ledger.Chunk{creator}))
}

func TestAppendMissing(t *testing.T) {
	s := newStore(t)
	err := s.Append("nope", creator)
	qt.Check(t, qt.IsTrue(IsNotExist(err)))
	_, err = os.Stat(filepath.Join(s.Dir, "nope.track"))
	qt.Check(t, qt.IsTrue(os.IsNotExist(err)))
}

func TestAppendOutOfRange(t *testing.T) {
	s := newStore(t)
	qt.Assert(t, qt.IsNil(s.Create(testFile, creator)))
	c := creator
	c.Start, c.End = 990, 1001
	qt.Check(t, qt.ErrorIs(s.Append("test", c), ErrOutOfRange))
}

func TestConcurrentAppendsAreWholeLines(t *testing.T) {
	s := newStore(t)
	qt.Assert(t, qt.IsNil(s.Create(testFile, creator)))
	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := ledger.Chunk{
				Source:    ledger.Source{IP: "10.0.0.1", Port: 1000 + i},
				Start:     int64(i),
				End:       int64(i + 10),
				Timestamp: int64(i),
			}
			qt.Check(t, qt.IsNil(s.Append("test", c)))
		}()
	}
	wg.Wait()
	_, chunks, err := s.Load("test")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(chunks, n+1))
	seen := make(map[int]bool)
	for _, c := range chunks[1:] {
		qt.Check(t, qt.Equals(c.End-c.Start, 10))
		seen[c.Port] = true
	}
	qt.Check(t, qt.HasLen(seen, n))
}

func TestListSkipsUnreadableAndOtherFiles(t *testing.T) {
	s := newStore(t)
	qt.Assert(t, qt.IsNil(s.Create(testFile, creator)))
	other := testFile
	other.Filename = "alpha"
	other.Filesize = 5
	qt.Assert(t, qt.IsNil(s.Create(other, ledger.Chunk{Source: creator.Source, End: 5})))
	qt.Assert(t, qt.IsNil(os.WriteFile(filepath.Join(s.Dir, "junk.track"), []byte("garbage\n"), 0o644)))
	qt.Assert(t, qt.IsNil(os.WriteFile(filepath.Join(s.Dir, "notes.txt"), []byte("hi"), 0o644)))
	sums, err := s.List()
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.DeepEquals(sums, []Summary{
		{TrackerFile: "alpha.track", Filename: "alpha", Filesize: 5, Digest: "deadbeef"},
		{TrackerFile: "test.track", Filename: "test", Filesize: 1000, Digest: "deadbeef"},
	}))
}

func TestReadRejectsPaths(t *testing.T) {
	s := newStore(t)
	for _, name := range []string{"../x.track", "a/b.track", ".."} {
		_, err := s.Read(name)
		qt.Check(t, qt.IsNotNil(err), qt.Commentf("%q", name))
	}
}

func TestReadIsExactFileBytes(t *testing.T) {
	s := newStore(t)
	qt.Assert(t, qt.IsNil(s.Create(testFile, creator)))
	b, err := s.Read("test.track")
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(bytes.HasPrefix(b, []byte("Filename: test\n"))))
	qt.Check(t, qt.IsTrue(strings.HasSuffix(string(b), fmt.Sprintf("%s\n", creator.Line()))))
}
