package chunkledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/chunkledger/connections"
	"github.com/anacrolix/chunkledger/internal/md5x"
	"github.com/anacrolix/chunkledger/ledger"
	"github.com/anacrolix/chunkledger/segments"
	"github.com/anacrolix/chunkledger/storage"
	"github.com/anacrolix/chunkledger/tracker"
)

// Seed shares the file at path. It registers the file with the tracker if no ledger exists,
// serves chunk requests from other peers, and advertises this peer's share of segments one per
// UpdateInterval, starting immediately. It returns when ctx is done or serving fails.
func (cl *Client) Seed(ctx context.Context, path, description string) error {
	s, err := cl.StartSeeding(ctx, path, description)
	if err != nil {
		return err
	}
	return s.Wait()
}

// Seeding is a file being seeded. Listener and Slots are shared by every file the client seeds.
type Seeding struct {
	File     ledger.TrackedFile
	Self     ledger.Source
	Ledger   *ledger.Ledger
	Listener net.Listener
	Slots    *connections.Manager

	eg *errgroup.Group
	// Closed when every owned segment has been advertised.
	advertised chan struct{}
}

// Wait blocks until seeding stops.
func (me *Seeding) Wait() error {
	return me.eg.Wait()
}

// Advertised is closed once this peer's share of segments is all in the ledger.
func (me *Seeding) Advertised() <-chan struct{} {
	return me.advertised
}

// StartSeeding does the setup of Seed, then runs serving and advertising in the background.
func (cl *Client) StartSeeding(ctx context.Context, path, description string) (_ *Seeding, err error) {
	firstSeg, lastSeg, err := segments.Assign(cl.config.PeerIndex, cl.config.NumSeeders)
	if err != nil {
		return
	}
	name := filepath.Base(path)
	if err = ledger.ValidateFilename(name); err != nil {
		return
	}
	digest, err := md5x.File(path, int(cl.config.ChunkSize))
	if err != nil {
		err = fmt.Errorf("digesting %q: %w", path, err)
		return
	}
	f, err := storage.Open(path, cl.config.Mmap)
	if err != nil {
		return
	}
	if !cl.files.Add(name, f) {
		f.Close()
		err = fmt.Errorf("already seeding %q", name)
		return
	}
	defer func() {
		if err != nil {
			cl.files.Remove(name)
		}
	}()
	ps, err := cl.servePeers()
	if err != nil {
		return
	}
	l := ps.listener
	self, err := cl.self(ctx, l.Addr().(*net.TCPAddr).Port)
	if err != nil {
		return
	}
	tf := ledger.TrackedFile{
		Filename:      name,
		Filesize:      f.Size(),
		Description:   description,
		ContentDigest: digest,
	}
	err = cl.tracker.CreateTracker(ctx, tracker.CreateTracker{File: tf, Source: self})
	switch {
	case err == nil:
		cl.logger.Levelf(log.Info, "registered %q (%s) with tracker", name, humanize.Bytes(uint64(tf.Filesize)))
	case errors.Is(err, tracker.ErrFileExists):
		cl.logger.Levelf(log.Info, "tracker already has a ledger for %q", name)
	default:
		err = fmt.Errorf("creating tracker: %w", err)
		return
	}
	got, chunks, err := cl.fetchLedger(ctx, name)
	if err != nil {
		return
	}
	if got.Filesize != tf.Filesize || got.ContentDigest != tf.ContentDigest {
		err = fmt.Errorf("tracker's ledger for %q describes different content", name)
		return
	}
	s := &Seeding{
		File:       got,
		Self:       self,
		Listener:   l,
		Slots:      ps.slots,
		advertised: make(chan struct{}),
	}
	// Each chunk is announced to the tracker before the batch lands in our copy of the ledger. A
	// failed announcement leaves the local copy untouched, and the segment is retried whole.
	s.Ledger = ledger.New(got, ledger.MultiJournal{
		ledger.JournalFunc(func(batch []ledger.Chunk) error {
			return cl.announce(ctx, name, batch)
		}),
		ledger.FileJournal{Path: cl.localLedgerPath(name)},
	}, chunks...)
	s.eg, ctx = errgroup.WithContext(ctx)
	s.eg.Go(func() error {
		defer cl.files.Remove(name)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ps.done:
			return fmt.Errorf("serving peers: %w", ps.err)
		}
	})
	s.eg.Go(func() error {
		cl.advertise(ctx, s, segments.New(tf.Filesize, cl.config.ChunkSize), firstSeg, lastSeg)
		return nil
	})
	cl.logger.Levelf(log.Info, "seeding %q as %v, advertising segments %v-%v", name, self, firstSeg, lastSeg)
	return s, nil
}

func (cl *Client) announce(ctx context.Context, filename string, batch []ledger.Chunk) error {
	for _, c := range batch {
		err := cl.tracker.UpdateTracker(ctx, tracker.UpdateTracker{
			Filename: filename,
			Start:    c.Start,
			End:      c.End,
			Source:   c.Source,
		})
		if err != nil {
			return fmt.Errorf("announcing %v: %w", c, err)
		}
	}
	return nil
}

// Advertises segments first through last, one per update interval. A segment that fails is
// retried at the next interval.
func (cl *Client) advertise(ctx context.Context, s *Seeding, plan segments.Plan, first, last int) {
	ticker := time.NewTicker(cl.config.UpdateInterval)
	defer ticker.Stop()
	for next := first; ; {
		chunks, err := s.Ledger.AppendSegment(plan, next, s.Self, time.Now())
		if err != nil {
			cl.logger.Levelf(log.Warning, "advertising segment %v of %q: %v", next, s.File.Filename, err)
		} else {
			cl.logger.Levelf(log.Debug, "advertised segment %v of %q (%v chunks)", next, s.File.Filename, len(chunks))
			next++
		}
		if next > last {
			close(s.advertised)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
