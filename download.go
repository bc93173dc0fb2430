package chunkledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/chunkledger/internal/md5x"
	"github.com/anacrolix/chunkledger/ledger"
	"github.com/anacrolix/chunkledger/peer_protocol"
	"github.com/anacrolix/chunkledger/segments"
	"github.com/anacrolix/chunkledger/storage"
	"github.com/anacrolix/chunkledger/tracker"
)

var ErrContentDigestMismatch = errors.New("downloaded content digest mismatch")

// Suffix of files while they're being downloaded.
const partialExt = ".part"

// Download fetches the named shared file into the data dir and returns its path. It waits for
// the tracker to list the file, then fetches chunks in rounds: each round reloads the ledger and
// requests every missing chunk from its newest advertiser. Rounds are UpdateInterval apart.
func (cl *Client) Download(ctx context.Context, filename string) (_ string, err error) {
	if err = ledger.ValidateFilename(filename); err != nil {
		return
	}
	entry, err := cl.waitForListing(ctx, filename)
	if err != nil {
		return
	}
	partPath := filepath.Join(cl.config.DataDir, filename+partialExt)
	w, err := storage.Create(partPath, entry.Filesize)
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			w.Close()
			os.Remove(partPath)
		}
	}()
	plan := segments.New(entry.Filesize, cl.config.ChunkSize)
	missing := make(map[int]segments.Extent, plan.NumChunks())
	for i, e := range plan.AllChunks() {
		missing[i] = e
	}
	cl.logger.Levelf(log.Info, "downloading %q (%s, %v chunks)",
		filename, humanize.Bytes(uint64(entry.Filesize)), len(missing))
	var tf ledger.TrackedFile
	for round := 1; ; round++ {
		var chunks []ledger.Chunk
		tf, chunks, err = cl.fetchLedger(ctx, filename)
		if err != nil {
			return
		}
		if tf.Filesize != entry.Filesize {
			err = fmt.Errorf("ledger filesize %v doesn't match listing %v", tf.Filesize, entry.Filesize)
			return
		}
		if len(missing) != 0 {
			// No journal: the downloader only reads the ledger.
			led := ledger.New(tf, nil, chunks...)
			cl.logger.Levelf(log.Debug, "round %v of %q: ledger has %v advertisements", round, filename, led.NumLive())
			if err = cl.fetchRound(ctx, led, w, missing); err != nil {
				return
			}
		}
		if len(missing) == 0 {
			break
		}
		cl.logger.Levelf(log.Info, "round %v of %q left %v chunks missing", round, filename, len(missing))
		select {
		case <-ctx.Done():
			err = ctx.Err()
			return
		case <-time.After(cl.config.UpdateInterval):
		}
	}
	digest, err := md5x.Reader(w.Reader(), int(cl.config.ChunkSize))
	if err != nil {
		return
	}
	if digest != tf.ContentDigest {
		err = fmt.Errorf("%w: ledger has %v, got %v", ErrContentDigestMismatch, tf.ContentDigest, digest)
		return
	}
	if err = w.Close(); err != nil {
		return
	}
	finalPath := filepath.Join(cl.config.DataDir, filename)
	if err = os.Rename(partPath, finalPath); err != nil {
		os.Remove(partPath)
		return
	}
	cl.logger.Levelf(log.Info, "downloaded %q to %q", filename, finalPath)
	return finalPath, nil
}

// Polls REQ LIST until the file appears.
func (cl *Client) waitForListing(ctx context.Context, filename string) (tracker.ListEntry, error) {
	for {
		entries, err := cl.tracker.List(ctx)
		if err != nil {
			return tracker.ListEntry{}, fmt.Errorf("listing tracker: %w", err)
		}
		for _, e := range entries {
			if e.Filename == filename {
				return e, nil
			}
		}
		cl.logger.Levelf(log.Debug, "tracker doesn't list %q yet", filename)
		select {
		case <-ctx.Done():
			return tracker.ListEntry{}, ctx.Err()
		case <-time.After(cl.config.UpdateInterval):
		}
	}
}

// Chooses the advertisement to fetch a chunk from: the newest exact match, or failing that the
// best advertisement covering it.
func chooseSource(led *ledger.Ledger, e segments.Extent) (ledger.Chunk, bool) {
	i := led.FindNextChunk(e.Start, e.Last())
	if i == ledger.NoNextChunk {
		i = led.FindCoveringChunk(e.Start, e.Last())
	}
	if i == ledger.NoNextChunk {
		return ledger.Chunk{}, false
	}
	return led.Chunk(i), true
}

// Fetches missing chunks with up to MaxPeers requests in flight, removing each one that's
// written. Failed fetches are left for the next round. Only write failures are returned.
func (cl *Client) fetchRound(ctx context.Context, led *ledger.Ledger, w *storage.Writer, missing map[int]segments.Extent) error {
	var (
		mu   sync.Mutex
		done []int
	)
	var eg errgroup.Group
	eg.SetLimit(cl.config.MaxPeers)
	filesize := led.File.Filesize
	for i, e := range missing {
		src, ok := chooseSource(led, e)
		if !ok {
			continue
		}
		eg.Go(func() error {
			req := peer_protocol.Request{Filename: led.File.Filename, Start: e.Start, End: e.Last()}
			b, err := cl.fetcher.Fetch(ctx, src.HostPort(), req)
			if err != nil {
				cl.logger.Levelf(log.Debug, "fetching chunk %v from %v: %v", i, src.Source, err)
				return nil
			}
			// Ranges are clipped to the real file, which ends one byte before the ledger's last
			// chunk does.
			if expected := min(e.Last(), filesize-1) - e.Start + 1; int64(len(b)) != expected {
				cl.logger.Levelf(log.Debug, "chunk %v from %v: got %v bytes, expected %v", i, src.Source, len(b), expected)
				return nil
			}
			if _, err := w.WriteAt(b, e.Start); err != nil {
				return fmt.Errorf("writing chunk %v: %w", i, err)
			}
			mu.Lock()
			done = append(done, i)
			mu.Unlock()
			return nil
		})
	}
	err := eg.Wait()
	for _, i := range done {
		delete(missing, i)
	}
	return err
}
