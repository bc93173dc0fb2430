package chunkledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/chunkledger/connections"
	"github.com/anacrolix/chunkledger/ledger"
	"github.com/anacrolix/chunkledger/peer_protocol"
	"github.com/anacrolix/chunkledger/storage"
	"github.com/anacrolix/chunkledger/tracker"
)

// Client is a peer. It seeds files it holds and downloads files other peers advertise.
type Client struct {
	config  *ClientConfig
	logger  log.Logger
	tracker *tracker.Client
	fetcher peer_protocol.Fetcher
	// Files being seeded, by shared filename.
	files storage.Set

	closeCtx    context.Context
	cancelClose context.CancelFunc

	peersMu sync.Mutex
	peers   *peerServer
}

var errClientClosed = errors.New("client closed")

// Serves chunk requests for every seeded file. There's one per client so MaxPeers bounds all
// seeding together.
type peerServer struct {
	listener net.Listener
	slots    *connections.Manager
	// Closed when Serve returns, after which err is set.
	done chan struct{}
	err  error
}

func NewClient(cfg *ClientConfig) (_ *Client, err error) {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	if err = cfg.validate(); err != nil {
		return
	}
	for _, dir := range []string{cfg.DataDir, cfg.LedgerDir} {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return
		}
	}
	cl := &Client{
		config: cfg,
		logger: cfg.Logger,
		fetcher: peer_protocol.Fetcher{
			Dialer:      cfg.Dialer,
			RateLimiter: cfg.DownloadRateLimiter,
		},
	}
	cl.closeCtx, cl.cancelClose = context.WithCancel(context.Background())
	cl.tracker = tracker.NewClient(cfg.TrackerAddr())
	cl.tracker.Dialer = cfg.Dialer
	return cl, nil
}

func (cl *Client) Tracker() *tracker.Client {
	return cl.tracker
}

// Close stops serving seeded files.
func (cl *Client) Close() error {
	cl.cancelClose()
	cl.peersMu.Lock()
	ps := cl.peers
	cl.peersMu.Unlock()
	if ps != nil {
		<-ps.done
	}
	return cl.files.Close()
}

// Returns the peer server, starting it on first use.
func (cl *Client) servePeers() (*peerServer, error) {
	cl.peersMu.Lock()
	defer cl.peersMu.Unlock()
	if cl.peers != nil {
		return cl.peers, nil
	}
	if cl.closeCtx.Err() != nil {
		return nil, errClientClosed
	}
	l, err := net.Listen("tcp", cl.config.ListenAddr())
	if err != nil {
		return nil, err
	}
	ps := &peerServer{
		listener: l,
		slots:    connections.NewManager(cl.config.MaxPeers),
		done:     make(chan struct{}),
	}
	ps.slots.Logger = cl.logger.WithNames("slots")
	go func() {
		defer close(ps.done)
		ps.err = ps.slots.Serve(cl.closeCtx, l, peer_protocol.NewHandler(&cl.files).Handle)
		cl.logger.Levelf(log.Debug, "stopped serving peers on %v: %v", l.Addr(), ps.err)
	}()
	cl.logger.Levelf(log.Info, "serving peers on %v", l.Addr())
	cl.peers = ps
	return ps, nil
}

func (cl *Client) localLedgerPath(filename string) string {
	return filepath.Join(cl.config.LedgerDir, ledger.TrackerFileName(filename))
}

// Fetches a file's ledger from the tracker and keeps a copy in the ledger dir.
func (cl *Client) fetchLedger(ctx context.Context, filename string) (tf ledger.TrackedFile, chunks []ledger.Chunk, err error) {
	b, err := cl.tracker.Get(ctx, ledger.TrackerFileName(filename))
	if err != nil {
		err = fmt.Errorf("getting ledger: %w", err)
		return
	}
	tf, chunks, err = ledger.ParseTrackerFile(bytes.NewReader(b))
	if err != nil {
		err = fmt.Errorf("parsing ledger: %w", err)
		return
	}
	if tf.Filename != filename {
		err = fmt.Errorf("ledger is for %q", tf.Filename)
		return
	}
	err = os.WriteFile(cl.localLedgerPath(filename), b, 0o644)
	return
}

// The address other peers should use to reach us on port.
func (cl *Client) self(ctx context.Context, port int) (s ledger.Source, err error) {
	s.Port = port
	if ip, ok := cl.config.PublicIP.AsTuple(); ok {
		s.IP = ip
	} else {
		s.IP, err = cl.tracker.LocalIP(ctx)
		if err != nil {
			err = fmt.Errorf("determining advertised ip: %w", err)
			return
		}
	}
	err = s.Validate()
	return
}
