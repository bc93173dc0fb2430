package tracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/anacrolix/log"

	"github.com/anacrolix/chunkledger/internal/md5x"
)

var (
	// The tracker replied ferr to createtracker.
	ErrFileExists = errors.New("tracker file already exists")
	// The tracker replied ferr to updatetracker, or GET invalid.
	ErrNoSuchFile = errors.New("no such tracker file")
	// The tracker replied fail.
	ErrFailed         = errors.New("tracker reported failure")
	ErrDigestMismatch = errors.New("ledger digest mismatch")
)

// Bound on the size of a ledger fetched with GET.
const DefaultMaxLedgerSize = 64 << 20

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Client issues requests to a tracker. Each request uses its own connection. Use NewClient to
// get the default logger.
type Client struct {
	// Address of the tracker, host:port.
	Addr string
	// Defaults to a net.Dialer.
	Dialer         Dialer
	MaxMessageSize int
	MaxLedgerSize  int64
	Logger         log.Logger
}

func NewClient(addr string) *Client {
	return &Client{
		Addr:   addr,
		Logger: log.Default.WithNames("tracker", "client"),
	}
}

func (cl *Client) dialer() Dialer {
	if cl.Dialer == nil {
		return &net.Dialer{}
	}
	return cl.Dialer
}

func (cl *Client) maxMessageSize() int {
	if cl.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return cl.MaxMessageSize
}

// Sends req on a fresh connection and passes the connection to handle for reading the reply.
func (cl *Client) roundTrip(ctx context.Context, req Request, handle func(net.Conn, *bufio.Reader) error) error {
	conn, err := cl.dialer().DialContext(ctx, "tcp", cl.Addr)
	if err != nil {
		return fmt.Errorf("dialing tracker: %w", err)
	}
	defer conn.Close()
	// Unblock reads and writes if the context ends. The protocol itself has no timeouts.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	cl.Logger.Levelf(log.Debug, "sending %q to %v", req.Message(), cl.Addr)
	if _, err = io.WriteString(conn, req.Message()); err != nil {
		return cl.ctxErr(ctx, fmt.Errorf("writing request: %w", err))
	}
	err = handle(conn, bufio.NewReader(conn))
	return cl.ctxErr(ctx, err)
}

func (cl *Client) ctxErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w (%v)", ctx.Err(), err)
	}
	return err
}

func (cl *Client) statusRoundTrip(ctx context.Context, req Request) (st Status, err error) {
	err = cl.roundTrip(ctx, req, func(_ net.Conn, r *bufio.Reader) error {
		msg, err := ReadMessage(r, cl.maxMessageSize())
		if err != nil {
			return fmt.Errorf("reading reply: %w", err)
		}
		st, err = ParseStatusReply(req.Command(), msg)
		return err
	})
	return
}

// CreateTracker asks the tracker to start a ledger for a file. ErrFileExists is returned if it
// already has one.
func (cl *Client) CreateTracker(ctx context.Context, req CreateTracker) error {
	st, err := cl.statusRoundTrip(ctx, req)
	if err != nil {
		return err
	}
	switch st {
	case StatusFerr:
		return ErrFileExists
	case StatusFail:
		return ErrFailed
	}
	return nil
}

// UpdateTracker appends an advertisement to a file's ledger. The tracker stamps it with its own
// clock.
func (cl *Client) UpdateTracker(ctx context.Context, req UpdateTracker) error {
	st, err := cl.statusRoundTrip(ctx, req)
	if err != nil {
		return err
	}
	switch st {
	case StatusFerr:
		return ErrNoSuchFile
	case StatusFail:
		return ErrFailed
	}
	return nil
}

func (cl *Client) list(ctx context.Context) (entries []ListEntry, localAddr net.Addr, err error) {
	err = cl.roundTrip(ctx, ReqList{}, func(conn net.Conn, r *bufio.Reader) error {
		localAddr = conn.LocalAddr()
		msg, err := ReadMessage(r, cl.maxMessageSize())
		if err != nil {
			return fmt.Errorf("reading list header: %w", err)
		}
		n, err := ParseListHeader(msg)
		if err != nil {
			return err
		}
		for {
			msg, err = ReadMessage(r, cl.maxMessageSize())
			if err != nil {
				return fmt.Errorf("reading list entry %v: %w", len(entries)+1, err)
			}
			if msg == ListEnd {
				break
			}
			e, err := ParseListEntry(msg)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		if len(entries) != n {
			return fmt.Errorf("tracker declared %v ledgers but sent %v", n, len(entries))
		}
		return nil
	})
	return
}

// List returns the summaries of every ledger the tracker holds.
func (cl *Client) List(ctx context.Context) ([]ListEntry, error) {
	entries, _, err := cl.list(ctx)
	return entries, err
}

// LocalIP issues a REQ LIST and returns the local IP used to reach the tracker. Peers advertise
// this address when they aren't configured with one.
func (cl *Client) LocalIP(ctx context.Context) (string, error) {
	_, addr, err := cl.list(ctx)
	if err != nil {
		return "", err
	}
	host, _, err := net.SplitHostPort(addr.String())
	return host, err
}

// Get fetches a tracker file by name, reading until the tracker closes the connection, and
// verifies the ledger digest in the trailer.
func (cl *Client) Get(ctx context.Context, trackerFile string) (body []byte, err error) {
	limit := cl.MaxLedgerSize
	if limit <= 0 {
		limit = DefaultMaxLedgerSize
	}
	err = cl.roundTrip(ctx, Get{trackerFile}, func(_ net.Conn, r *bufio.Reader) error {
		b, err := io.ReadAll(io.LimitReader(r, limit+int64(cl.maxMessageSize())))
		if err != nil {
			return fmt.Errorf("reading ledger: %w", err)
		}
		var digest string
		body, digest, err = SplitGetReply(b)
		if err != nil {
			return err
		}
		if got := md5x.Hex(body); got != digest {
			return fmt.Errorf("%w: trailer has %q, computed %q", ErrDigestMismatch, digest, got)
		}
		cl.Logger.Levelf(log.Debug, "got %v byte ledger %q", len(body), trackerFile)
		return nil
	})
	return
}
