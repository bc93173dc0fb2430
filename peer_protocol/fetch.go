package peer_protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"

	"golang.org/x/time/rate"

	"github.com/anacrolix/chunkledger/tracker"
)

// Fetcher retrieves chunks from other peers.
type Fetcher struct {
	// Defaults to a net.Dialer.
	Dialer tracker.Dialer
	// Limits the rate chunk bytes are read, if set.
	RateLimiter *rate.Limiter
}

// Fetch requests req from the peer at addr and returns the bytes it sends. The peer clips the
// range to the file, so fewer than End-Start+1 bytes may be returned.
func (me *Fetcher) Fetch(ctx context.Context, addr string, req Request) (_ []byte, err error) {
	dialer := me.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing peer: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	b, err := me.exchange(ctx, conn, req)
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w (%v)", ctx.Err(), err)
	}
	return b, err
}

func (me *Fetcher) exchange(ctx context.Context, conn net.Conn, req Request) (_ []byte, err error) {
	if _, err = io.WriteString(conn, req.Message()); err != nil {
		return
	}
	br := bufio.NewReader(conn)
	msg, err := tracker.ReadMessage(br, tracker.DefaultMaxMessageSize)
	if err != nil {
		return nil, fmt.Errorf("reading reply header: %w", err)
	}
	h, err := ParseReplyHeader(msg)
	if err != nil {
		return
	}
	if h.Start != req.Start || h.Length > req.End-req.Start+1 {
		return nil, fmt.Errorf("reply %q doesn't match request %q", msg, req.Message())
	}
	if b, err := br.ReadByte(); err != nil || b != '\n' {
		return nil, fmt.Errorf("reply header not terminated: %q %v", b, err)
	}
	var r io.Reader = br
	if me.RateLimiter != nil {
		r = &rateLimitedReader{ctx: ctx, l: me.RateLimiter, r: r}
	}
	b := make([]byte, h.Length)
	if _, err = io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("reading %v chunk bytes: %w", h.Length, err)
	}
	return b, nil
}
