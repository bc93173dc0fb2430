package peer_protocol

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Charges the limiter for bytes after they're read, so a read never blocks waiting for tokens it
// might not use.
type rateLimitedReader struct {
	ctx context.Context
	l   *rate.Limiter
	r   io.Reader
}

func (me *rateLimitedReader) Read(b []byte) (n int, err error) {
	if burst := me.l.Burst(); burst != 0 {
		b = b[:min(len(b), burst)]
	}
	n, err = me.r.Read(b)
	if n == 0 || me.l.Limit() == rate.Inf {
		return
	}
	if waitErr := me.l.WaitN(me.ctx, n); waitErr != nil && err == nil {
		err = waitErr
	}
	return
}
