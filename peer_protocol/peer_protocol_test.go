package peer_protocol

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/anacrolix/chunkledger/connections"
	"github.com/anacrolix/chunkledger/storage"
)

func serveFile(t *testing.T, name, contents string) string {
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	f, err := storage.Open(p, true)
	require.NoError(t, err)
	var files storage.Set
	files.Add(name, f)
	t.Cleanup(func() { files.Close() })
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go connections.NewManager(2).Serve(ctx, l, NewHandler(&files).Handle)
	return l.Addr().String()
}

func TestParseRequest(t *testing.T) {
	req := Request{Filename: "movie", Start: 1024, End: 2047}
	assert.Equal(t, "<GET CHUNK movie 1024 2047>", req.Message())
	got, err := ParseRequest(req.Message())
	require.NoError(t, err)
	assert.Equal(t, req, got)
	for _, bad := range []string{
		"<GET movie.track>",
		"<GET CHUNK movie 5 4>",
		"<GET CHUNK ../movie 0 4>",
		"<GET CHUNK movie x 4>",
	} {
		_, err := ParseRequest(bad)
		assert.Error(t, err, bad)
	}
}

func TestReplyHeader(t *testing.T) {
	h := ReplyHeader{Start: 5, Length: 3}
	got, err := ParseReplyHeader(h.Message())
	require.NoError(t, err)
	assert.Equal(t, h, got)
	_, err = ParseReplyHeader(Invalid)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFetch(t *testing.T) {
	addr := serveFile(t, "movie", "hello, world")
	var f Fetcher
	ctx := context.Background()
	b, err := f.Fetch(ctx, addr, Request{"movie", 0, 4})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	// The last chunk's range ends at the file size and is clipped.
	b, err = f.Fetch(ctx, addr, Request{"movie", 7, 12})
	require.NoError(t, err)
	assert.Equal(t, "world", string(b))
	_, err = f.Fetch(ctx, addr, Request{"other", 0, 4})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = f.Fetch(ctx, addr, Request{"movie", 12, 20})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFetchRateLimited(t *testing.T) {
	addr := serveFile(t, "movie", "0123456789abcdef")
	f := Fetcher{RateLimiter: rate.NewLimiter(rate.Every(time.Millisecond), 4)}
	b, err := f.Fetch(context.Background(), addr, Request{"movie", 0, 15})
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", string(b))
}

func TestFetchCanceled(t *testing.T) {
	// A listener that never accepts leaves the request unanswered.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var f Fetcher
	_, err = f.Fetch(ctx, l.Addr().String(), Request{"movie", 0, 4})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandlerRejectsJunk(t *testing.T) {
	addr := serveFile(t, "movie", "hello")
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	_, err = io.WriteString(c, "<GET movie.track>")
	require.NoError(t, err)
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, Invalid+"\n", string(b))
}
