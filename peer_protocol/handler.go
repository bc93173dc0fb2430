package peer_protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/anacrolix/log"

	"github.com/anacrolix/chunkledger/storage"
	"github.com/anacrolix/chunkledger/tracker"
)

// Handler serves chunk requests from the files in a storage.Set. Its Handle method fits
// connections.Handler.
type Handler struct {
	Files  *storage.Set
	Logger log.Logger
}

func NewHandler(files *storage.Set) *Handler {
	return &Handler{
		Files:  files,
		Logger: log.Default.WithNames("peer_protocol"),
	}
}

func (me *Handler) Handle(ctx context.Context, slot int, conn net.Conn) error {
	msg, err := tracker.ReadMessage(bufio.NewReader(conn), tracker.DefaultMaxMessageSize)
	if err != nil {
		return fmt.Errorf("reading request: %w", err)
	}
	req, err := ParseRequest(msg)
	if err != nil {
		io.WriteString(conn, Invalid+"\n")
		return err
	}
	f, ok := me.Files.Get(req.Filename).AsTuple()
	if !ok {
		io.WriteString(conn, Invalid+"\n")
		return fmt.Errorf("not serving %q", req.Filename)
	}
	r, err := f.SectionReader(req.Start, req.End)
	if err != nil {
		io.WriteString(conn, Invalid+"\n")
		return err
	}
	h := ReplyHeader{Start: req.Start, Length: r.Size()}
	if _, err = io.WriteString(conn, h.Message()+"\n"); err != nil {
		return err
	}
	n, err := io.Copy(conn, r)
	me.Logger.Levelf(log.Debug, "slot %v: sent %v bytes of %q at %v to %v",
		slot, n, req.Filename, req.Start, conn.RemoteAddr())
	return err
}
