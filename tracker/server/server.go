// Package server dispatches tracker protocol requests to a ledger store. Each connection carries
// one request and its reply.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/anacrolix/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/anacrolix/chunkledger/connections"
	"github.com/anacrolix/chunkledger/internal/md5x"
	"github.com/anacrolix/chunkledger/ledger"
	"github.com/anacrolix/chunkledger/tracker"
	"github.com/anacrolix/chunkledger/tracker/store"
)

// Size of the writes a GET reply is sent in.
const DefaultFrameSize = 1024

var tracer = otel.Tracer("chunkledger.tracker.server")

type Server struct {
	Store *store.Store
	// Defaults to DefaultFrameSize.
	FrameSize int
	// Defaults to tracker.DefaultMaxMessageSize.
	MaxRequestSize int
	Logger         log.Logger
	// Stamps advertisements. Defaults to time.Now.
	Now func() time.Time
}

func New(s *store.Store) *Server {
	return &Server{
		Store:  s,
		Logger: log.Default.WithNames("tracker", "server"),
	}
}

func (me *Server) now() time.Time {
	if me.Now == nil {
		return time.Now()
	}
	return me.Now()
}

func (me *Server) frameSize() int {
	if me.FrameSize <= 0 {
		return DefaultFrameSize
	}
	return me.FrameSize
}

func (me *Server) maxRequestSize() int {
	if me.MaxRequestSize <= 0 {
		return tracker.DefaultMaxMessageSize
	}
	return me.MaxRequestSize
}

// Serve runs the accept loop for l, handling each connection in a slot from m.
func (me *Server) Serve(ctx context.Context, l net.Listener, m *connections.Manager) error {
	return m.Serve(ctx, l, func(ctx context.Context, slot int, conn net.Conn) error {
		return me.Handle(ctx, conn)
	})
}

// Label for requests that got no reply.
const replyNone = "none"

// Handle reads one request from conn and writes its reply. The caller closes conn. Unknown
// commands get no reply.
func (me *Server) Handle(ctx context.Context, conn net.Conn) (err error) {
	msg, err := tracker.ReadMessage(bufio.NewReader(conn), me.maxRequestSize())
	if err != nil {
		return fmt.Errorf("reading request: %w", err)
	}
	started := time.Now()
	ctx, span := tracer.Start(ctx, "Server.Handle",
		trace.WithAttributes(
			attribute.String("remote.addr", conn.RemoteAddr().String()),
			attribute.Int("request.len", len(msg)),
		))
	defer span.End()
	var (
		command = "unknown"
		reply   = replyNone
	)
	defer func() {
		span.SetAttributes(attribute.String("command", command), attribute.String("reply", reply))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		requestsTotal.WithLabelValues(command, reply).Inc()
		requestDuration.WithLabelValues(command).Observe(time.Since(started).Seconds())
	}()
	req, err := tracker.ParseRequest(msg)
	if err != nil {
		var reqErr *tracker.RequestError
		if !errors.As(err, &reqErr) || reqErr.Command == "" {
			return err
		}
		command = string(reqErr.Command)
		me.Logger.Levelf(log.Debug, "%v from %v: %v", command, conn.RemoteAddr(), err)
		reply, err = me.replyMalformed(conn, reqErr.Command)
		return err
	}
	command = string(req.Command())
	switch req := req.(type) {
	case tracker.CreateTracker:
		reply, err = me.createTracker(conn, req)
	case tracker.UpdateTracker:
		reply, err = me.updateTracker(conn, req)
	case tracker.ReqList:
		reply, err = me.list(conn)
	case tracker.Get:
		reply, err = me.get(ctx, conn, req)
	default:
		panic(req)
	}
	return
}

func writeLine(w io.Writer, msg string) error {
	_, err := io.WriteString(w, msg+"\n")
	return err
}

func (me *Server) replyMalformed(w io.Writer, cmd tracker.Command) (string, error) {
	switch cmd {
	case tracker.CommandGet:
		return "invalid", writeLine(w, tracker.GetInvalid)
	default:
		return string(tracker.StatusFail), writeLine(w, tracker.StatusReply(cmd, tracker.StatusFail))
	}
}

func (me *Server) writeStatus(w io.Writer, cmd tracker.Command, st tracker.Status) (string, error) {
	return string(st), writeLine(w, tracker.StatusReply(cmd, st))
}

func (me *Server) createTracker(w io.Writer, req tracker.CreateTracker) (string, error) {
	first := ledger.Chunk{
		Source:    req.Source,
		Start:     0,
		End:       req.File.Filesize,
		Timestamp: me.now().Unix(),
	}
	err := me.Store.Create(req.File, first)
	switch {
	case err == nil:
		me.Logger.Levelf(log.Info, "created ledger for %q (%v bytes) advertised by %v",
			req.File.Filename, req.File.Filesize, req.Source)
		return me.writeStatus(w, tracker.CommandCreateTracker, tracker.StatusSucc)
	case store.IsExist(err):
		return me.writeStatus(w, tracker.CommandCreateTracker, tracker.StatusFerr)
	default:
		me.Logger.Levelf(log.Error, "creating ledger for %q: %v", req.File.Filename, err)
		return me.writeStatus(w, tracker.CommandCreateTracker, tracker.StatusFail)
	}
}

func (me *Server) updateTracker(w io.Writer, req tracker.UpdateTracker) (string, error) {
	c := ledger.Chunk{
		Source:    req.Source,
		Start:     req.Start,
		End:       req.End,
		Timestamp: me.now().Unix(),
	}
	err := me.Store.Append(req.Filename, c)
	switch {
	case err == nil:
		return me.writeStatus(w, tracker.CommandUpdateTracker, tracker.StatusSucc)
	case store.IsNotExist(err):
		return me.writeStatus(w, tracker.CommandUpdateTracker, tracker.StatusFerr)
	default:
		me.Logger.Levelf(log.Warning, "appending %v to %q: %v", c, req.Filename, err)
		return me.writeStatus(w, tracker.CommandUpdateTracker, tracker.StatusFail)
	}
}

func (me *Server) list(w io.Writer) (string, error) {
	sums, err := me.Store.List()
	if err != nil {
		// There's no failure reply for REQ LIST.
		return replyNone, fmt.Errorf("listing store: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(tracker.ListHeader(len(sums)))
	sb.WriteByte('\n')
	for i, s := range sums {
		sb.WriteString(tracker.ListEntry{
			Index:    i + 1,
			Filename: s.Filename,
			Filesize: s.Filesize,
			Digest:   s.Digest,
		}.Message())
		sb.WriteByte('\n')
	}
	sb.WriteString(tracker.ListEnd)
	sb.WriteByte('\n')
	_, err = io.WriteString(w, sb.String())
	return "list", err
}

func (me *Server) get(ctx context.Context, w io.Writer, req tracker.Get) (string, error) {
	b, err := me.Store.Read(req.TrackerFile)
	if err != nil {
		if !store.IsNotExist(err) {
			me.Logger.Levelf(log.Warning, "reading %q for GET: %v", req.TrackerFile, err)
		}
		return "invalid", writeLine(w, tracker.GetInvalid)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("ledger.len", len(b)))
	// The store lock isn't held while the reply is written.
	for rest := b; len(rest) != 0; {
		n := min(len(rest), me.frameSize())
		if _, err = w.Write(rest[:n]); err != nil {
			return "get", err
		}
		rest = rest[n:]
	}
	return "get", writeLine(w, tracker.GetTrailer(md5x.Hex(b)))
}
