// Package peer_protocol transfers chunks directly between peers. A connection carries one
// request for an inclusive byte range of a shared file, and the reply carries the bytes.
package peer_protocol

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/anacrolix/chunkledger/ledger"
	"github.com/anacrolix/chunkledger/tracker"
)

const (
	// Reply to a request that can't be served.
	Invalid = "<GET CHUNK invalid>"

	replyWord = "REP"
	chunkWord = "CHUNK"
)

var ErrInvalid = errors.New("peer reported invalid chunk request")

type Request struct {
	Filename   string
	Start, End int64
}

func (me Request) Message() string {
	return fmt.Sprintf("<%s %s %s %d %d>", tracker.CommandGet, chunkWord, me.Filename, me.Start, me.End)
}

func ParseRequest(msg string) (req Request, err error) {
	tokens, err := tracker.Tokens(msg)
	if err != nil {
		return
	}
	if len(tokens) != 5 || tokens[0] != string(tracker.CommandGet) || tokens[1] != chunkWord {
		err = fmt.Errorf("not a chunk request: %q", msg)
		return
	}
	req.Filename = tokens[2]
	if err = ledger.ValidateFilename(req.Filename); err != nil {
		return
	}
	if req.Start, err = strconv.ParseInt(tokens[3], 10, 64); err != nil {
		return
	}
	if req.End, err = strconv.ParseInt(tokens[4], 10, 64); err != nil {
		return
	}
	if req.Start < 0 || req.Start > req.End {
		err = fmt.Errorf("bad range [%v, %v]", req.Start, req.End)
	}
	return
}

// ReplyHeader precedes the chunk bytes. Length is the number of bytes after the header's line
// terminator.
type ReplyHeader struct {
	Start  int64
	Length int64
}

func (me ReplyHeader) Message() string {
	return fmt.Sprintf("<%s %s %d %d>", replyWord, chunkWord, me.Start, me.Length)
}

func ParseReplyHeader(msg string) (h ReplyHeader, err error) {
	if msg == Invalid {
		err = ErrInvalid
		return
	}
	tokens, err := tracker.Tokens(msg)
	if err != nil {
		return
	}
	if len(tokens) != 4 || tokens[0] != replyWord || tokens[1] != chunkWord {
		err = fmt.Errorf("unexpected reply %q", msg)
		return
	}
	if h.Start, err = strconv.ParseInt(tokens[2], 10, 64); err != nil {
		return
	}
	if h.Length, err = strconv.ParseInt(tokens[3], 10, 64); err != nil {
		return
	}
	if h.Length < 0 {
		err = fmt.Errorf("negative length in %q", msg)
	}
	return
}
