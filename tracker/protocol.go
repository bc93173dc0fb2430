// Package tracker implements the text protocol spoken between peers and a ledger tracker.
// Every message is delimited by '<' and '>', and each connection carries exactly one request
// and its reply.
package tracker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/anacrolix/chunkledger/ledger"
)

type Command string

const (
	CommandCreateTracker Command = "createtracker"
	CommandUpdateTracker Command = "updatetracker"
	CommandList          Command = "REQ LIST"
	CommandGet           Command = "GET"
)

// Reply status tokens for createtracker and updatetracker.
type Status string

const (
	StatusSucc Status = "succ"
	StatusFail Status = "fail"
	// The ledger exists when it shouldn't, or doesn't when it should.
	StatusFerr Status = "ferr"
)

const (
	ListEnd    = "<REP LIST END>"
	GetInvalid = "<GET invalid>"

	getTrailerPrefix = "<REP GET END "
	listHeaderPrefix = "<REP LIST "
)

// Default upper bound on a single protocol message.
const DefaultMaxMessageSize = 4096

var ErrMessageTooLong = errors.New("message too long")

// ReadMessage reads one '<'...'>' message from r, skipping any whitespace before it. The
// returned message includes the delimiters.
func ReadMessage(r *bufio.Reader, maxSize int) (string, error) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			if sb.Len() != 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return "", err
		}
		if sb.Len() == 0 {
			switch b {
			case ' ', '\t', '\r', '\n':
				continue
			case '<':
			default:
				return "", fmt.Errorf("unexpected byte %q before message", b)
			}
		}
		if sb.Len() >= maxSize {
			return "", ErrMessageTooLong
		}
		sb.WriteByte(b)
		if b == '>' {
			return sb.String(), nil
		}
	}
}

// Tokens strips the delimiters from a message and splits the body on whitespace.
func Tokens(msg string) ([]string, error) {
	if !strings.HasPrefix(msg, "<") || !strings.HasSuffix(msg, ">") {
		return nil, fmt.Errorf("message %q isn't delimited", msg)
	}
	return strings.Fields(msg[1 : len(msg)-1]), nil
}

// Request is a command sent to the tracker.
type Request interface {
	Command() Command
	// Message returns the wire form of the request.
	Message() string
}

type CreateTracker struct {
	File   ledger.TrackedFile
	Source ledger.Source
}

func (CreateTracker) Command() Command { return CommandCreateTracker }

func (me CreateTracker) Message() string {
	return fmt.Sprintf("<%s %s %d %s %s %s %d>",
		CommandCreateTracker, me.File.Filename, me.File.Filesize, me.File.Description,
		me.File.ContentDigest, me.Source.IP, me.Source.Port)
}

type UpdateTracker struct {
	Filename   string
	Start, End int64
	Source     ledger.Source
}

func (UpdateTracker) Command() Command { return CommandUpdateTracker }

func (me UpdateTracker) Message() string {
	return fmt.Sprintf("<%s %s %d %d %s %d>",
		CommandUpdateTracker, me.Filename, me.Start, me.End, me.Source.IP, me.Source.Port)
}

type ReqList struct{}

func (ReqList) Command() Command { return CommandList }

func (ReqList) Message() string { return "<" + string(CommandList) + ">" }

// Get requests the contents of a tracker file by its name in the tracker's directory.
type Get struct {
	TrackerFile string
}

func (Get) Command() Command { return CommandGet }

func (me Get) Message() string {
	return fmt.Sprintf("<%s %s>", CommandGet, me.TrackerFile)
}

// RequestError is returned by ParseRequest. Command is empty if the command word wasn't
// recognized.
type RequestError struct {
	Command Command
	Err     error
}

func (me *RequestError) Error() string {
	if me.Command == "" {
		return fmt.Sprintf("unknown command: %v", me.Err)
	}
	return fmt.Sprintf("malformed %s: %v", me.Command, me.Err)
}

func (me *RequestError) Unwrap() error {
	return me.Err
}

func parseSource(ip, port string) (s ledger.Source, err error) {
	s.IP = ip
	s.Port, err = strconv.Atoi(port)
	if err != nil {
		err = fmt.Errorf("parsing port: %w", err)
		return
	}
	err = s.Validate()
	return
}

func parseCreateTracker(tokens []string) (req CreateTracker, err error) {
	if len(tokens) != 7 {
		err = fmt.Errorf("expected 7 tokens, got %v", len(tokens))
		return
	}
	req.File.Filename = tokens[1]
	req.File.Filesize, err = strconv.ParseInt(tokens[2], 10, 64)
	if err != nil {
		err = fmt.Errorf("parsing filesize: %w", err)
		return
	}
	req.File.Description = tokens[3]
	req.File.ContentDigest = tokens[4]
	if err = req.File.Validate(); err != nil {
		return
	}
	req.Source, err = parseSource(tokens[5], tokens[6])
	return
}

func parseUpdateTracker(tokens []string) (req UpdateTracker, err error) {
	if len(tokens) != 6 {
		err = fmt.Errorf("expected 6 tokens, got %v", len(tokens))
		return
	}
	req.Filename = tokens[1]
	if err = ledger.ValidateFilename(req.Filename); err != nil {
		return
	}
	for i, p := range [...]*int64{&req.Start, &req.End} {
		*p, err = strconv.ParseInt(tokens[2+i], 10, 64)
		if err != nil {
			err = fmt.Errorf("parsing token %v: %w", 2+i, err)
			return
		}
	}
	if req.Start < 0 || req.Start > req.End {
		err = fmt.Errorf("bad range [%v, %v]", req.Start, req.End)
		return
	}
	req.Source, err = parseSource(tokens[4], tokens[5])
	return
}

// ParseRequest parses a message read with ReadMessage.
func ParseRequest(msg string) (Request, error) {
	tokens, err := Tokens(msg)
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	if len(tokens) == 0 {
		return nil, &RequestError{Err: errors.New("empty message")}
	}
	wrap := func(cmd Command, err error) error {
		if err == nil {
			return nil
		}
		return &RequestError{Command: cmd, Err: err}
	}
	switch {
	case tokens[0] == string(CommandCreateTracker):
		req, err := parseCreateTracker(tokens)
		if err != nil {
			return nil, wrap(CommandCreateTracker, err)
		}
		return req, nil
	case tokens[0] == string(CommandUpdateTracker):
		req, err := parseUpdateTracker(tokens)
		if err != nil {
			return nil, wrap(CommandUpdateTracker, err)
		}
		return req, nil
	case len(tokens) == 2 && tokens[0] == "REQ" && tokens[1] == "LIST":
		return ReqList{}, nil
	case tokens[0] == string(CommandGet):
		if len(tokens) != 2 {
			return nil, wrap(CommandGet, fmt.Errorf("expected 2 tokens, got %v", len(tokens)))
		}
		if err := ledger.ValidateFilename(tokens[1]); err != nil {
			return nil, wrap(CommandGet, err)
		}
		return Get{tokens[1]}, nil
	}
	return nil, &RequestError{Err: fmt.Errorf("%q", tokens[0])}
}

// StatusReply formats the reply to createtracker or updatetracker.
func StatusReply(cmd Command, st Status) string {
	return fmt.Sprintf("<%s %s>", cmd, st)
}

// ParseStatusReply parses the reply to a createtracker or updatetracker request.
func ParseStatusReply(cmd Command, msg string) (Status, error) {
	tokens, err := Tokens(msg)
	if err != nil {
		return "", err
	}
	if len(tokens) != 2 || tokens[0] != string(cmd) {
		return "", fmt.Errorf("unexpected reply %q to %s", msg, cmd)
	}
	switch st := Status(tokens[1]); st {
	case StatusSucc, StatusFail, StatusFerr:
		return st, nil
	}
	return "", fmt.Errorf("unknown status in %q", msg)
}

func ListHeader(n int) string {
	return fmt.Sprintf("%s%d>", listHeaderPrefix, n)
}

func ParseListHeader(msg string) (n int, err error) {
	tokens, err := Tokens(msg)
	if err != nil {
		return
	}
	if len(tokens) != 3 || tokens[0] != "REP" || tokens[1] != "LIST" {
		err = fmt.Errorf("unexpected list header %q", msg)
		return
	}
	n, err = strconv.Atoi(tokens[2])
	if err == nil && n < 0 {
		err = fmt.Errorf("negative count in %q", msg)
	}
	return
}

// ListEntry summarizes one ledger in a REQ LIST reply. Index is 1-based.
type ListEntry struct {
	Index    int
	Filename string
	Filesize int64
	Digest   string
}

func (me ListEntry) Message() string {
	return fmt.Sprintf("<%d %s %d %s>", me.Index, me.Filename, me.Filesize, me.Digest)
}

func ParseListEntry(msg string) (e ListEntry, err error) {
	tokens, err := Tokens(msg)
	if err != nil {
		return
	}
	if len(tokens) != 4 {
		err = fmt.Errorf("expected 4 tokens in list entry %q", msg)
		return
	}
	e.Index, err = strconv.Atoi(tokens[0])
	if err != nil {
		return
	}
	e.Filename = tokens[1]
	e.Filesize, err = strconv.ParseInt(tokens[2], 10, 64)
	if err != nil {
		return
	}
	e.Digest = tokens[3]
	return
}

// GetTrailer follows the ledger bytes in a GET reply. The digest is of the ledger bytes, not of
// the shared file.
func GetTrailer(digest string) string {
	return getTrailerPrefix + digest + ">"
}

// SplitGetReply separates the ledger bytes of a complete GET reply from its trailer digest.
func SplitGetReply(b []byte) (body []byte, digest string, err error) {
	s := string(b)
	if strings.HasPrefix(strings.TrimSpace(s), GetInvalid) {
		err = ErrNoSuchFile
		return
	}
	i := strings.LastIndex(s, getTrailerPrefix)
	if i < 0 {
		err = fmt.Errorf("missing trailer: %w", io.ErrUnexpectedEOF)
		return
	}
	rest := strings.TrimRight(s[i+len(getTrailerPrefix):], " \r\n")
	if !strings.HasSuffix(rest, ">") {
		err = fmt.Errorf("unterminated trailer: %w", io.ErrUnexpectedEOF)
		return
	}
	return b[:i], strings.TrimSpace(strings.TrimSuffix(rest, ">")), nil
}
