package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// Source is the address a peer advertises for direct chunk transfers.
type Source struct {
	IP   string
	Port int
}

func (s Source) String() string {
	return fmt.Sprintf("%s:%d", s.IP, s.Port)
}

// HostPort returns an address suitable for dialing.
func (s Source) HostPort() string {
	return s.String()
}

func (s Source) Validate() error {
	if s.IP == "" {
		return fmt.Errorf("empty ip")
	}
	if strings.ContainsAny(s.IP, ": \t\r\n<>") {
		return fmt.Errorf("ip %q is not representable in a ledger", s.IP)
	}
	if s.Port < 0 || s.Port > 0xffff {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	return nil
}

// Chunk is one advertisement in a ledger: the peer at Source holds the inclusive byte range
// [Start, End] as of Timestamp (unix seconds).
type Chunk struct {
	Source
	Start     int64
	End       int64
	Timestamp int64
}

// Line formats the chunk as it appears in a tracker file, without a line terminator.
func (c Chunk) Line() string {
	return fmt.Sprintf("%s:%d:%d:%d:%d", c.IP, c.Port, c.Start, c.End, c.Timestamp)
}

func (c Chunk) String() string {
	return c.Line()
}

func (c Chunk) MarshalText() ([]byte, error) {
	if err := c.Source.Validate(); err != nil {
		return nil, err
	}
	return []byte(c.Line()), nil
}

func (c *Chunk) UnmarshalText(b []byte) (err error) {
	*c, err = ParseChunk(string(b))
	return
}

// SameRange reports whether the chunk advertises exactly [start, end].
func (c Chunk) SameRange(start, end int64) bool {
	return c.Start == start && c.End == end
}

// Covers reports whether the chunk's range includes all of [start, end].
func (c Chunk) Covers(start, end int64) bool {
	return c.Start <= start && c.End >= end
}

const chunkFields = 5

// ParseChunk parses an "ip:port:start:end:timestamp" line.
func ParseChunk(line string) (c Chunk, err error) {
	fields := strings.Split(strings.TrimSpace(line), ":")
	if len(fields) != chunkFields {
		err = fmt.Errorf("expected %v fields, got %v", chunkFields, len(fields))
		return
	}
	c.IP = fields[0]
	if c.IP == "" {
		err = fmt.Errorf("empty ip")
		return
	}
	c.Port, err = strconv.Atoi(fields[1])
	if err != nil {
		err = fmt.Errorf("parsing port: %w", err)
		return
	}
	ints := [...]*int64{&c.Start, &c.End, &c.Timestamp}
	for i, p := range ints {
		*p, err = strconv.ParseInt(fields[2+i], 10, 64)
		if err != nil {
			err = fmt.Errorf("parsing field %v: %w", 3+i, err)
			return
		}
	}
	if c.Start > c.End {
		err = fmt.Errorf("start %v after end %v", c.Start, c.End)
	}
	return
}
