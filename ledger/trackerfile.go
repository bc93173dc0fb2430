package ledger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Suffix of tracker files in a ledger directory.
const Ext = ".track"

const commentPrefix = "#"

// Header labels, in file order.
const (
	LabelFilename    = "Filename"
	LabelFilesize    = "Filesize"
	LabelDescription = "Description"
	LabelDigest      = "MD5"
)

// TrackedFile identifies a shared file. It's written once as the tracker file header and never
// changes.
type TrackedFile struct {
	Filename      string
	Filesize      int64
	Description   string
	ContentDigest string
}

// TrackerFileName is the name of the tracker file holding the ledger for the shared file.
func TrackerFileName(filename string) string {
	return filename + Ext
}

func (tf TrackedFile) Validate() error {
	if err := ValidateFilename(tf.Filename); err != nil {
		return err
	}
	if tf.Filesize < 0 {
		return fmt.Errorf("negative filesize %v", tf.Filesize)
	}
	if strings.ContainsAny(tf.Description, "\r\n") {
		return errors.New("description contains line break")
	}
	if tf.ContentDigest == "" || strings.ContainsAny(tf.ContentDigest, " \t\r\n") {
		return fmt.Errorf("bad content digest %q", tf.ContentDigest)
	}
	return nil
}

// ValidateFilename rejects names that can't be stored as a single tracker file in a flat
// directory, or carried as one protocol token.
func ValidateFilename(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid filename %q", name)
	case strings.ContainsAny(name, "/\\ \t\r\n<>"):
		return fmt.Errorf("filename %q contains reserved characters", name)
	}
	return nil
}

// WriteHeader writes the four header lines of a tracker file.
func WriteHeader(w io.Writer, tf TrackedFile) error {
	_, err := fmt.Fprintf(w, "%s: %s\n%s: %d\n%s: %s\n%s: %s\n",
		LabelFilename, tf.Filename,
		LabelFilesize, tf.Filesize,
		LabelDescription, tf.Description,
		LabelDigest, tf.ContentDigest,
	)
	return err
}

// MarshalTrackerFile returns the complete contents of a tracker file.
func MarshalTrackerFile(tf TrackedFile, chunks ...Chunk) []byte {
	var buf bytes.Buffer
	WriteHeader(&buf, tf)
	buf.Write(chunkLines(chunks))
	return buf.Bytes()
}

func chunkLines(chunks []Chunk) []byte {
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.WriteString(c.Line())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// lineScanner yields the non-comment, non-blank lines of a tracker file with their 1-based line
// numbers.
type lineScanner struct {
	s    *bufio.Scanner
	line int
	text string
}

func newLineScanner(r io.Reader) *lineScanner {
	return &lineScanner{s: bufio.NewScanner(r)}
}

func (me *lineScanner) Scan() bool {
	for me.s.Scan() {
		me.line++
		text := strings.TrimRight(me.s.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, commentPrefix) {
			continue
		}
		me.text = text
		return true
	}
	return false
}

func (me *lineScanner) Err() error {
	return me.s.Err()
}

func splitHeaderLine(line string) (label, value string, err error) {
	label, value, ok := strings.Cut(line, ":")
	if !ok {
		err = fmt.Errorf("header line %q has no label", line)
		return
	}
	return label, strings.TrimSpace(value), nil
}

func readHeader(ls *lineScanner, skipDescription bool) (tf TrackedFile, err error) {
	for i, want := range [...]string{LabelFilename, LabelFilesize, LabelDescription, LabelDigest} {
		if !ls.Scan() {
			err = ls.Err()
			if err == nil {
				err = fmt.Errorf("missing %s header: %w", want, io.ErrUnexpectedEOF)
			}
			return
		}
		if i == 2 && skipDescription {
			continue
		}
		var label, value string
		label, value, err = splitHeaderLine(ls.text)
		if err != nil {
			err = fmt.Errorf("line %v: %w", ls.line, err)
			return
		}
		// The digest label names the hash in use and isn't checked.
		if want != LabelDigest && label != want {
			err = fmt.Errorf("line %v: expected %s header, got %q", ls.line, want, label)
			return
		}
		switch want {
		case LabelFilename:
			tf.Filename = value
		case LabelFilesize:
			tf.Filesize, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				err = fmt.Errorf("line %v: parsing filesize: %w", ls.line, err)
				return
			}
		case LabelDescription:
			tf.Description = value
		case LabelDigest:
			tf.ContentDigest = value
		}
	}
	return
}

// ReadHeader reads only the header of a tracker file. The description is not returned, and
// chunk lines aren't looked at.
func ReadHeader(r io.Reader) (TrackedFile, error) {
	return readHeader(newLineScanner(r), true)
}

// ParseTrackerFile reads a tracker file: the header, then every chunk line until EOF. Comment
// lines may appear anywhere.
func ParseTrackerFile(r io.Reader) (tf TrackedFile, chunks []Chunk, err error) {
	ls := newLineScanner(r)
	tf, err = readHeader(ls, false)
	if err != nil {
		return
	}
	for ls.Scan() {
		var c Chunk
		c, err = ParseChunk(ls.text)
		if err != nil {
			err = fmt.Errorf("line %v: %w", ls.line, err)
			return
		}
		chunks = append(chunks, c)
	}
	err = ls.Err()
	return
}

// CreateFile creates a new tracker file at path holding the header and the creator's
// advertisement. It fails with an error matching os.ErrExist if the file is already present.
func CreateFile(path string, tf TrackedFile, first Chunk) (err error) {
	if err = tf.Validate(); err != nil {
		return
	}
	if err = first.Source.Validate(); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return
	}
	_, err = f.Write(MarshalTrackerFile(tf, first))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
	}
	return
}
