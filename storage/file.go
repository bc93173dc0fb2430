// Package storage reads the shared files a peer seeds and writes the files it downloads.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/anacrolix/missinggo/v2/panicif"
)

var ErrOutOfRange = errors.New("range outside file")

// File is a shared file opened for seeding. Its size is fixed when it's opened.
type File struct {
	r fileReader
}

// Open opens a shared file for reading, through a memory mapping if mmap is set.
func Open(path string, mmap bool) (*File, error) {
	r, err := getFileIo(mmap).openForRead(path)
	if err != nil {
		return nil, err
	}
	return &File{r: r}, nil
}

func (f *File) Size() int64 {
	return f.r.size()
}

func (f *File) ReadAt(b []byte, off int64) (int, error) {
	return f.r.ReadAt(b, off)
}

// Clip limits the inclusive range [start, end] to the file's bytes. Ledger ranges end at the
// file size, one past the last byte. It returns the offset and length to read.
func (f *File) Clip(start, end int64) (off, n int64, err error) {
	if start < 0 || start > end || start >= f.Size() {
		err = fmt.Errorf("%w: [%v, %v] of %v bytes", ErrOutOfRange, start, end, f.Size())
		return
	}
	end = min(end, f.Size()-1)
	return start, end - start + 1, nil
}

// ReadChunk returns the bytes of the inclusive range [start, end], clipped to the file.
func (f *File) ReadChunk(start, end int64) ([]byte, error) {
	off, n, err := f.Clip(start, end)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	n1, err := f.r.ReadAt(b, off)
	if err == io.EOF && int64(n1) == n {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	panicif.NotEq(int64(n1), n)
	return b, nil
}

// SectionReader returns a reader over the clipped range [start, end].
func (f *File) SectionReader(start, end int64) (*io.SectionReader, error) {
	off, n, err := f.Clip(start, end)
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(f.r, off, n), nil
}

func (f *File) Close() error {
	return f.r.Close()
}

// Writer receives the chunks of a download in any order.
type Writer struct {
	f    *os.File
	size int64
}

// Create makes or truncates the file at path and extends it to size.
func Create(path string, size int64) (_ *Writer, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return
	}
	if err = f.Truncate(size); err != nil {
		f.Close()
		err = fmt.Errorf("error truncating file: %w", err)
		return
	}
	return &Writer{f: f, size: size}, nil
}

func (w *Writer) Size() int64 {
	return w.size
}

func (w *Writer) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > w.size {
		return 0, fmt.Errorf("%w: write of %v bytes at %v into %v", ErrOutOfRange, len(b), off, w.size)
	}
	return w.f.WriteAt(b, off)
}

// Reader returns the written file contents from the start, for verification.
func (w *Writer) Reader() io.Reader {
	return io.NewSectionReader(w.f, 0, w.size)
}

func (w *Writer) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
