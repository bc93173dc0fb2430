package storage

import (
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

type mmapFileIo struct{}

type mmapFileReader struct {
	m mmap.MMap
}

func (me mmapFileReader) size() int64 {
	return int64(len(me.m))
}

func (me mmapFileReader) ReadAt(b []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %v", off)
	}
	if off >= int64(len(me.m)) {
		return 0, io.EOF
	}
	n = copy(b, me.m[off:])
	if n < len(b) {
		err = io.EOF
	}
	return
}

func (me mmapFileReader) Close() error {
	return me.m.Unmap()
}

func (mmapFileIo) openForRead(name string) (_ fileReader, err error) {
	f, err := os.Open(name)
	if err != nil {
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return
	}
	// Zero-length mappings aren't allowed.
	if fi.Size() == 0 {
		return classicFileIo{}.openForRead(name)
	}
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		err = fmt.Errorf("mapping file: %w", err)
		return
	}
	// This can happen due to filesystem changes outside our control.
	if int64(len(mm)) != fi.Size() {
		mm.Unmap()
		err = fmt.Errorf("new mmap has wrong size %v, expected %v", len(mm), fi.Size())
		return
	}
	return mmapFileReader{mm}, nil
}
