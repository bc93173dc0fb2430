package storage

import (
	"os"
)

type classicFileIo struct{}

type classicFileReader struct {
	*os.File
	length int64
}

func (c classicFileReader) size() int64 {
	return c.length
}

func (classicFileIo) openForRead(name string) (_ fileReader, err error) {
	f, err := os.Open(name)
	if err != nil {
		return
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return
	}
	return classicFileReader{f, fi.Size()}, nil
}
