package storage

import (
	"io"
)

// fileReader gives random access to the bytes of a shared file as they were when it was opened.
type fileReader interface {
	io.ReaderAt
	io.Closer
	size() int64
}

type fileIo interface {
	openForRead(name string) (fileReader, error)
}

func getFileIo(mmap bool) fileIo {
	if mmap {
		return mmapFileIo{}
	}
	return classicFileIo{}
}
