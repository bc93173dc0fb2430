// Package md5x computes the content digests that identify shared files and validate ledger
// transfers.
package md5x

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// Digest the provided contents and return the resulting hash.
func Digest[T string | []byte](bs ...T) hash.Hash {
	v := md5.New()
	for _, b := range bs {
		// hash.Hash writes never fail.
		v.Write([]byte(b))
	}
	return v
}

// FormatHex formats the hash sum as a lowercase hex string.
func FormatHex(m hash.Hash) string {
	return hex.EncodeToString(m.Sum(nil))
}

// Hex returns the hex digest of the given contents.
func Hex[T string | []byte](bs ...T) string {
	return FormatHex(Digest(bs...))
}

// Reader digests everything readable from r, bufSize bytes at a time.
func Reader(r io.Reader, bufSize int) (string, error) {
	h := md5.New()
	if _, err := io.CopyBuffer(h, r, make([]byte, max(bufSize, 1))); err != nil {
		return "", err
	}
	return FormatHex(h), nil
}

// File digests the contents of the named file.
func File(name string, bufSize int) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	s, err := Reader(f, bufSize)
	if err != nil {
		return "", fmt.Errorf("reading %q: %w", name, err)
	}
	return s, nil
}
