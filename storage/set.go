package storage

import (
	"errors"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/sync"
)

// Set holds the files a peer serves, by shared filename.
type Set struct {
	mu    sync.RWMutex
	files map[string]*File
}

// Add registers f under name. It returns false if the name is taken.
func (me *Set) Add(name string, f *File) bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	g.MakeMapIfNil(&me.files)
	if g.MapContains(me.files, name) {
		return false
	}
	me.files[name] = f
	return true
}

func (me *Set) Get(name string) g.Option[*File] {
	me.mu.RLock()
	defer me.mu.RUnlock()
	f, ok := me.files[name]
	return g.OptionFromTuple(f, ok)
}

// Remove closes and forgets the file registered under name, if any.
func (me *Set) Remove(name string) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	f, ok := me.files[name]
	if !ok {
		return nil
	}
	delete(me.files, name)
	return f.Close()
}

// Close closes every file in the set and empties it.
func (me *Set) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	var errs []error
	for _, f := range me.files {
		errs = append(errs, f.Close())
	}
	me.files = nil
	return errors.Join(errs...)
}
