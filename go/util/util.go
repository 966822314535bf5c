// Package util contains small general purpose utilities.
package util

import (
	"context"
	"io"
	"os"
	"time"
)

// In returns true if |s| is *in* |a| slice.
func In(s string, a []string) bool {
	for _, x := range a {
		if x == s {
			return true
		}
	}
	return false
}

// ContainsAll returns true iff |a| contains every element of |b|.
func ContainsAll(a, b []string) bool {
	for _, x := range b {
		if !In(x, a) {
			return false
		}
	}
	return true
}

// StringSet is a set of strings, represented by the keys of a map.
type StringSet map[string]bool

// Keys returns the keys of a StringSet, in no particular order.
func (s StringSet) Keys() []string {
	ret := make([]string, 0, len(s))
	for v := range s {
		ret = append(ret, v)
	}
	return ret
}

// NewStringSet returns the set of strings contained in the given slices.
func NewStringSet(slices ...[]string) StringSet {
	ret := StringSet{}
	for _, s := range slices {
		for _, x := range s {
			ret[x] = true
		}
	}
	return ret
}

// RepeatCtx calls the provided function every interval.
//
// The iteration stops if the passed in context is canceled.
func RepeatCtx(interval time.Duration, ctx context.Context, fn func()) {
	ticker := time.NewTicker(interval)
	done := ctx.Done()
	defer ticker.Stop()
	fn()
MainLoop:
	for {
		select {
		case <-done:
			break MainLoop
		case <-ticker.C:
			fn()
		}
	}
}

// WithReadFile opens the given file for reading and runs the given function.
func WithReadFile(file string, fn func(f io.Reader) error) (err error) {
	var f *os.File
	f, err = os.Open(file)
	if err != nil {
		return
	}
	defer func() {
		closeErr := f.Close()
		if err == nil {
			err = closeErr
		}
	}()
	err = fn(f)
	return
}
