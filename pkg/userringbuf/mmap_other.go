//go:build !linux
// +build !linux

package userringbuf

// mapRing is Linux-only; BPF user ring buffers do not exist elsewhere.
func mapRing(mapFD int, size uint32) (*ring, mapping, error) {
	return nil, nil, ErrNotSupported
}
