// Package userringbuf writes samples into BPF_MAP_TYPE_USER_RINGBUF maps,
// the ring buffers BPF programs drain with bpf_user_ringbuf_drain().
//
// A UserRingBuffer owns the mmapped ring of one map. Samples are reserved,
// filled in place and then submitted or discarded exactly once:
//
//	s, err := userringbuf.Reserve[event](rb)
//	if err != nil {
//		return err
//	}
//	defer s.Discard()
//
//	*s.Value() = event{PID: pid}
//	return s.Submit()
//
// Reservations must be serialized by the caller. Submit and Discard may be
// called from any goroutine.
package userringbuf
