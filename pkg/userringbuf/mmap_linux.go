//go:build linux
// +build linux

package userringbuf

import (
	"math"
	"time"

	"golang.org/x/sys/unix"
)

// mmapMapping is the kernel memory and descriptors behind a user ring buffer.
type mmapMapping struct {
	fd       int
	epfd     int
	consumer []byte
	producer []byte
	events   []unix.EpollEvent
}

// mapRing maps the user ring buffer behind mapFD. The descriptor is
// duplicated so the ring stays usable after the caller closes its map.
func mapRing(mapFD int, size uint32) (*ring, mapping, error) {
	pageSize := unix.Getpagesize()

	// The data area is mapped twice after the producer page.
	mmapSize := uint64(pageSize) + 2*uint64(size)
	if mmapSize > math.MaxInt {
		return nil, nil, &RingBufferError{Operation: "create", Cause: unix.E2BIG}
	}

	fd, err := unix.FcntlInt(uintptr(mapFD), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, nil, &RingBufferError{Operation: "duplicate map descriptor", Cause: err}
	}

	m := &mmapMapping{fd: fd, epfd: -1, events: make([]unix.EpollEvent, 1)}

	m.consumer, err = unix.Mmap(fd, 0, pageSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		m.close()
		return nil, nil, &RingBufferError{Operation: "mmap consumer page", Cause: err}
	}

	m.producer, err = unix.Mmap(fd, int64(pageSize), int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		m.close()
		return nil, nil, &RingBufferError{Operation: "mmap producer pages", Cause: err}
	}

	m.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		m.close()
		return nil, nil, &RingBufferError{Operation: "epoll create", Cause: err}
	}

	ev := unix.EpollEvent{Events: unix.EPOLLOUT, Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		m.close()
		return nil, nil, &RingBufferError{Operation: "epoll ctl add", Cause: err}
	}

	r := newRing(m.consumer, m.producer, m.producer[pageSize:], uint64(size))
	return r, m, nil
}

// waitWritable blocks until the kernel drains samples or timeout passes.
func (m *mmapMapping) waitWritable(timeout time.Duration) error {
	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}

	_, err := unix.EpollWait(m.epfd, m.events, ms)
	if err != nil && err != unix.EINTR {
		return &RingBufferError{Operation: "epoll wait", Cause: err}
	}
	return nil
}

func (m *mmapMapping) close() error {
	var firstErr error
	keep := func(op string, err error) {
		if err != nil && firstErr == nil {
			firstErr = &RingBufferError{Operation: op, Cause: err}
		}
	}

	if m.producer != nil {
		keep("munmap producer pages", unix.Munmap(m.producer))
		m.producer = nil
	}
	if m.consumer != nil {
		keep("munmap consumer page", unix.Munmap(m.consumer))
		m.consumer = nil
	}
	if m.epfd >= 0 {
		keep("close epoll", unix.Close(m.epfd))
		m.epfd = -1
	}
	if m.fd >= 0 {
		keep("close map descriptor", unix.Close(m.fd))
		m.fd = -1
	}
	return firstErr
}
