package userringbuf

import (
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/cilium/ebpf"
	"go.uber.org/zap/zaptest"
)

// heapMapping backs a ring with Go memory and plays the kernel consumer.
type heapMapping struct {
	ring       *ring
	writable   chan struct{}
	closeCalls atomic.Int32

	// levelTriggered makes waitWritable return at once, as EPOLLOUT does
	// while the ring has any free space at all.
	levelTriggered atomic.Bool
	waitCalls      atomic.Int32
}

func asBytes(words []uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
}

func newHeapMapping(size uint64) *heapMapping {
	consumer := asBytes(make([]uint64, 1))
	producer := asBytes(make([]uint64, 1))
	data := asBytes(make([]uint64, 2*size/8))

	return &heapMapping{
		ring:     newRing(consumer, producer, data, size),
		writable: make(chan struct{}, 1),
	}
}

func (h *heapMapping) waitWritable(timeout time.Duration) error {
	h.waitCalls.Add(1)
	if h.levelTriggered.Load() {
		return nil
	}
	select {
	case <-h.writable:
	case <-time.After(timeout):
	}
	return nil
}

func (h *heapMapping) close() error {
	h.closeCalls.Add(1)
	return nil
}

// drain consumes records the way bpf_user_ringbuf_drain does: it stops at
// the first busy record and skips discarded ones. It returns the published
// samples and the number of discarded records it stepped over.
func (h *heapMapping) drain() (samples [][]byte, discarded int) {
	r := h.ring
	cons := atomic.LoadUint64(r.consumerPos)
	prod := atomic.LoadUint64(r.producerPos)

	for cons < prod {
		n := atomic.LoadUint32(&r.header(cons).Len)
		if n&busyBit != 0 {
			break
		}
		size := n & lengthMask
		if n&discardBit != 0 {
			discarded++
		} else {
			sample := r.sample((cons+recordHeaderSize)&r.mask, size)
			samples = append(samples, append([]byte(nil), sample...))
		}
		cons += recordSize(size)
		atomic.StoreUint64(r.consumerPos, cons)
	}

	select {
	case h.writable <- struct{}{}:
	default:
	}
	return samples, discarded
}

func newTestBuffer(t *testing.T, size uint64) (*UserRingBuffer, *heapMapping) {
	t.Helper()

	mem := newHeapMapping(size)
	config := DefaultConfig()
	config.Name = "test_ringbuf"
	config.WaitPollInterval = 10 * time.Millisecond

	rb := newUserRingBuffer(mem.ring, mem, config, zaptest.NewLogger(t))
	t.Cleanup(func() { rb.Close() })
	return rb, mem
}

// fakeMap records whether its descriptor was ever requested.
type fakeMap struct {
	typ        ebpf.MapType
	maxEntries uint32
	fd         int
	fdCalls    int
}

func (m *fakeMap) Type() ebpf.MapType { return m.typ }
func (m *fakeMap) MaxEntries() uint32 { return m.maxEntries }
func (m *fakeMap) FD() int {
	m.fdCalls++
	return m.fd
}
