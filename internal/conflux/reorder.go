package conflux

import (
	"container/heap"

	"github.com/umbralabs/umbra/internal/cell"
)

// seqMsg is one sequenced message waiting for its turn.
type seqMsg struct {
	seq uint64
	msg *cell.RelayMsg
}

// seqHeap is a min-heap of sequenced messages keyed by sequence number.
type seqHeap []seqMsg

func (h seqHeap) Len() int            { return len(h) }
func (h seqHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h seqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x interface{}) { *h = append(*h, x.(seqMsg)) }
func (h *seqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// reorderBuffer holds sequenced messages that arrived ahead of a gap,
// releasing them in strict sequence order.
type reorderBuffer struct {
	h seqHeap

	// seen guards against a duplicate sequence number sitting in the
	// buffer; the delivered counter guards against already-released ones.
	seen map[uint64]struct{}
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{seen: make(map[uint64]struct{})}
}

// insert adds one message. A duplicate sequence number is reported to
// the caller, which treats it as a protocol violation.
func (b *reorderBuffer) insert(seq uint64, msg *cell.RelayMsg) bool {
	if _, dup := b.seen[seq]; dup {
		return false
	}
	b.seen[seq] = struct{}{}
	heap.Push(&b.h, seqMsg{seq: seq, msg: msg})
	return true
}

// popIfNext releases the buffered message with the given sequence
// number if it is at the front.
func (b *reorderBuffer) popIfNext(seq uint64) (*cell.RelayMsg, bool) {
	if len(b.h) == 0 || b.h[0].seq != seq {
		return nil, false
	}
	item := heap.Pop(&b.h).(seqMsg)
	delete(b.seen, item.seq)
	return item.msg, true
}

// depth returns the number of buffered messages.
func (b *reorderBuffer) depth() int {
	return len(b.h)
}
