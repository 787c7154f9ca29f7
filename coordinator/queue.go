package coordinator

import "zkrollup-operator/common"

// SparseQueue releases items in block order.  Items may be inserted in any
// order but Peek only returns the item of the next expected block, so a
// missing block holds back every later one.
type SparseQueue[T any] struct {
	next  common.BlockNumber
	items map[common.BlockNumber]T
}

// NewSparseQueue creates a queue expecting next as its first block
func NewSparseQueue[T any](next common.BlockNumber) *SparseQueue[T] {
	return &SparseQueue[T]{
		next:  next,
		items: make(map[common.BlockNumber]T),
	}
}

// Insert adds the item of block.  Items of blocks already released are
// ignored and false is returned.
func (q *SparseQueue[T]) Insert(block common.BlockNumber, item T) bool {
	if block < q.next {
		return false
	}
	q.items[block] = item
	return true
}

// Peek returns the item of the next expected block
func (q *SparseQueue[T]) Peek() (T, bool) {
	item, ok := q.items[q.next]
	return item, ok
}

// Pop removes and returns the item of the next expected block
func (q *SparseQueue[T]) Pop() (T, bool) {
	item, ok := q.items[q.next]
	if ok {
		delete(q.items, q.next)
		q.next++
	}
	return item, ok
}

// Next returns the next expected block
func (q *SparseQueue[T]) Next() common.BlockNumber {
	return q.next
}

// Len returns the number of queued items, including the ones held back
func (q *SparseQueue[T]) Len() int {
	return len(q.items)
}
