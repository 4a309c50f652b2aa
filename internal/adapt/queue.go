package adapt

import (
	"container/heap"

	"amrtree/internal/ftt"
)

type queuedCell struct {
	cell  ftt.CellID
	key   float64
	index int
}

type cellHeap []*queuedCell

func (h cellHeap) Len() int           { return len(h) }
func (h cellHeap) Less(i, j int) bool { return h[i].key < h[j].key }
func (h cellHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *cellHeap) Push(x any) {
	item := x.(*queuedCell)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *cellHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// cellQueue is a min-priority queue of cells that supports removal by cell.
type cellQueue struct {
	items cellHeap
	byID  map[ftt.CellID]*queuedCell
}

func newCellQueue() *cellQueue {
	return &cellQueue{byID: make(map[ftt.CellID]*queuedCell)}
}

func (q *cellQueue) Len() int {
	return q.items.Len()
}

// add queues c unless it is already queued. Items are collected unordered
// and heapified by init.
func (q *cellQueue) add(c ftt.CellID, key float64) {
	if _, ok := q.byID[c]; ok {
		return
	}
	item := &queuedCell{cell: c, key: key, index: len(q.items)}
	q.items = append(q.items, item)
	q.byID[c] = item
}

func (q *cellQueue) contains(c ftt.CellID) bool {
	_, ok := q.byID[c]
	return ok
}

func (q *cellQueue) init() {
	heap.Init(&q.items)
}

// pop removes the cell with the lowest key.
func (q *cellQueue) pop() (ftt.CellID, float64, bool) {
	if q.items.Len() == 0 {
		return ftt.NoCell, 0, false
	}
	item := heap.Pop(&q.items).(*queuedCell)
	delete(q.byID, item.cell)
	return item.cell, item.key, true
}

func (q *cellQueue) remove(c ftt.CellID) {
	item, ok := q.byID[c]
	if !ok {
		return
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, c)
}
