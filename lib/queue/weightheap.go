package queue

import (
	"container/heap"
	"strconv"
)

// weightEntry is a keyed element of the weight heap
type weightEntry struct {
	Key    int
	Weight int64
	index  int // maintained by the heap package
}

func (e *weightEntry) String() string {
	return "{Key: " + strconv.Itoa(e.Key) + ", Weight: " + strconv.FormatInt(e.Weight, 10) + "}"
}

// WeightHeap is a min-heap of keyed weights with O(1) key lookup.
//
// It is used to find the least loaded worker: O(log n) for Set, Add and Remove,
// O(1) for Least and Get. It is not safe for concurrent use.
type WeightHeap struct {
	entries []*weightEntry
	byKey   map[int]*weightEntry
}

// NewWeightHeap creates an empty heap
func NewWeightHeap() *WeightHeap {
	return &WeightHeap{
		entries: make([]*weightEntry, 0),
		byKey:   make(map[int]*weightEntry),
	}
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

func (h *WeightHeap) Len() int { return len(h.entries) }

func (h *WeightHeap) Less(i, j int) bool {
	if h.entries[i].Weight == h.entries[j].Weight {
		// stable tie break, lower keys first
		return h.entries[i].Key < h.entries[j].Key
	}
	return h.entries[i].Weight < h.entries[j].Weight
}

func (h *WeightHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *WeightHeap) Push(x interface{}) {
	e := x.(*weightEntry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
	h.byKey[e.Key] = e
}

func (h *WeightHeap) Pop() interface{} {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.entries = old[:n-1]
	delete(h.byKey, e.Key)
	return e
}

// --------------------------------------------------------------------------
// Keyed access
// --------------------------------------------------------------------------

// Set inserts a key or replaces its weight
func (h *WeightHeap) Set(key int, weight int64) {
	if e, ok := h.byKey[key]; ok {
		e.Weight = weight
		heap.Fix(h, e.index)
		return
	}
	heap.Push(h, &weightEntry{Key: key, Weight: weight})
}

// Add changes the weight of a key by delta, inserting it with weight delta if absent.
// It returns the new weight.
func (h *WeightHeap) Add(key int, delta int64) int64 {
	e, ok := h.byKey[key]
	if !ok {
		h.Set(key, delta)
		return delta
	}
	e.Weight += delta
	heap.Fix(h, e.index)
	return e.Weight
}

// Remove deletes a key and returns its last weight
func (h *WeightHeap) Remove(key int) (int64, bool) {
	e, ok := h.byKey[key]
	if !ok {
		return 0, false
	}
	heap.Remove(h, e.index)
	return e.Weight, true
}

// Least returns the key with the smallest weight
func (h *WeightHeap) Least() (key int, weight int64, ok bool) {
	if len(h.entries) == 0 {
		return 0, 0, false
	}
	return h.entries[0].Key, h.entries[0].Weight, true
}

// Get returns the weight of a key
func (h *WeightHeap) Get(key int) (int64, bool) {
	e, ok := h.byKey[key]
	if !ok {
		return 0, false
	}
	return e.Weight, true
}
