package tilestream

import "math/bits"

// PoolSlot identifies one fixed-size unit of physical memory in a managed
// texture's tile pool. The slot count of a pool is its residency budget.
type PoolSlot uint32

// slotAllocator tracks which pool slots are occupied using a bitset of
// 64-bit words. It is owned by the render thread and is not synchronized.
type slotAllocator struct {
	words    []uint64
	capacity uint32
	used     uint32
	hint     uint32 // lowest slot that may be free
}

func newSlotAllocator(capacity uint32) *slotAllocator {
	return &slotAllocator{
		words:    make([]uint64, (capacity+63)/64),
		capacity: capacity,
	}
}

// allocate claims the lowest free slot at or after the search hint.
// It reports false when every slot is occupied.
func (a *slotAllocator) allocate() (PoolSlot, bool) {
	if a.used == a.capacity {
		return 0, false
	}
	n := uint32(len(a.words))
	start := a.hint / 64
	for i := range n {
		w := (start + i) % n
		if a.words[w] == ^uint64(0) {
			continue
		}
		bit := uint32(bits.TrailingZeros64(^a.words[w]))
		slot := w*64 + bit
		if slot >= a.capacity {
			continue
		}
		a.words[w] |= 1 << bit
		a.used++
		a.hint = slot + 1
		return PoolSlot(slot), true
	}
	return 0, false
}

// free releases slot. Freeing an unoccupied slot is a no-op.
func (a *slotAllocator) free(slot PoolSlot) {
	s := uint32(slot)
	if s >= a.capacity || !a.occupied(slot) {
		return
	}
	a.words[s/64] &^= 1 << (s % 64)
	a.used--
	if s < a.hint {
		a.hint = s
	}
}

func (a *slotAllocator) occupied(slot PoolSlot) bool {
	s := uint32(slot)
	if s >= a.capacity {
		return false
	}
	return a.words[s/64]&(1<<(s%64)) != 0
}

func (a *slotAllocator) inUse() uint32 { return a.used }
func (a *slotAllocator) size() uint32  { return a.capacity }
