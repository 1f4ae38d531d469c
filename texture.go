package tilestream

import (
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// SparseTexture is the backend side of one sparse GPU texture.
//
// All methods are called from the render thread only.
type SparseTexture interface {
	// Tiling describes the texture's tile grids and packed tail.
	Tiling() ResourceTiling

	// MapTile binds tile c to pool slot and uploads data into it. data is
	// only valid for the duration of the call.
	MapTile(c TileCoordinate, slot PoolSlot, data []byte) error

	// UnmapTile releases the binding of c to slot.
	UnmapTile(c TileCoordinate, slot PoolSlot) error
}

// ResidencyMapUploader is implemented by backends that mirror the residency
// map into a GPU resource. UploadResidencyMap is called at the end of every
// frame in which the map changed, and once when the texture is registered.
type ResidencyMapUploader interface {
	UploadResidencyMap(m *ResidencyMap) error
}

// ManagedTexture binds one sparse texture to its tile source, residency
// table, pool allocator and residency map.
//
// A ManagedTexture is created by ResidencyManager.ManageTexture. Its
// accessors read render-thread state and must be called from that thread.
type ManagedTexture struct {
	id      uuid.UUID
	res     ResourceID
	backend SparseTexture
	layout  *TilingLayout
	source  *TileSource
	resMap  *ResidencyMap

	slots  *slotAllocator
	owners []*tileRecord // indexed by slot

	records map[TileCoordinate]*tileRecord

	// recency orders resident, unprotected records from least to most
	// recently touched. Protected records never enter it.
	recency *simplelru.LRU[TileCoordinate, *tileRecord]

	ready     []*tileRecord
	protected int
}

func newManagedTexture(res ResourceID, backend SparseTexture, layout *TilingLayout, src *TileSource, poolSlots int) (*ManagedTexture, error) {
	// The LRU never holds more than the streaming share of the pool, so its
	// own capacity-based eviction never fires.
	recency, err := simplelru.NewLRU[TileCoordinate, *tileRecord](max(poolSlots, 1), nil)
	if err != nil {
		return nil, err
	}
	return &ManagedTexture{
		id:      uuid.New(),
		res:     res,
		backend: backend,
		layout:  layout,
		source:  src,
		resMap:  newResidencyMap(layout),
		slots:   newSlotAllocator(uint32(poolSlots)),
		owners:  make([]*tileRecord, poolSlots),
		records: make(map[TileCoordinate]*tileRecord),
		recency: recency,
	}, nil
}

// ID is a unique instance identifier used in log output.
func (t *ManagedTexture) ID() uuid.UUID { return t.id }

// Resource is the ResourceID feedback samples must carry for this texture.
func (t *ManagedTexture) Resource() ResourceID { return t.res }

func (t *ManagedTexture) Layout() *TilingLayout { return t.layout }
func (t *ManagedTexture) Source() *TileSource   { return t.source }

// ResidencyMap returns the GPU-visible residency summary for the shading
// stage. It is read-only for callers.
func (t *ManagedTexture) ResidencyMap() *ResidencyMap { return t.resMap }

// Coordinate builds a coordinate of this texture from a mip, slice and tile
// position.
func (t *ManagedTexture) Coordinate(mip, slice, x, y uint32) TileCoordinate {
	return TileCoordinate{Resource: t.res, Subresource: t.layout.SubresourceIndex(mip, slice), X: x, Y: y}
}

// State returns the lifecycle state of c.
func (t *ManagedTexture) State(c TileCoordinate) TileState {
	if r, ok := t.records[c]; ok {
		return r.state
	}
	return StateAbsent
}

// Slot returns the pool slot c is mapped to, if it is resident.
func (t *ManagedTexture) Slot(c TileCoordinate) (PoolSlot, bool) {
	r, ok := t.records[c]
	if !ok || r.state != StateResident {
		return 0, false
	}
	return r.slot, true
}

// LastTouched returns the frame in which c was last sampled.
func (t *ManagedTexture) LastTouched(c TileCoordinate) (uint64, bool) {
	r, ok := t.records[c]
	if !ok {
		return 0, false
	}
	return r.lastTouched, true
}

// Budget is the total number of pool slots, protected tiles included.
func (t *ManagedTexture) Budget() int { return int(t.slots.size()) }

// ResidentCount is the number of occupied pool slots.
func (t *ManagedTexture) ResidentCount() int { return int(t.slots.inUse()) }

// ProtectedCount is the number of packed-tail tiles pinned in the pool.
func (t *ManagedTexture) ProtectedCount() int { return t.protected }

// ResidentTiles lists the streamed (unprotected) resident tiles from least
// to most recently touched.
func (t *ManagedTexture) ResidentTiles() []TileCoordinate { return t.recency.Keys() }

// bind records that rec now occupies slot.
func (t *ManagedTexture) bind(rec *tileRecord, slot PoolSlot, frame uint64) {
	rec.state = StateResident
	rec.slot = slot
	rec.lastTouched = frame
	rec.admittedFrame = frame
	t.owners[slot] = rec
	if rec.protected {
		t.protected++
		return
	}
	t.resMap.markResident(rec.coord)
	t.recency.Add(rec.coord, rec)
}

// victim returns the least recently touched evictable record. Tiles admitted
// during frame have not been sampled yet and are not candidates.
func (t *ManagedTexture) victim(frame uint64) (*tileRecord, bool) {
	_, rec, ok := t.recency.GetOldest()
	if !ok || rec.admittedFrame == frame {
		return nil, false
	}
	return rec, true
}

// unbind downgrades the residency map, unmaps rec and frees its slot. The
// map is downgraded before the unmap so it never references memory that is
// already gone.
func (t *ManagedTexture) unbind(rec *tileRecord) error {
	if !rec.protected {
		t.resMap.markEvicted(rec.coord)
		t.recency.Remove(rec.coord)
	} else {
		t.protected--
	}
	err := t.backend.UnmapTile(rec.coord, rec.slot)
	t.owners[rec.slot] = nil
	t.slots.free(rec.slot)
	t.remove(rec)
	return err
}

// remove drops rec from the residency table. Its payload, if any, must have
// been released by the caller.
func (t *ManagedTexture) remove(rec *tileRecord) {
	if t.records[rec.coord] == rec {
		delete(t.records, rec.coord)
	}
	rec.state = StateAbsent
	rec.payload = nil
}
