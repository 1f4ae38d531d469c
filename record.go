package tilestream

// TileState is the lifecycle stage of a tile record. Tiles that were never
// requested, or whose record was dropped, are StateAbsent and have no record.
type TileState uint8

const (
	StateAbsent TileState = iota

	// StateQueued: wanted, waiting for room in the in-flight read budget.
	StateQueued

	// StateLoading: a read has been issued and has not been drained yet.
	StateLoading

	// StateReady: bytes are loaded and waiting for a free pool slot.
	StateReady

	// StateResident: mapped into a pool slot.
	StateResident
)

var stateNames = [...]string{
	StateAbsent:   "absent",
	StateQueued:   "queued",
	StateLoading:  "loading",
	StateReady:    "ready",
	StateResident: "resident",
}

func (s TileState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// tileRecord is the residency table entry for one tile.
//
// slot is meaningful iff state == StateResident. payload is held only while
// state == StateReady. request and epoch identify the outstanding load while
// state == StateLoading.
type tileRecord struct {
	coord     TileCoordinate
	state     TileState
	protected bool

	slot PoolSlot

	lastTouched   uint64
	admittedFrame uint64

	request uint64
	epoch   uint64
	payload []byte
}
