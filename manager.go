// Package tilestream streams the tiles of sparse (virtual) GPU textures from
// packed on-disk atlases into a bounded pool of physical tile memory.
//
// Every frame the renderer reports the tiles its shaders wanted through
// ResidencyManager.EnqueueSamples and then calls ResidencyManager.ProcessQueues
// once. The pump admits tiles whose asynchronous reads have finished, evicts
// the least recently used tiles when the pool is full, issues new reads and
// keeps a per-texture ResidencyMap that tells shaders which mip is safe to
// sample. The render thread never waits for disk I/O.
//
// The coarsest mips of each texture, packed into a few tiles by the backend,
// are mapped when the texture is registered and stay resident until it is
// released, so there is always something to sample.
package tilestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dgryski/go-farm"
)

// ResidencyManager owns every managed texture and runs the per-frame
// residency pump.
//
// All methods except SetBorderMode, SetDebugMode, Stats, Errors and Flush
// must be called from a single goroutine, the render thread. Tile reads run
// on their own goroutines and only ever touch the completion queue.
type ResidencyManager struct {
	log *slog.Logger

	poolSlots   int
	maxInFlight int
	hostTiles   int
	errBuffer   int
	borderWidth uint32

	debug  atomic.Bool
	border atomic.Bool

	profiling     *ProfilingConfig
	profileServer *http.Server
	traceFile     *os.File

	textures map[ResourceID]*ManagedTexture
	order    []*ManagedTexture // registration order
	nextRes  ResourceID

	completions CompletionQueue
	drained     []Completion

	wanted map[TileCoordinate]struct{}
	sorted []TileCoordinate
	queued []*tileRecord

	inFlight    int
	reads       readTracker
	nextRequest uint64
	epoch       uint64
	frame       uint64

	borderApplied bool
	host          *hostCache

	errs chan error

	stats    Stats
	statsMu  sync.Mutex
	snapshot Stats

	closed bool
}

// NewResidencyManager creates a manager with no textures.
func NewResidencyManager(opts ...Option) (*ResidencyManager, error) {
	m := &ResidencyManager{
		log:         Logger(),
		poolSlots:   DefaultPoolSlots,
		maxInFlight: DefaultMaxInFlight,
		errBuffer:   DefaultErrorBuffer,
		borderWidth: DefaultBorderWidth,
		textures:    make(map[ResourceID]*ManagedTexture),
		wanted:      make(map[TileCoordinate]struct{}),
		frame:       1,
	}
	for _, opt := range opts {
		opt(m)
	}

	switch {
	case m.poolSlots <= 0:
		return nil, fmt.Errorf("pool slots must be positive, got %d", m.poolSlots)
	case m.maxInFlight <= 0:
		return nil, fmt.Errorf("max in-flight reads must be positive, got %d", m.maxInFlight)
	case m.errBuffer < 0:
		return nil, fmt.Errorf("error buffer must not be negative, got %d", m.errBuffer)
	}

	host, err := newHostCache(m.hostTiles)
	if err != nil {
		return nil, fmt.Errorf("host cache: %w", err)
	}
	m.host = host
	m.errs = make(chan error, m.errBuffer)
	m.borderApplied = m.border.Load()

	if err := m.startProfiling(); err != nil {
		return nil, err
	}
	m.snapshot = m.stats
	m.snapshot.Frame = m.frame
	return m, nil
}

// ManageTexture registers tex, whose tiles are stored in the atlas at path.
//
// The packed tail of every array slice is read and mapped before
// ManageTexture returns. It fails with ErrPoolTooSmall when those tiles do
// not fit the pool, and with the underlying I/O or backend error otherwise;
// a failed registration leaves nothing mapped.
func (m *ResidencyManager) ManageTexture(tex SparseTexture, path string) (*ManagedTexture, error) {
	if m.closed {
		return nil, ErrManagerClosed
	}
	layout, err := NewTilingLayout(tex.Tiling())
	if err != nil {
		return nil, err
	}

	res := m.nextRes + 1
	protected := layout.PackedTiles(res)
	if len(protected) > m.poolSlots {
		return nil, fmt.Errorf("%w: %d protected tiles, %d slots", ErrPoolTooSmall, len(protected), m.poolSlots)
	}

	src, err := OpenTileSource(path, layout)
	if err != nil {
		return nil, err
	}
	if m.borderApplied {
		src.SetBorderMode(true, m.borderWidth)
	}
	t, err := newManagedTexture(res, tex, layout, src, m.poolSlots)
	if err != nil {
		src.Close()
		return nil, err
	}

	if err := m.mapProtected(t, protected); err != nil {
		for _, rec := range t.records {
			t.unbind(rec)
		}
		src.Close()
		return nil, err
	}

	m.nextRes = res
	m.textures[res] = t
	m.order = append(m.order, t)
	m.upload(t, true)

	m.log.Info("texture managed",
		"texture", t.id.String(),
		"resource", res,
		"path", path,
		"format", layout.Format().String(),
		"tiles", layout.TotalTiles(),
		"protected", len(protected),
		"slots", m.poolSlots)
	return t, nil
}

// mapProtected reads all packed-tail tiles concurrently and maps each into
// its own slot.
func (m *ResidencyManager) mapProtected(t *ManagedTexture, protected []TileCoordinate) error {
	futures := make([]*Future, len(protected))
	for i, c := range protected {
		futures[i] = t.source.RequestTile(c)
	}

	var firstErr error
	for _, f := range futures {
		data, err := f.Wait(context.Background())
		if err == nil && firstErr == nil {
			err = m.mapPinned(t, f.Coordinate(), data)
		}
		if data != nil {
			t.source.Recycle(data)
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("map packed tile %s: %w", f.Coordinate(), err)
		}
	}
	return firstErr
}

func (m *ResidencyManager) mapPinned(t *ManagedTexture, c TileCoordinate, data []byte) error {
	slot, ok := t.slots.allocate()
	if !ok {
		return ErrPoolTooSmall
	}
	if err := t.backend.MapTile(c, slot, data); err != nil {
		t.slots.free(slot)
		return err
	}
	rec := &tileRecord{coord: c, protected: true}
	t.records[c] = rec
	t.bind(rec, slot, m.frame)
	return nil
}

// EnqueueSamples adds feedback samples to this frame's wanted set. Duplicate
// samples collapse. Samples of unmanaged textures, coordinates outside the
// layout and packed-tail coordinates are ignored.
func (m *ResidencyManager) EnqueueSamples(samples ...TileCoordinate) {
	for _, c := range samples {
		t, ok := m.textures[c.Resource]
		if !ok || !t.layout.Contains(c) || t.layout.IsPacked(c) {
			m.stats.IgnoredSamples++
			continue
		}
		m.wanted[c] = struct{}{}
	}
}

// ProcessQueues runs one frame of the residency pump:
//
//  1. drain finished reads from the completion queue
//  2. map ready tiles, evicting the least recently used tile when the pool is full
//  3. queue newly wanted tiles and issue reads up to the in-flight cap
//  4. refresh the recency of every tile sampled this frame
//  5. clear the wanted set
//
// Residency maps that changed are then uploaded and the frame counter
// advances. ProcessQueues never blocks on I/O.
func (m *ResidencyManager) ProcessQueues() {
	if m.closed {
		return
	}
	m.applyBorderMode()

	m.drainCompletions()
	m.admitReady()

	m.sorted = m.sorted[:0]
	for c := range m.wanted {
		m.sorted = append(m.sorted, c)
	}
	slices.SortFunc(m.sorted, TileCoordinate.Compare)

	m.queueWanted()
	m.issueLoads()
	m.refreshRecency()
	clear(m.wanted)

	for _, t := range m.order {
		m.upload(t, false)
	}
	if m.debug.Load() {
		if err := m.CheckInvariants(); err != nil {
			m.log.Error("residency invariant violated", "frame", m.frame, "error", err)
		}
	}
	m.publishStats()
	m.frame++
}

func (m *ResidencyManager) drainCompletions() {
	m.drained = m.completions.Drain(m.drained[:0])
	for i := range m.drained {
		c := &m.drained[i]
		m.inFlight--

		t := m.textures[c.Coord.Resource]
		var rec *tileRecord
		if t != nil {
			rec = t.records[c.Coord]
		}
		if c.epoch != m.epoch || rec == nil || rec.state != StateLoading || rec.request != c.request {
			m.stats.Discarded++
			if t != nil && c.Data != nil {
				t.source.Recycle(c.Data)
			}
			m.log.Debug("stale completion discarded", "tile", c.Coord, "epoch", c.epoch)
			continue
		}

		if c.Err != nil {
			t.remove(rec)
			m.stats.LoadErrors++
			m.report(fmt.Errorf("load tile %s: %w", c.Coord, c.Err))
			continue
		}

		m.stats.LoadsCompleted++
		rec.state = StateReady
		rec.payload = c.Data
		t.ready = append(t.ready, rec)
	}
	clear(m.drained)
}

func (m *ResidencyManager) admitReady() {
	for _, t := range m.order {
		kept := t.ready[:0]
		for _, rec := range t.ready {
			if rec.state != StateReady {
				continue
			}
			if !m.admit(t, rec) {
				kept = append(kept, rec)
			}
		}
		clear(t.ready[len(kept):])
		t.ready = kept
	}
}

// admit maps rec into a free slot, evicting at most one tile to make room.
// It reports false when rec has to wait for a later frame.
func (m *ResidencyManager) admit(t *ManagedTexture, rec *tileRecord) bool {
	slot, ok := t.slots.allocate()
	if !ok {
		if victim, found := t.victim(m.frame); found {
			m.evict(t, victim)
			slot, ok = t.slots.allocate()
		}
	}
	if !ok {
		m.stats.Deferred++
		return false
	}

	data := rec.payload
	if err := t.backend.MapTile(rec.coord, slot, data); err != nil {
		t.slots.free(slot)
		t.source.Recycle(data)
		t.remove(rec)
		m.stats.MapErrors++
		m.report(fmt.Errorf("map tile %s: %w", rec.coord, err))
		return true
	}
	rec.payload = nil
	t.bind(rec, slot, m.frame)
	m.stats.Admissions++

	if m.debug.Load() {
		m.log.Debug("tile admitted",
			"texture", t.id.String(),
			"tile", rec.coord,
			"slot", slot,
			"fingerprint", farm.Fingerprint64(data))
	}
	if !m.host.add(rec.coord, data) {
		t.source.Recycle(data)
	}
	return true
}

func (m *ResidencyManager) evict(t *ManagedTexture, rec *tileRecord) {
	c, slot := rec.coord, rec.slot
	if err := t.unbind(rec); err != nil {
		m.report(fmt.Errorf("unmap tile %s: %w", c, err))
	}
	m.stats.Evictions++
	if m.debug.Load() {
		m.log.Debug("tile evicted", "texture", t.id.String(), "tile", c, "slot", slot)
	}
}

// queueWanted creates a queued record for every wanted tile without one.
func (m *ResidencyManager) queueWanted() {
	for _, c := range m.sorted {
		t := m.textures[c.Resource]
		if t == nil {
			continue
		}
		if _, ok := t.records[c]; ok {
			continue
		}
		rec := &tileRecord{coord: c, state: StateQueued, lastTouched: m.frame}
		t.records[c] = rec
		m.queued = append(m.queued, rec)
	}
}

// issueLoads starts reads for queued records in FIFO order until the
// in-flight cap is reached. Ready payloads still waiting for a slot count
// against the cap.
func (m *ResidencyManager) issueLoads() {
	held := m.heldPayloads()
	n := 0
	for _, rec := range m.queued {
		if rec.state != StateQueued {
			continue
		}
		t := m.textures[rec.coord.Resource]
		if t == nil {
			continue
		}
		if m.inFlight+held >= m.maxInFlight {
			m.queued[n] = rec
			n++
			continue
		}
		m.issue(t, rec)
	}
	clear(m.queued[n:])
	m.queued = m.queued[:n]
}

func (m *ResidencyManager) heldPayloads() int {
	n := 0
	for _, t := range m.order {
		for _, rec := range t.ready {
			if rec.state == StateReady {
				n++
			}
		}
	}
	return n
}

func (m *ResidencyManager) issue(t *ManagedTexture, rec *tileRecord) {
	m.nextRequest++
	rec.state = StateLoading
	rec.request = m.nextRequest
	rec.epoch = m.epoch
	m.inFlight++
	m.stats.LoadsIssued++

	done := Completion{Coord: rec.coord, request: rec.request, epoch: rec.epoch}
	if data, ok := m.host.take(rec.coord); ok {
		m.stats.HostCacheHits++
		done.Data = data
		m.completions.Push(done)
		return
	}

	m.reads.start()
	t.source.RequestTileFunc(rec.coord, func(f *Future) {
		done.Data, done.Err = f.Result()
		m.completions.Push(done)
		m.reads.finish()
	})
}

func (m *ResidencyManager) refreshRecency() {
	for _, c := range m.sorted {
		t := m.textures[c.Resource]
		if t == nil {
			continue
		}
		rec, ok := t.records[c]
		if !ok {
			continue
		}
		rec.lastTouched = m.frame
		if rec.state == StateResident {
			t.recency.Get(c)
		}
	}
}

func (m *ResidencyManager) upload(t *ManagedTexture, force bool) {
	if !t.resMap.takeDirty() && !force {
		return
	}
	up, ok := t.backend.(ResidencyMapUploader)
	if !ok {
		return
	}
	if err := up.UploadResidencyMap(t.resMap); err != nil {
		m.report(fmt.Errorf("upload residency map of %s: %w", t.id, err))
	}
}

func (m *ResidencyManager) applyBorderMode() {
	on := m.border.Load()
	if on == m.borderApplied {
		return
	}
	for _, t := range m.order {
		t.source.SetBorderMode(on, m.borderWidth)
	}
	// Cached payloads carry the old decoration.
	m.host.purge()
	m.borderApplied = on
	m.log.Info("border mode changed", "enabled", on)
}

// report delivers err on the error channel without blocking.
func (m *ResidencyManager) report(err error) {
	m.log.Warn("tile streaming error", "frame", m.frame, "error", err)
	select {
	case m.errs <- err:
	default:
		m.stats.DroppedErrors++
	}
}

// Reset drops every streamed tile: resident tiles are evicted, queued and
// ready tiles are forgotten and reads still in flight will be discarded when
// they complete. Protected tiles stay mapped. Tiles are streamed back in as
// they are sampled again.
func (m *ResidencyManager) Reset() {
	if m.closed {
		return
	}
	m.epoch++
	for _, t := range m.order {
		for {
			_, rec, ok := t.recency.GetOldest()
			if !ok {
				break
			}
			m.evict(t, rec)
		}
		for _, rec := range t.records {
			if rec.protected {
				continue
			}
			if rec.state == StateReady {
				t.source.Recycle(rec.payload)
			}
			t.remove(rec)
		}
		clear(t.ready)
		t.ready = t.ready[:0]
	}
	clear(m.queued)
	m.queued = m.queued[:0]
	m.host.purge()
	m.log.Info("residency reset", "frame", m.frame, "epoch", m.epoch)
}

// ReleaseTexture unmaps every tile of t, protected tiles included, and closes
// its tile source. Reads still in flight are discarded when they complete.
func (m *ResidencyManager) ReleaseTexture(t *ManagedTexture) error {
	if t == nil || m.textures[t.res] != t {
		return ErrUnknownTexture
	}

	var errs []error
	for _, rec := range t.records {
		switch rec.state {
		case StateResident:
			if err := t.unbind(rec); err != nil {
				errs = append(errs, fmt.Errorf("unmap tile %s: %w", rec.coord, err))
			}
			continue
		case StateReady:
			t.source.Recycle(rec.payload)
		}
		t.remove(rec)
	}
	t.ready = nil

	delete(m.textures, t.res)
	m.order = slices.DeleteFunc(m.order, func(o *ManagedTexture) bool { return o == t })
	m.host.drop(t.res)

	// Close waits for outstanding reads; their completions are drained as
	// stale by the next frame.
	if err := t.source.Close(); err != nil {
		errs = append(errs, err)
	}
	m.log.Info("texture released", "texture", t.id.String(), "resource", t.res)
	return errors.Join(errs...)
}

// Flush blocks until every read issued before the call has been pushed onto
// the completion queue, or ctx is done. It may run concurrently with
// ProcessQueues. The results are consumed by the next ProcessQueues.
func (m *ResidencyManager) Flush(ctx context.Context) error {
	select {
	case <-m.reads.idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases every managed texture, stops profiling and closes the
// error channel. The manager cannot be used afterwards.
func (m *ResidencyManager) Close() error {
	if m.closed {
		return nil
	}
	var errs []error
	for _, t := range slices.Clone(m.order) {
		if err := m.ReleaseTexture(t); err != nil {
			errs = append(errs, err)
		}
	}
	<-m.reads.idle()
	m.completions.Drain(nil)
	m.host.purge()
	m.stopProfiling()
	m.closed = true
	close(m.errs)
	return errors.Join(errs...)
}

// SetBorderMode toggles the border debug overlay. It takes effect for tiles
// read from the next frame on and may be called from any goroutine.
func (m *ResidencyManager) SetBorderMode(on bool) { m.border.Store(on) }

// SetDebugMode toggles per-tile debug logging and per-frame invariant
// checks. It may be called from any goroutine.
func (m *ResidencyManager) SetDebugMode(on bool) { m.debug.Store(on) }

// Errors returns the channel streaming failures are reported on. Reports
// that do not fit the buffer are dropped and counted in Stats.DroppedErrors.
// The channel is closed by Close.
func (m *ResidencyManager) Errors() <-chan error { return m.errs }

// Frame returns the number of the frame the next ProcessQueues will run.
func (m *ResidencyManager) Frame() uint64 { return m.frame }

// Textures returns the managed textures in registration order.
func (m *ResidencyManager) Textures() []*ManagedTexture { return slices.Clone(m.order) }

// Stats returns the counters as of the end of the last frame. It may be
// called from any goroutine.
func (m *ResidencyManager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.snapshot
}

func (m *ResidencyManager) publishStats() {
	s := m.stats
	s.Frame = m.frame
	s.InFlight = m.inFlight
	s.HostCache = m.host.len()
	for _, t := range m.order {
		for _, rec := range t.records {
			switch rec.state {
			case StateResident:
				s.Resident++
				if rec.protected {
					s.Protected++
				}
			case StateReady:
				s.Ready++
			case StateLoading:
				s.Loading++
			case StateQueued:
				s.Queued++
			}
		}
	}
	m.statsMu.Lock()
	m.snapshot = s
	m.statsMu.Unlock()
}

// CheckInvariants verifies the residency bookkeeping of every managed
// texture. Debug mode runs it at the end of every frame.
func (m *ResidencyManager) CheckInvariants() error {
	var errs []error
	for _, t := range m.order {
		errs = append(errs, t.checkInvariants())
	}
	return errors.Join(errs...)
}

func (t *ManagedTexture) checkInvariants() error {
	var errs []error
	resident, protected := 0, 0
	for c, rec := range t.records {
		if rec.coord != c {
			errs = append(errs, fmt.Errorf("record for %s keyed as %s", rec.coord, c))
		}
		if rec.protected && rec.state != StateResident {
			errs = append(errs, fmt.Errorf("protected tile %s is %s", c, rec.state))
		}
		if rec.state != StateResident {
			continue
		}
		resident++
		if rec.protected {
			protected++
		}
		if !t.slots.occupied(rec.slot) || t.owners[rec.slot] != rec {
			errs = append(errs, fmt.Errorf("tile %s does not own slot %d", c, rec.slot))
		}
		if !rec.protected && !t.resMap.Resident(c) {
			errs = append(errs, fmt.Errorf("resident tile %s missing from residency map", c))
		}
	}
	if resident > t.Budget() {
		errs = append(errs, fmt.Errorf("%d resident tiles exceed budget %d", resident, t.Budget()))
	}
	if uint32(resident) != t.slots.inUse() {
		errs = append(errs, fmt.Errorf("%d resident tiles but %d slots in use", resident, t.slots.inUse()))
	}
	if protected != t.protected {
		errs = append(errs, fmt.Errorf("%d protected tiles resident, want %d", protected, t.protected))
	}
	if n := t.recency.Len(); n != resident-protected {
		errs = append(errs, fmt.Errorf("recency tracks %d tiles, want %d", n, resident-protected))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("texture %s: %w", t.id, err)
	}
	return nil
}
