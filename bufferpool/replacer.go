package bufferpool

import (
	"container/list"
	"sync"

	"go.uber.org/zap"

	"github.com/finchdb/bufcore/pkg/assert"
)

// FrameID is an index into the buffer pool's frame array, in [0, N).
type FrameID int

// Replacer selects which frame to evict when the buffer pool needs a fresh
// one and the free list is empty.
type Replacer interface {
	// RecordAccess notes that frameID was just accessed.
	RecordAccess(frameID FrameID)
	// SetEvictable marks frameID as (in)eligible for eviction.
	SetEvictable(frameID FrameID, evictable bool)
	// Evict picks a victim frame among the evictable ones and forgets it.
	Evict() (FrameID, bool)
	// Remove forcibly forgets a frame, e.g. because its page was deleted.
	Remove(frameID FrameID)
	// Size reports how many frames are currently evictable.
	Size() int
}

var _ Replacer = (*LRUKReplacer)(nil)

// LRUKReplacer is an LRU-K eviction policy. Frames with fewer than k
// accesses have a backward k-distance of +inf and are evicted before any
// frame that has reached k accesses; ties among +inf frames go to the frame
// that was first accessed longest ago. Among frames with k or more
// accesses, the victim is the one whose most recent access is oldest.
type LRUKReplacer struct {
	mu sync.Mutex

	k            int
	replacerSize int

	accessCount map[FrameID]int
	isEvictable map[FrameID]bool

	// historyList holds frames with 1..k-1 accesses, most recent at front.
	historyList  *list.List
	historyElems map[FrameID]*list.Element

	// cacheList holds frames with >=k accesses, ordered by recency of
	// their most recent access, most recent at front.
	cacheList  *list.List
	cacheElems map[FrameID]*list.Element

	currSize int

	log *zap.SugaredLogger
}

// NewLRUKReplacer returns a replacer for numFrames frames using the given k.
func NewLRUKReplacer(numFrames, k int, log *zap.SugaredLogger) *LRUKReplacer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &LRUKReplacer{
		k:            k,
		replacerSize: numFrames,
		accessCount:  make(map[FrameID]int),
		isEvictable:  make(map[FrameID]bool),
		historyList:  list.New(),
		historyElems: make(map[FrameID]*list.Element),
		cacheList:    list.New(),
		cacheElems:   make(map[FrameID]*list.Element),
		log:          log,
	}
}

func (r *LRUKReplacer) checkFrameID(frameID FrameID) {
	assert.Assert(
		frameID >= 0 && int(frameID) < r.replacerSize,
		"lru-k: frame id %d out of range [0, %d)", frameID, r.replacerSize,
	)
}

// RecordAccess bumps frameID's access count and moves it between the
// history and cache sequences as needed.
func (r *LRUKReplacer) RecordAccess(frameID FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.checkFrameID(frameID)

	r.accessCount[frameID]++

	switch {
	case r.accessCount[frameID] == r.k:
		if elem, ok := r.historyElems[frameID]; ok {
			r.historyList.Remove(elem)
			delete(r.historyElems, frameID)
		}
		r.cacheElems[frameID] = r.cacheList.PushFront(frameID)
	case r.accessCount[frameID] > r.k:
		if elem, ok := r.cacheElems[frameID]; ok {
			r.cacheList.Remove(elem)
		}
		r.cacheElems[frameID] = r.cacheList.PushFront(frameID)
	default:
		if r.accessCount[frameID] == 1 {
			r.historyElems[frameID] = r.historyList.PushFront(frameID)
		}
	}
}

// SetEvictable toggles whether frameID is a candidate for eviction. It has
// no effect on a frame that has never been accessed.
func (r *LRUKReplacer) SetEvictable(frameID FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.checkFrameID(frameID)

	if r.accessCount[frameID] == 0 {
		return
	}

	switch {
	case r.isEvictable[frameID] && !evictable:
		r.currSize--
	case !r.isEvictable[frameID] && evictable:
		r.currSize++
	}
	r.isEvictable[frameID] = evictable
}

// Evict removes and returns an evictable frame: the oldest entry at the
// back of the history sequence, or if none is evictable there, the oldest
// entry at the back of the cache sequence.
func (r *LRUKReplacer) Evict() (FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currSize == 0 {
		return 0, false
	}

	for e := r.historyList.Back(); e != nil; e = e.Prev() {
		fid, _ := e.Value.(FrameID)
		if r.isEvictable[fid] {
			r.historyList.Remove(e)
			delete(r.historyElems, fid)
			r.forget(fid)

			r.log.Debugw("lru-k: evicted from history", "frame_id", fid)

			return fid, true
		}
	}

	for e := r.cacheList.Back(); e != nil; e = e.Prev() {
		fid, _ := e.Value.(FrameID)
		if r.isEvictable[fid] {
			r.cacheList.Remove(e)
			delete(r.cacheElems, fid)
			r.forget(fid)

			r.log.Debugw("lru-k: evicted from cache", "frame_id", fid)

			return fid, true
		}
	}

	return 0, false
}

// forget clears all bookkeeping for frameID and decrements curr_size. The
// caller must have already removed frameID from whichever list held it.
func (r *LRUKReplacer) forget(frameID FrameID) {
	delete(r.accessCount, frameID)
	delete(r.isEvictable, frameID)
	r.currSize--
}

// Remove forcibly drops frameID's history. A no-op if the frame has never
// been accessed; aborts the process if the frame is known but not
// evictable, since only unpinned (and therefore evictable) frames should
// ever be removed.
func (r *LRUKReplacer) Remove(frameID FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.checkFrameID(frameID)

	if r.accessCount[frameID] == 0 {
		return
	}

	assert.Assert(r.isEvictable[frameID], "lru-k: remove called on pinned frame %d", frameID)

	if r.accessCount[frameID] >= r.k {
		if elem, ok := r.cacheElems[frameID]; ok {
			r.cacheList.Remove(elem)
			delete(r.cacheElems, frameID)
		}
	} else {
		if elem, ok := r.historyElems[frameID]; ok {
			r.historyList.Remove(elem)
			delete(r.historyElems, frameID)
		}
	}

	r.forget(frameID)
}

// Size returns the number of frames currently marked evictable.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.currSize
}
