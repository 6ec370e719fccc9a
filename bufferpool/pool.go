// Package bufferpool implements the buffering core: a fixed-size page cache
// backed by an LRU-K eviction policy and an extendible hash directory
// mapping resident page ids to frames.
package bufferpool

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/panjf2000/ants"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/finchdb/bufcore/hashdir"
	"github.com/finchdb/bufcore/pkg/assert"
	"github.com/finchdb/bufcore/pkg/optional"
	"github.com/finchdb/bufcore/storage/page"
)

// maxFlushWorkers bounds the goroutine pool backing a concurrent flush; a
// buffer pool with fewer dirty frames than this just uses fewer workers.
const maxFlushWorkers = 8

// DiskManager is the buffer pool's view of durable storage. Implementations
// are expected to treat reads/writes of an already-allocated page id as
// always succeeding barring genuine I/O failure; the pool has no retry
// logic of its own.
type DiskManager interface {
	ReadPage(id page.ID, buf []byte) error
	WritePage(id page.ID, buf []byte) error
	AllocatePage() page.ID
	DeallocatePage(id page.ID)
}

type frame struct {
	page     *page.Page
	id       page.ID
	pinCount int
	dirty    bool
}

// PoolStats is a read-only snapshot of the pool's occupancy.
type PoolStats struct {
	PoolSize int
	Resident int
	Free     int
	Dirty    int
}

// Pool is a fixed-size, pinned-page cache in front of a DiskManager.
//
// Every public operation is serialized under a single coarse mutex,
// including the disk I/O a miss triggers: a deliberate simplification that
// bounds concurrency (a page-in blocks every other caller) but preserves
// the invariant that frame and directory state never change mid-I/O. A
// finer-grained scheme (per-frame latches, a separate directory latch) is
// the natural refinement this leaves on the table.
type Pool struct {
	poolSize int

	frames   []frame
	freeList []FrameID

	directory *hashdir.Directory[page.ID, FrameID]
	replacer  Replacer
	disk      DiskManager

	mu sync.Mutex

	log *zap.SugaredLogger
}

// New builds a pool of poolSize frames, an LRU-K replacer with the given k,
// and a hash directory with the given bucket size. log may be nil.
func New(poolSize, replacerK, bucketSize int, disk DiskManager, log *zap.SugaredLogger) *Pool {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return newPool(poolSize, bucketSize, NewLRUKReplacer(poolSize, replacerK, log), disk, log)
}

// newPool builds a pool around an already-constructed Replacer, letting
// tests swap in a mock to assert on the eviction-policy call sequence
// directly. log may be nil.
func newPool(poolSize, bucketSize int, replacer Replacer, disk DiskManager, log *zap.SugaredLogger) *Pool {
	assert.Assert(poolSize > 0, "bufferpool: pool size must be positive")
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	frames := make([]frame, poolSize)
	freeList := make([]FrameID, poolSize)
	for i := range frames {
		frames[i] = frame{page: page.New(), id: page.InvalidID}
		freeList[i] = FrameID(i)
	}

	return &Pool{
		poolSize: poolSize,
		frames:   frames,
		freeList: freeList,
		directory: hashdir.New[page.ID, FrameID](bucketSize, func(id page.ID) uint64 {
			return hashdir.Int64Hasher(int64(id))
		}, log),
		replacer: replacer,
		disk:     disk,
		log:      log,
	}
}

// acquireFrame implements the frame-acquisition algorithm shared by NewPage
// and FetchPage: the free list first, then a replacer-chosen victim, with a
// dirty victim written back before its frame is handed out. The returned
// frame is detached from the directory and zeroed; the caller still owns
// installing the new page id and pin state. Must be called with mu held.
func (p *Pool) acquireFrame() (FrameID, bool) {
	if p.replacer.Size()+len(p.freeList) == 0 {
		return 0, false
	}

	if len(p.freeList) > 0 {
		fid := p.freeList[len(p.freeList)-1]
		p.freeList = p.freeList[:len(p.freeList)-1]
		return fid, true
	}

	victim, ok := p.replacer.Evict()
	assert.Assert(ok, "bufferpool: replacer reported capacity but evict failed")

	fr := &p.frames[victim]
	if fr.dirty {
		err := p.disk.WritePage(fr.id, fr.page.Data())
		assert.NoError(err)
		fr.dirty = false

		p.log.Debugw("bufferpool: wrote back dirty victim", "page_id", fr.id, "frame_id", victim)
	}

	p.directory.Remove(fr.id)
	fr.page.Reset()
	fr.id = page.InvalidID
	fr.pinCount = 0

	return victim, true
}

// NewPage allocates a fresh page id, pins it into a frame, and returns it.
// Returns None if the pool is exhausted (every frame pinned).
func (p *Pool) NewPage() optional.Optional[*page.Page] {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.acquireFrame()
	if !ok {
		p.log.Warnw("bufferpool: pool exhausted on new page")
		return optional.None[*page.Page]()
	}

	id := p.disk.AllocatePage()

	fr := &p.frames[fid]
	fr.id = id
	fr.pinCount = 1
	fr.dirty = false

	p.directory.Insert(id, fid)
	p.replacer.RecordAccess(fid)
	p.replacer.SetEvictable(fid, false)

	p.log.Debugw("bufferpool: new page", "page_id", id, "frame_id", fid)

	return optional.Some(fr.page)
}

// pinExisting bumps the pin count of an already-resident frame and records
// the access with the replacer. Must be called with mu held.
func (p *Pool) pinExisting(fid FrameID) *page.Page {
	fr := &p.frames[fid]
	fr.pinCount++
	p.replacer.RecordAccess(fid)
	p.replacer.SetEvictable(fid, false)
	return fr.page
}

// FetchPage returns a pinned reference to id, reading it from disk if it is
// not already resident. Returns None if id is not resident and the pool is
// exhausted.
//
// mu is held for the full duration of a miss, including the ReadPage call:
// the directory entry for id is only installed once its bytes are actually
// in place, so a concurrent FetchPage(id) from another goroutine can never
// observe a half-loaded frame and mistake it for a hit.
func (p *Pool) FetchPage(id page.ID) optional.Optional[*page.Page] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fid, ok := p.directory.Find(id); ok {
		return optional.Some(p.pinExisting(fid))
	}

	fid, ok := p.acquireFrame()
	if !ok {
		p.log.Warnw("bufferpool: pool exhausted on fetch", "page_id", id)
		return optional.None[*page.Page]()
	}

	fr := &p.frames[fid]
	fr.id = id
	fr.pinCount = 1
	fr.dirty = false

	err := p.disk.ReadPage(id, fr.page.Data())
	assert.NoError(err)

	p.directory.Insert(id, fid)
	p.replacer.RecordAccess(fid)
	p.replacer.SetEvictable(fid, false)

	p.log.Debugw("bufferpool: fetched page from disk", "page_id", id, "frame_id", fid)

	return optional.Some(fr.page)
}

// UnpinPage decrements id's pin count, marking it dirty if requested. Once
// the pin count reaches zero the frame becomes evictable. Reports false if
// id is not resident or is already unpinned.
func (p *Pool) UnpinPage(id page.ID, dirty bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.directory.Find(id)
	if !ok {
		return false
	}

	fr := &p.frames[fid]
	if fr.pinCount == 0 {
		return false
	}

	if dirty {
		fr.dirty = true
	}

	fr.pinCount--
	if fr.pinCount == 0 {
		p.replacer.SetEvictable(fid, true)
	}

	return true
}

// FlushPage writes id's current bytes to disk unconditionally and clears
// its dirty flag. Reports false if id is not resident.
func (p *Pool) FlushPage(id page.ID) bool {
	if id == page.InvalidID {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.directory.Find(id)
	if !ok {
		return false
	}

	fr := &p.frames[fid]
	err := p.disk.WritePage(fr.id, fr.page.Data())
	assert.NoError(err)
	fr.dirty = false

	return true
}

// DeletePage evicts id from the pool, returning its frame to the free list.
// Reports false (without deleting) if the page is currently pinned.
// Reports true if the page was not resident to begin with.
func (p *Pool) DeletePage(id page.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.directory.Find(id)
	if !ok {
		return true
	}

	fr := &p.frames[fid]
	if fr.pinCount > 0 {
		return false
	}

	p.replacer.Remove(fid)
	p.directory.Remove(id)

	fr.page.Reset()
	fr.pinCount = 0
	fr.dirty = false
	fr.id = page.InvalidID

	p.freeList = append(p.freeList, fid)
	p.disk.DeallocatePage(id)

	return true
}

type flushJob struct {
	frameID FrameID
	pageID  page.ID
	data    []byte
}

// snapshotFrames copies out the bytes of every resident frame (or, if
// dirtyOnly, every resident dirty frame) so writes can happen without
// holding mu for the whole flush.
func (p *Pool) snapshotFrames(dirtyOnly bool) []flushJob {
	p.mu.Lock()
	defer p.mu.Unlock()

	jobs := make([]flushJob, 0, p.poolSize)
	for i := range p.frames {
		fr := &p.frames[i]
		if fr.id == page.InvalidID {
			continue
		}
		if dirtyOnly && !fr.dirty {
			continue
		}
		jobs = append(jobs, flushJob{
			frameID: FrameID(i),
			pageID:  fr.id,
			data:    append([]byte(nil), fr.page.Data()...),
		})
	}
	return jobs
}

func (p *Pool) markClean(frameID FrameID, pageID page.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fr := &p.frames[frameID]
	if fr.id == pageID {
		fr.dirty = false
	}
}

func flushWorkers(n int) int {
	if n < maxFlushWorkers {
		return n
	}
	return maxFlushWorkers
}

// FlushAllPages writes every resident page's current bytes to disk,
// unconditionally, the same way FlushPage does for one page. Write-back
// runs on a bounded worker pool; the first write failure cancels the
// remaining submissions and is returned.
func (p *Pool) FlushAllPages() error {
	jobs := p.snapshotFrames(false)
	if len(jobs) == 0 {
		return nil
	}

	workerPool, err := ants.NewPool(flushWorkers(len(jobs)))
	if err != nil {
		return errors.Wrap(err, "bufferpool: create flush worker pool")
	}
	defer workerPool.Release()

	eg, ctx := errgroup.WithContext(context.Background())
	for _, j := range jobs {
		j := j
		eg.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			done := make(chan error, 1)
			if submitErr := workerPool.Submit(func() {
				done <- p.disk.WritePage(j.pageID, j.data)
			}); submitErr != nil {
				return errors.Wrapf(submitErr, "submit flush for page %d", j.pageID)
			}

			if werr := <-done; werr != nil {
				return errors.Wrapf(werr, "flush page %d", j.pageID)
			}

			p.markClean(j.frameID, j.pageID)
			return nil
		})
	}

	return eg.Wait()
}

// FlushAllPagesBestEffort writes every resident *dirty* frame to disk,
// combining every write failure with multierr instead of stopping at the
// first one. Unlike FlushAllPages it does not abort the sweep on error, so
// it is the preferred variant for a periodic background checkpoint.
func (p *Pool) FlushAllPagesBestEffort(ctx context.Context) error {
	jobs := p.snapshotFrames(true)
	if len(jobs) == 0 {
		return nil
	}

	workerPool, err := ants.NewPool(flushWorkers(len(jobs)))
	if err != nil {
		return errors.Wrap(err, "bufferpool: create flush worker pool")
	}
	defer workerPool.Release()

	var (
		mu       sync.Mutex
		combined error
		wg       sync.WaitGroup
	)

	wg.Add(len(jobs))
	for _, j := range jobs {
		j := j
		appendErr := func(err error) {
			mu.Lock()
			combined = multierr.Append(combined, err)
			mu.Unlock()
		}

		submitErr := workerPool.Submit(func() {
			defer wg.Done()

			select {
			case <-ctx.Done():
				appendErr(errors.Wrapf(ctx.Err(), "flush page %d", j.pageID))
				return
			default:
			}

			if werr := p.disk.WritePage(j.pageID, j.data); werr != nil {
				appendErr(errors.Wrapf(werr, "flush page %d", j.pageID))
				return
			}

			p.markClean(j.frameID, j.pageID)
		})
		if submitErr != nil {
			wg.Done()
			appendErr(errors.Wrapf(submitErr, "submit flush for page %d", j.pageID))
		}
	}
	wg.Wait()

	return combined
}

// Stats returns a snapshot of the pool's current occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{PoolSize: p.poolSize, Free: len(p.freeList)}
	for i := range p.frames {
		if p.frames[i].id != page.InvalidID {
			stats.Resident++
			if p.frames[i].dirty {
				stats.Dirty++
			}
		}
	}
	return stats
}
