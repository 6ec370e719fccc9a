package bufferpool

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchdb/bufcore/storage/page"
)

// memDisk is a tiny in-memory DiskManager for pool-level tests that don't
// need to assert on call sequences; MockDiskManager (mocks.go) covers those.
type memDisk struct {
	mu     sync.Mutex
	pages  map[page.ID][]byte
	nextID page.ID
}

func newMemDisk() *memDisk {
	return &memDisk{pages: make(map[page.ID][]byte)}
}

func (d *memDisk) ReadPage(id page.ID, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if data, ok := d.pages[id]; ok {
		copy(buf, data)
	}
	return nil
}

func (d *memDisk) WritePage(id page.ID, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.pages[id] = cp
	return nil
}

func (d *memDisk) AllocatePage() page.ID {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	return id
}

func (d *memDisk) DeallocatePage(id page.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pages, id)
}

// TestNewPageExhaustion: three new pages fill a pool of size three, all
// pinned, and a fourth NewPage returns None.
func TestNewPageExhaustion(t *testing.T) {
	pool := New(3, 2, 4, newMemDisk(), nil)

	for i := 0; i < 3; i++ {
		got := pool.NewPage()
		require.True(t, got.IsSome())
	}

	got := pool.NewPage()
	assert.True(t, got.IsNone())
}

// TestDirtyWritebackOnEviction: AllocatePage hands out 0, 1, 2, 3 in order
// (memDisk's counter starts at zero), so page 0
// is both the oldest entrant into the LRU-K history sequence and the one
// carrying mutated, unflushed bytes when page 3 forces it out.
func TestDirtyWritebackOnEviction(t *testing.T) {
	pool := New(3, 2, 4, newMemDisk(), nil)

	p0 := pool.NewPage()
	require.True(t, p0.IsSome())
	copy(p0.Unwrap().Data(), []byte("mutated"))
	require.True(t, pool.UnpinPage(0, true))

	p1 := pool.NewPage()
	require.True(t, p1.IsSome())
	require.True(t, pool.UnpinPage(1, false))

	p2 := pool.NewPage()
	require.True(t, p2.IsSome())
	require.True(t, pool.UnpinPage(2, false))

	// Pool is now full of evictable frames; a fourth page forces the
	// replacer to evict page 0's frame (the oldest in history), writing its
	// dirty bytes back. Fetching page 0 then misses and reads them from disk.
	p3 := pool.NewPage()
	require.True(t, p3.IsSome())

	fetched := pool.FetchPage(0)
	require.True(t, fetched.IsSome())
	assert.True(t, bytes.HasPrefix(fetched.Unwrap().Data(), []byte("mutated")))
}

// TestDeleteOnPinnedPageFails: DeletePage must refuse while pin_count > 0.
func TestDeleteOnPinnedPageFails(t *testing.T) {
	pool := New(3, 2, 4, newMemDisk(), nil)

	got := pool.NewPage()
	require.True(t, got.IsSome())

	_, ok := pool.directory.Find(page.ID(0))
	require.True(t, ok)

	assert.False(t, pool.DeletePage(0))
	assert.True(t, pool.UnpinPage(0, false))
	assert.True(t, pool.DeletePage(0))
}

// TestUnpinUnderflow: unpinning an already-unpinned page must fail rather
// than drive the pin count negative.
func TestUnpinUnderflow(t *testing.T) {
	pool := New(3, 2, 4, newMemDisk(), nil)

	got := pool.NewPage()
	require.True(t, got.IsSome())

	require.True(t, pool.UnpinPage(0, false))
	assert.False(t, pool.UnpinPage(0, false))
}

// TestFetchUnpinFetchRoundTrip: fetch, unpin without dirtying, fetch again;
// same bytes, no intervening write.
func TestFetchUnpinFetchRoundTrip(t *testing.T) {
	disk := newMemDisk()
	pool := New(3, 2, 4, disk, nil)

	created := pool.NewPage()
	require.True(t, created.IsSome())
	copy(created.Unwrap().Data(), []byte("hello"))
	require.True(t, pool.UnpinPage(0, true))
	require.True(t, pool.FlushPage(0))

	require.False(t, pool.UnpinPage(0, false))
	first := pool.FetchPage(0)
	require.True(t, first.IsSome())
	firstBytes := append([]byte(nil), first.Unwrap().Data()...)

	require.True(t, pool.UnpinPage(0, false))
	second := pool.FetchPage(0)
	require.True(t, second.IsSome())

	assert.Equal(t, firstBytes, second.Unwrap().Data())
}

// TestNewWriteUnpinFlushFetchRoundTrip: new page, write bytes, unpin dirty,
// flush, fetch observes those bytes.
func TestNewWriteUnpinFlushFetchRoundTrip(t *testing.T) {
	pool := New(3, 2, 4, newMemDisk(), nil)

	created := pool.NewPage()
	require.True(t, created.IsSome())
	copy(created.Unwrap().Data(), []byte("payload"))

	require.True(t, pool.UnpinPage(0, true))
	require.True(t, pool.FlushPage(0))

	// Evict it by filling the rest of the pool and forcing another miss.
	pool.NewPage()
	pool.NewPage()

	require.True(t, pool.UnpinPage(1, false))
	require.True(t, pool.UnpinPage(2, false))
	pool.NewPage()

	fetched := pool.FetchPage(0)
	require.True(t, fetched.IsSome())
	assert.True(t, bytes.HasPrefix(fetched.Unwrap().Data(), []byte("payload")))
}

// TestFlushAllIsIdempotent flushes twice in a row with no writes in
// between; the second flush must succeed and leave no page dirty.
func TestFlushAllIsIdempotent(t *testing.T) {
	pool := New(2, 2, 4, newMemDisk(), nil)

	pool.NewPage()
	pool.NewPage()

	require.NoError(t, pool.FlushAllPages())
	require.NoError(t, pool.FlushAllPages())

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Dirty)
}

// TestPoolSizeOneCycles is the pool_size=1 boundary behavior: the single
// frame cycles free -> pinned -> evictable -> pinned for a different id.
func TestPoolSizeOneCycles(t *testing.T) {
	pool := New(1, 2, 4, newMemDisk(), nil)

	assert.Equal(t, 1, len(pool.freeList))

	p0 := pool.NewPage()
	require.True(t, p0.IsSome())
	assert.Equal(t, 0, len(pool.freeList))

	require.True(t, pool.UnpinPage(0, false))

	p1 := pool.NewPage()
	require.True(t, p1.IsSome())

	_, ok := pool.directory.Find(0)
	assert.False(t, ok)
	_, ok = pool.directory.Find(1)
	assert.True(t, ok)
}

// TestFlushUnknownPageFails covers the invalid-argument error category.
func TestFlushUnknownPageFails(t *testing.T) {
	pool := New(2, 2, 4, newMemDisk(), nil)
	assert.False(t, pool.FlushPage(99))
	assert.False(t, pool.FlushPage(page.InvalidID))
}

func TestDeleteUnknownPageSucceeds(t *testing.T) {
	pool := New(2, 2, 4, newMemDisk(), nil)
	assert.True(t, pool.DeletePage(42))
}

// TestFetchHitDoesNotTouchDisk verifies the fast path never calls ReadPage
// again once a page is resident.
func TestFetchHitDoesNotTouchDisk(t *testing.T) {
	mockDisk := new(MockDiskManager)
	mockDisk.On("AllocatePage").Return(page.ID(0)).Once()

	pool := New(2, 2, 4, mockDisk, nil)

	created := pool.NewPage()
	require.True(t, created.IsSome())

	hit := pool.FetchPage(0)
	require.True(t, hit.IsSome())

	mockDisk.AssertNumberOfCalls(t, "ReadPage", 0)
	mockDisk.AssertExpectations(t)
}

// TestPoolDrivesReplacerThroughItsLifecycle swaps in a MockReplacer to
// assert the exact RecordAccess/SetEvictable/Evict/Remove call sequence a
// pool of size one produces across a new-unpin-new-unpin-delete cycle,
// rather than inferring it indirectly through LRUKReplacer's own behavior.
func TestPoolDrivesReplacerThroughItsLifecycle(t *testing.T) {
	mockReplacer := new(MockReplacer)
	disk := newMemDisk()
	pool := newPool(1, 4, mockReplacer, disk, nil)

	mockReplacer.On("Size").Return(0).Once()
	mockReplacer.On("RecordAccess", FrameID(0)).Return()
	mockReplacer.On("SetEvictable", FrameID(0), false).Return()

	first := pool.NewPage()
	require.True(t, first.IsSome())

	mockReplacer.On("SetEvictable", FrameID(0), true).Return()
	require.True(t, pool.UnpinPage(0, false))

	mockReplacer.On("Size").Return(1).Once()
	mockReplacer.On("Evict").Return(FrameID(0), true)

	second := pool.NewPage()
	require.True(t, second.IsSome())

	require.True(t, pool.UnpinPage(1, false))

	mockReplacer.On("Remove", FrameID(0)).Return()
	require.True(t, pool.DeletePage(1))

	mockReplacer.AssertExpectations(t)
}
