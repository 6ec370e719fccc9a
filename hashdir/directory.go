// Package hashdir implements an extendible hash table: a concurrent
// key/value directory whose bucket array doubles on demand and whose
// buckets split along successive hash bits. The buffer pool uses one
// instance to map page ids to frame ids.
package hashdir

import (
	"sync"

	"go.uber.org/zap"
)

// Hasher computes a 64-bit hash for a key. The directory only ever consults
// the low bits of this value, so callers are free to reuse a hasher across
// several directories keyed on the same type.
type Hasher[K comparable] func(key K) uint64

type entry[K comparable, V any] struct {
	key K
	val V
}

// bucket holds up to capacity entries at a fixed local depth. A bucket may
// be referenced by more than one directory slot; mutations are visible
// through every slot that references it.
type bucket[K comparable, V any] struct {
	entries    []entry[K, V]
	localDepth int
	capacity   int
}

func newBucket[K comparable, V any](capacity, localDepth int) *bucket[K, V] {
	return &bucket[K, V]{
		entries:    make([]entry[K, V], 0, capacity),
		localDepth: localDepth,
		capacity:   capacity,
	}
}

func (b *bucket[K, V]) find(k K) (V, bool) {
	for _, e := range b.entries {
		if e.key == k {
			return e.val, true
		}
	}
	var zero V
	return zero, false
}

func (b *bucket[K, V]) remove(k K) bool {
	for i, e := range b.entries {
		if e.key == k {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (b *bucket[K, V]) full() bool {
	return len(b.entries) >= b.capacity
}

// insertOrUpdate overwrites the value if k is already present. Otherwise it
// appends if there is room. It reports whether the entry now lives in the
// bucket.
func (b *bucket[K, V]) insertOrUpdate(k K, v V) bool {
	for i, e := range b.entries {
		if e.key == k {
			b.entries[i].val = v
			return true
		}
	}
	if b.full() {
		return false
	}
	b.entries = append(b.entries, entry[K, V]{key: k, val: v})
	return true
}

// Directory is a concurrent extendible hash table mapping K to V.
type Directory[K comparable, V any] struct {
	mu sync.Mutex

	bucketSize  int
	globalDepth int
	dir         []*bucket[K, V]
	numBuckets  int

	hash Hasher[K]
	log  *zap.SugaredLogger
}

// New returns a directory with a single bucket at global depth 0. bucketSize
// must be positive.
func New[K comparable, V any](bucketSize int, hash Hasher[K], log *zap.SugaredLogger) *Directory[K, V] {
	if bucketSize <= 0 {
		panic("hashdir: bucketSize must be positive")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Directory[K, V]{
		bucketSize: bucketSize,
		dir:        []*bucket[K, V]{newBucket[K, V](bucketSize, 0)},
		numBuckets: 1,
		hash:       hash,
		log:        log,
	}
}

func (d *Directory[K, V]) indexOf(k K) int {
	mask := (uint64(1) << uint(d.globalDepth)) - 1
	return int(d.hash(k) & mask)
}

// Find returns the value stored for k, if any.
func (d *Directory[K, V]) Find(k K) (V, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dir[d.indexOf(k)].find(k)
}

// Remove deletes k, reporting whether it was present.
func (d *Directory[K, V]) Remove(k K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dir[d.indexOf(k)].remove(k)
}

// Insert stores v under k, overwriting any existing value. It never fails:
// buckets split (and the directory doubles, if needed) until the key fits.
func (d *Directory[K, V]) Insert(k K, v V) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		idx := d.indexOf(k)
		if d.dir[idx].insertOrUpdate(k, v) {
			return
		}
		d.split(idx)
	}
}

func (d *Directory[K, V]) grow() {
	oldLen := len(d.dir)
	d.dir = append(d.dir, make([]*bucket[K, V], oldLen)...)
	for i := 0; i < oldLen; i++ {
		d.dir[i+oldLen] = d.dir[i]
	}
	d.globalDepth++

	d.log.Debugw("hashdir: grew directory", "global_depth", d.globalDepth, "length", len(d.dir))
}

// split refines the full bucket referenced by dir[idx] into two buckets at
// depth localDepth+1, growing the directory first if the bucket is already
// as deep as the directory is wide.
func (d *Directory[K, V]) split(idx int) {
	target := d.dir[idx]
	localDepth := target.localDepth

	if d.globalDepth == localDepth {
		d.grow()
	}

	splitBit := uint64(1) << uint(localDepth)
	zeroBucket := newBucket[K, V](d.bucketSize, localDepth+1)
	oneBucket := newBucket[K, V](d.bucketSize, localDepth+1)

	for _, e := range target.entries {
		if d.hash(e.key)&splitBit != 0 {
			oneBucket.entries = append(oneBucket.entries, e)
		} else {
			zeroBucket.entries = append(zeroBucket.entries, e)
		}
	}
	d.numBuckets++

	for i := range d.dir {
		if d.dir[i] != target {
			continue
		}
		if uint64(i)&splitBit == 0 {
			d.dir[i] = zeroBucket
		} else {
			d.dir[i] = oneBucket
		}
	}

	d.log.Debugw("hashdir: split bucket",
		"local_depth", localDepth+1,
		"global_depth", d.globalDepth,
		"num_buckets", d.numBuckets,
	)
}

// GlobalDepth returns the number of hash bits the directory currently
// discriminates on.
func (d *Directory[K, V]) GlobalDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.globalDepth
}

// LocalDepth returns the local depth of the bucket referenced by directory
// slot index. Panics if index is out of range — a caller error.
func (d *Directory[K, V]) LocalDepth(index int) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dir[index].localDepth
}

// BucketCount returns the number of distinct buckets currently allocated
// (as opposed to the length of the directory, which may reference the same
// bucket from multiple slots).
func (d *Directory[K, V]) BucketCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.numBuckets
}

// BucketStat describes one distinct bucket for Stats.
type BucketStat struct {
	FirstSlot  int
	LocalDepth int
	Entries    int
}

// Stats is a read-only snapshot of the directory's shape.
type Stats struct {
	GlobalDepth int
	NumBuckets  int
	Buckets     []BucketStat
}

// Stats returns a snapshot of the directory's current shape, useful for
// diagnostics and for asserting the shape invariants in tests.
func (d *Directory[K, V]) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[*bucket[K, V]]struct{}, d.numBuckets)
	stats := Stats{
		GlobalDepth: d.globalDepth,
		NumBuckets:  d.numBuckets,
		Buckets:     make([]BucketStat, 0, d.numBuckets),
	}

	for i, b := range d.dir {
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		stats.Buckets = append(stats.Buckets, BucketStat{
			FirstSlot:  i,
			LocalDepth: b.localDepth,
			Entries:    len(b.entries),
		})
	}

	return stats
}
