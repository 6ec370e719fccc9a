// Package disk implements a durable page store: reads, writes, and page-id
// allocation for the buffer pool.
package disk

import (
	"os"
	"sync"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/finchdb/bufcore/storage/page"
)

const (
	osCreateFlags = os.O_RDWR | os.O_CREATE
	osReadFlags   = os.O_RDONLY | os.O_CREATE
)

// Manager persists pages to a single flat file addressed by page.ID: one
// global monotonic id space, with no per-file multiplexing.
type Manager struct {
	mu   sync.RWMutex
	fs   afero.Fs
	path string

	nextID page.ID

	log *zap.SugaredLogger
}

// New opens (creating if necessary) the data file at path on fs. The
// allocation counter starts at the current file length divided by page
// size, so reopening an existing file resumes id allocation where it left
// off.
func New(fs afero.Fs, path string, log *zap.SugaredLogger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	file, err := fs.OpenFile(path, osCreateFlags, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "disk: open data file %q", path)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "disk: stat data file %q", path)
	}

	return &Manager{
		fs:     fs,
		path:   path,
		nextID: page.ID(info.Size() / page.Size),
		log:    log,
	}, nil
}

// ReadPage fills buf (which must be page.Size bytes) with id's on-disk
// image. Reading a page id past the end of the file (never written) yields
// a zeroed buffer, matching a freshly allocated page's initial contents.
func (m *Manager) ReadPage(id page.ID, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	file, err := m.fs.OpenFile(m.path, osReadFlags, 0o600)
	if err != nil {
		return errors.Wrapf(err, "disk: open data file %q", m.path)
	}
	defer file.Close()

	offset := int64(id) * page.Size

	n, err := file.ReadAt(buf, offset)
	if err != nil && n == 0 {
		// Reading past EOF on an id that was allocated but never written
		// is not an error: the page's initial image is all zeroes.
		clear(buf)
		return nil
	}
	if n < len(buf) {
		clear(buf[n:])
	}

	return nil
}

// WritePage persists buf (page.Size bytes) at id's offset, growing the file
// as needed.
func (m *Manager) WritePage(id page.ID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := m.fs.OpenFile(m.path, osCreateFlags, 0o600)
	if err != nil {
		return errors.Wrapf(err, "disk: open data file %q", m.path)
	}
	defer file.Close()

	offset := int64(id) * page.Size
	if _, err := file.WriteAt(buf, offset); err != nil {
		return errors.Wrapf(err, "disk: write page %d", id)
	}

	return nil
}

// AllocatePage returns a fresh page id from a monotonic counter. Ids are
// never reused, even across DeallocatePage calls.
func (m *Manager) AllocatePage() page.ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	return id
}

// DeallocatePage records that id will not be read again. The current
// implementation only logs the hint; a production disk manager might use it
// to punch a hole or add the id to a free list for reuse.
func (m *Manager) DeallocatePage(id page.ID) {
	m.log.Debugw("disk: page deallocated", "page_id", id)
}
