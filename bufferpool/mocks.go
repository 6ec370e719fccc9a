package bufferpool

import (
	"github.com/stretchr/testify/mock"

	"github.com/finchdb/bufcore/storage/page"
)

// MockDiskManager is a testify mock for DiskManager.
type MockDiskManager struct {
	mock.Mock
}

func (m *MockDiskManager) ReadPage(id page.ID, buf []byte) error {
	args := m.Called(id, buf)
	return args.Error(0)
}

func (m *MockDiskManager) WritePage(id page.ID, buf []byte) error {
	args := m.Called(id, buf)
	return args.Error(0)
}

func (m *MockDiskManager) AllocatePage() page.ID {
	args := m.Called()
	return args.Get(0).(page.ID)
}

func (m *MockDiskManager) DeallocatePage(id page.ID) {
	m.Called(id)
}

// MockReplacer is a testify mock for Replacer.
type MockReplacer struct {
	mock.Mock
}

func (m *MockReplacer) RecordAccess(frameID FrameID) {
	m.Called(frameID)
}

func (m *MockReplacer) SetEvictable(frameID FrameID, evictable bool) {
	m.Called(frameID, evictable)
}

func (m *MockReplacer) Evict() (FrameID, bool) {
	args := m.Called()
	return args.Get(0).(FrameID), args.Bool(1)
}

func (m *MockReplacer) Remove(frameID FrameID) {
	m.Called(frameID)
}

func (m *MockReplacer) Size() int {
	args := m.Called()
	return args.Int(0)
}
