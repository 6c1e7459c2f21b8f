// Package store defines the narrow contract this engine needs from the
// B-tree / page buffer manager and exposes a small in-memory implementation
// of it. The real buffer pool, page latch manager and file-space allocator
// are external collaborators (§1): this package is deliberately not a
// buffer pool, only the slice of its behavior the undo/rollback/purge core
// calls through.
package store

import (
	"sync"

	"github.com/zhukovaskychina/undoengine/server/common"
	"github.com/zhukovaskychina/undoengine/server/innodb/xerrors"
)

// Page is a fixed-size, latchable buffer. X-latch excludes all other
// latchers; S-latch allows concurrent readers. This mirrors the contract
// InnoDB's buf_block_t / mtr_t give to callers that only need to read or
// mutate page bytes under the correct latch, without reimplementing LRU,
// flush lists, or double-write.
type Page interface {
	common.IPage
	Content() []byte
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

type memPage struct {
	mu       sync.RWMutex
	spaceID  uint32
	pageNo   uint32
	pageType common.PageType
	lsn      uint64
	dirty    bool
	content  []byte
}

func newMemPage(spaceID, pageNo uint32, pageType common.PageType) *memPage {
	return &memPage{spaceID: spaceID, pageNo: pageNo, pageType: pageType, content: make([]byte, common.PageSize)}
}

func (p *memPage) GetSpaceID() uint32          { return p.spaceID }
func (p *memPage) GetPageNo() uint32           { return p.pageNo }
func (p *memPage) GetPageType() common.PageType { return p.pageType }
func (p *memPage) GetLSN() uint64              { return p.lsn }
func (p *memPage) SetLSN(lsn uint64)           { p.lsn = lsn }
func (p *memPage) IsDirty() bool               { return p.dirty }
func (p *memPage) MarkDirty()                  { p.dirty = true }
func (p *memPage) Read() error                 { return nil }
func (p *memPage) Write() error                { p.dirty = false; return nil }
func (p *memPage) Content() []byte             { return p.content }
func (p *memPage) Lock()                       { p.mu.Lock() }
func (p *memPage) Unlock()                     { p.mu.Unlock() }
func (p *memPage) RLock()                      { p.mu.RLock() }
func (p *memPage) RUnlock()                    { p.mu.RUnlock() }

// FileSpace is the allocation/lookup contract a rollback segment needs from
// its owning tablespace: fetch an existing page by number, or allocate a
// fresh one. A real implementation delegates to the space manager's extent
// and inode bookkeeping; MemSpace below is a flat map good enough to drive
// the undo/rollback/purge core end to end in tests and the demo command.
type FileSpace interface {
	SpaceID() uint32
	GetPage(pageNo uint32) (Page, error)
	AllocatePage(pageType common.PageType) (Page, error)
	FreePage(pageNo uint32) error
	PageCount() uint32
}

// MemSpace is an in-memory FileSpace. Pages are never reused across
// AllocatePage calls except through FreePage + a subsequent allocation,
// matching the "file segment" abstraction closely enough for this core.
// AllocatePageAt places a page at a fixed page number (the TRX_SYS page);
// cached undo segments are reused without a new allocation.
type MemSpace struct {
	mu      sync.Mutex
	spaceID uint32
	pages   map[uint32]*memPage
	next    uint32
	free    []uint32
}

func NewMemSpace(spaceID uint32) *MemSpace {
	return &MemSpace{spaceID: spaceID, pages: make(map[uint32]*memPage), next: 1}
}

func (s *MemSpace) SpaceID() uint32 { return s.spaceID }

func (s *MemSpace) GetPage(pageNo uint32) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[pageNo]
	if !ok {
		return nil, xerrors.ErrCorruption
	}
	return p, nil
}

func (s *MemSpace) AllocatePage(pageType common.PageType) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pageNo uint32
	if n := len(s.free); n > 0 {
		pageNo = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		pageNo = s.next
		s.next++
	}
	p := newMemPage(s.spaceID, pageNo, pageType)
	s.pages[pageNo] = p
	return p, nil
}

// AllocatePageAt reserves a specific page number, used when laying out the
// fixed well-known pages of the system tablespace (e.g. TRX_SYS).
func (s *MemSpace) AllocatePageAt(pageNo uint32, pageType common.PageType) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[pageNo]; exists {
		return nil, xerrors.ErrDBError
	}
	p := newMemPage(s.spaceID, pageNo, pageType)
	s.pages[pageNo] = p
	if pageNo >= s.next {
		s.next = pageNo + 1
	}
	return p, nil
}

func (s *MemSpace) FreePage(pageNo uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[pageNo]; !ok {
		return xerrors.ErrCorruption
	}
	delete(s.pages, pageNo)
	s.free = append(s.free, pageNo)
	return nil
}

func (s *MemSpace) PageCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(len(s.pages))
}
