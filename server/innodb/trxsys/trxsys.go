// Package trxsys is the TRX_SYS system page (§6 "System page layout"): the
// well-known page holding the next-trx-id counter (flushed to disk in
// fixed strides so a crash never hands out an id already used before it),
// the N_RSEGS rollback-segment slot array, and the doublewrite-buffer and
// binlog-position blocks this core persists verbatim without interpreting.
// Grounded on the teacher's TrxSysPageWrapper/SysTrxSysPage field layout,
// rebuilt as a fixed-offset codec over a store.Page in the style of
// package undopage rather than a []byte-bag struct.
package trxsys

import (
	"encoding/binary"
	"sync"

	"github.com/juju/errors"
	"go.uber.org/atomic"

	"github.com/zhukovaskychina/undoengine/server/common"
	"github.com/zhukovaskychina/undoengine/server/innodb/store"
)

// NRsegs is the fixed size of the rollback-segment slot array on the
// TRX_SYS page (§3 "there are exactly N_RSEGS such segments").
const NRsegs = 128

// TrxIDWriteMargin is the stride the next-trx-id counter is advanced by on
// every disk flush; the persisted value stays up to one stride ahead of
// every id handed out, so no id is ever reissued after a restart (§6).
const TrxIDWriteMargin = 256

// FilNull marks an empty rseg slot, matching the on-disk sentinel for "no
// page" used throughout this format.
const FilNull uint32 = 0xFFFFFFFF

// Fixed byte offsets within the TRX_SYS page content, past the common file
// header (§6). Slot entries are 8 bytes (space_id, page_no) rather than
// the teacher's 4-byte page-only slot, since a slot must name its space to
// support more than one tablespace.
const (
	offTrxIDCounter    = common.FileHeaderSize + 0  // 8 bytes
	offRsegArray       = common.FileHeaderSize + 8  // NRsegs * 8 bytes
	offDoublewrite     = offRsegArray + NRsegs*8     // doublewriteSize bytes, opaque
	doublewriteSize    = 8 + 4 + 4 + 1               // magic, page1, page2, created flag
	offBinlogInfo      = offDoublewrite + doublewriteSize
	binlogInfoSize     = 4 + 4 + 4 + 64 // magic, offset_high, offset_low, file name
)

// RsegSlot names one rollback segment's header page, or is empty
// (SpaceID/PageNo both zero and Used false) when the slot is free.
type RsegSlot struct {
	Used    bool
	SpaceID uint32
	PageNo  uint32
}

// Page wraps the TRX_SYS system page with a trx-id allocator and rseg slot
// array on top of it. Exactly one exists per system tablespace.
type Page struct {
	mu sync.Mutex

	page store.Page

	// nextTrxID is the in-memory high-water mark; the value durable on page
	// (flushedTrxID) is up to TrxIDWriteMargin above every id handed out
	// from it. It is allocated
	// with a lock-free counter since the purge heap and recovery reads can
	// observe it from a goroutine other than the one handing out ids.
	nextTrxID    atomic.Uint64
	flushedTrxID uint64
}

// Create initializes a fresh TRX_SYS page at pageNo within space, with
// every rseg slot empty and the trx-id counter starting at 1. TRX_SYS sits
// at a well-known page number fixed at tablespace-creation time, so space
// must support allocating that exact page rather than the next free one.
func Create(space *store.MemSpace, pageNo uint32) (*Page, error) {
	page, err := space.AllocatePageAt(pageNo, common.FIL_PAGE_TYPE_TRX_SYS)
	if err != nil {
		return nil, errors.Trace(err)
	}
	content := page.Content()
	binary.BigEndian.PutUint64(content[offTrxIDCounter:], TrxIDWriteMargin)
	for i := 0; i < NRsegs; i++ {
		off := offRsegArray + i*8
		binary.BigEndian.PutUint32(content[off:], FilNull)
		binary.BigEndian.PutUint32(content[off+4:], FilNull)
	}
	page.MarkDirty()
	p := &Page{page: page, flushedTrxID: TrxIDWriteMargin}
	p.nextTrxID.Store(1)
	return p, nil
}

// Open reconstructs a Page from an existing TRX_SYS page, rounding the
// recovered counter up by 2*TrxIDWriteMargin so no id handed out before
// the last flush can ever be reissued, even if the flush itself was lost
// mid-write (§6 "rounded up ... to guarantee no overlap across crashes").
func Open(space store.FileSpace, pageNo uint32) (*Page, error) {
	page, err := space.GetPage(pageNo)
	if err != nil {
		return nil, errors.Trace(err)
	}
	stored := binary.BigEndian.Uint64(page.Content()[offTrxIDCounter:])
	rounded := roundUp(stored, TrxIDWriteMargin) + 2*TrxIDWriteMargin
	p := &Page{page: page, flushedTrxID: rounded}
	p.nextTrxID.Store(rounded)
	return p, nil
}

func roundUp(v, stride uint64) uint64 {
	if v%stride == 0 {
		return v
	}
	return (v/stride + 1) * stride
}

// NextTrxID allocates and returns the next transaction id, flushing the
// counter to the page in strides of TrxIDWriteMargin so most allocations
// never touch disk (§6).
func (p *Page) NextTrxID() uint64 {
	id := p.nextTrxID.Add(1) - 1

	p.mu.Lock()
	defer p.mu.Unlock()
	if id >= p.flushedTrxID {
		p.flushedTrxID = id + TrxIDWriteMargin
		binary.BigEndian.PutUint64(p.page.Content()[offTrxIDCounter:], p.flushedTrxID)
		p.page.MarkDirty()
	}
	return id
}

// Rseg reads slot i of the rollback-segment array.
func (p *Page) Rseg(i int) RsegSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	off := offRsegArray + i*8
	content := p.page.Content()
	spaceID := binary.BigEndian.Uint32(content[off:])
	pageNo := binary.BigEndian.Uint32(content[off+4:])
	if pageNo == FilNull {
		return RsegSlot{}
	}
	return RsegSlot{Used: true, SpaceID: spaceID, PageNo: pageNo}
}

// SetRseg writes slot i, or clears it when slot is the zero value.
func (p *Page) SetRseg(i int, slot RsegSlot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	off := offRsegArray + i*8
	content := p.page.Content()
	if !slot.Used {
		binary.BigEndian.PutUint32(content[off:], FilNull)
		binary.BigEndian.PutUint32(content[off+4:], FilNull)
	} else {
		binary.BigEndian.PutUint32(content[off:], slot.SpaceID)
		binary.BigEndian.PutUint32(content[off+4:], slot.PageNo)
	}
	p.page.MarkDirty()
}

// AllocateRsegSlot finds and reserves the first free slot, or returns
// ok=false when the array is full (§3 "there are exactly N_RSEGS").
func (p *Page) AllocateRsegSlot(spaceID, pageNo uint32) (slot int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content := p.page.Content()
	for i := 0; i < NRsegs; i++ {
		off := offRsegArray + i*8
		if binary.BigEndian.Uint32(content[off+4:]) == FilNull {
			binary.BigEndian.PutUint32(content[off:], spaceID)
			binary.BigEndian.PutUint32(content[off+4:], pageNo)
			p.page.MarkDirty()
			return i, true
		}
	}
	return 0, false
}

// AllRsegs returns every occupied slot, for the purge engine and crash
// recovery to enumerate every rollback segment without scanning the array
// themselves.
func (p *Page) AllRsegs() []RsegSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []RsegSlot
	content := p.page.Content()
	for i := 0; i < NRsegs; i++ {
		off := offRsegArray + i*8
		pageNo := binary.BigEndian.Uint32(content[off+4:])
		if pageNo == FilNull {
			continue
		}
		out = append(out, RsegSlot{Used: true, SpaceID: binary.BigEndian.Uint32(content[off:]), PageNo: pageNo})
	}
	return out
}

// DoublewriteDescriptor and BinlogPosition are persisted verbatim: this
// core does not interpret either block, only round-trips whatever bytes a
// buffer-pool/binlog-aware layer above it wrote (§6, §9 non-goal).

// DoublewriteDescriptor returns the raw doublewrite-buffer descriptor
// bytes sharing this page, unintepreted.
func (p *Page) DoublewriteDescriptor() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.page.Content()[offDoublewrite:offDoublewrite+doublewriteSize]...)
}

// SetDoublewriteDescriptor overwrites the doublewrite-buffer descriptor
// bytes verbatim.
func (p *Page) SetDoublewriteDescriptor(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.page.Content()[offDoublewrite:offDoublewrite+doublewriteSize], b)
	p.page.MarkDirty()
}

// BinlogPosition returns the raw MySQL-style binlog position block bytes,
// unintepreted and simply restored verbatim across commit boundaries.
func (p *Page) BinlogPosition() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.page.Content()[offBinlogInfo:offBinlogInfo+binlogInfoSize]...)
}

// SetBinlogPosition overwrites the binlog position block bytes verbatim,
// called at commit time with whatever the replication layer above this
// core supplies.
func (p *Page) SetBinlogPosition(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.page.Content()[offBinlogInfo:offBinlogInfo+binlogInfoSize], b)
	p.page.MarkDirty()
}
