// Package undolog is the per-transaction undo log lifecycle (§4.D): the
// in-memory object tracking one transaction's insert-undo or update-undo
// segment, its assign-from-cache-or-create policy, and the state
// transitions driven by commit. It sits above package rseg (segment
// allocation) and package undopage (page layout), grounded on the
// teacher's UndoLogPageWrapper trx/type/page bookkeeping fields, rebuilt
// around the real segment-header state machine instead of a flat record
// list.
package undolog

import (
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/zhukovaskychina/undoengine/server/innodb/mtr"
	"github.com/zhukovaskychina/undoengine/server/innodb/rseg"
	"github.com/zhukovaskychina/undoengine/server/innodb/store"
	"github.com/zhukovaskychina/undoengine/server/innodb/undopage"
)

// xaFormatID is a fixed, non-standard format id stamping every XID this
// engine generates; real XA coordinators pick their own, but nothing here
// interprets the value beyond persisting and returning it.
const xaFormatID = 1

// newXID fills the 128-byte XA XID data block with a fresh UUID as the
// global transaction id and an empty branch qualifier, since this engine
// has no distributed-transaction coordinator of its own to supply one.
func newXID() (gtridLen, bqualLen int32, data []byte) {
	id := uuid.New()
	data = make([]byte, 128)
	copy(data, id[:])
	return int32(len(id)), 0, data
}

// ReuseLimit is the page-free threshold below which a single-page undo
// segment is considered reusable at commit (§4.D reusability criterion).
const ReuseLimit = undopage.PageHeaderEnd + 3*1024

// Log is the in-memory handle on one transaction's undo log of one type.
type Log struct {
	ID        int // slot number in the owning rseg
	Type      undopage.Type
	State     undopage.State
	Rseg      *rseg.Rseg
	HdrPageNo uint32
	HdrOffset uint16
	Size      uint32 // pages

	TopPageNo uint32
	TopOffset uint16
	TopUndoNo uint64
	Empty     bool

	DictOperation bool
	TableID       uint64
	HasXID        bool
	XID           []byte // 128-byte XA data block when HasXID is set

	GuessPageNo uint32
}

// Assign implements the cached-first / create-if-none policy (§4.D): pop a
// cached segment of typ from r's free-list and reinitialize its header, or
// create a brand new segment when the cache is empty. reserveXA controls
// whether the log header recreated on reuse gets XA extension space,
// treating XA-header presence as a property of the segment rather than of
// whichever transaction is handed it (§9 open question).
func Assign(r *rseg.Rseg, typ undopage.Type, reserveXA bool, m *mtr.Mtr) (*Log, error) {
	if hdrPageNo, ok := r.PopCached(typ); ok {
		page, err := r.Space.GetPage(hdrPageNo)
		if err != nil {
			return nil, errors.Trace(err)
		}
		undopage.SetSegState(page, undopage.StateActive, m)
		hdrOffset := undopage.SegHeaderEnd
		xid := writeLogHeader(page, uint16(hdrOffset), reserveXA)
		undopage.SetSegLastLog(page, uint16(hdrOffset))
		return &Log{
			Type:      typ,
			State:     undopage.StateActive,
			Rseg:      r,
			HdrPageNo: hdrPageNo,
			HdrOffset: uint16(hdrOffset),
			Size:      undopage.SegPageListLen(page),
			Empty:     true,
			HasXID:    reserveXA,
			XID:       xid,
		}, nil
	}

	slotNo, hdrPageNo, err := r.CreateUndoSegment(typ, m)
	if err != nil {
		return nil, errors.Trace(err)
	}
	page, err := r.Space.GetPage(hdrPageNo)
	if err != nil {
		return nil, errors.Trace(err)
	}
	hdrOffset := undopage.SegHeaderEnd
	xid := writeLogHeader(page, uint16(hdrOffset), reserveXA)
	undopage.SetSegLastLog(page, uint16(hdrOffset))
	return &Log{
		ID:        slotNo,
		Type:      typ,
		State:     undopage.StateActive,
		Rseg:      r,
		HdrPageNo: hdrPageNo,
		HdrOffset: uint16(hdrOffset),
		Size:      1,
		Empty:     true,
		HasXID:    reserveXA,
		XID:       xid,
	}, nil
}

// writeLogHeader zeroes the fixed header and, when reserveXA is set,
// generates and persists a fresh XA XID into the extension space (§9 open
// question: XA-header presence is a property of the segment, recreated on
// reuse). It returns the XID data block actually written, or nil.
func writeLogHeader(page store.Page, offset uint16, reserveXA bool) []byte {
	content := page.Content()
	hdr := content[offset:]
	for i := range hdr[:undopage.LogOldHdrSize] {
		hdr[i] = 0
	}
	if !reserveXA {
		return nil
	}
	hdr[undopage.LogXIDExists] = 1
	gtridLen, bqualLen, data := newXID()
	undopage.SetXID(page, offset, xaFormatID, gtridLen, bqualLen, data)
	return data
}

// SetStateAtFinish transitions l's state at commit (§4.D): CACHED when the
// segment is reusable, otherwise TO_FREE for an insert-undo or TO_PURGE for
// an update-undo. An update-undo with records always goes to TO_PURGE so
// purge gets a chance to clean up what it recorded, however small it is.
// Reuse is for logs that stayed empty (no row of this type was ever
// touched) and for a single-page insert-undo whose page-free is below
// ReuseLimit, records or not; a larger insert-undo goes to TO_FREE. It
// returns the resulting state; callers still hold the transaction's undo
// mutex.
func (l *Log) SetStateAtFinish() (undopage.State, error) {
	hdr, err := l.Rseg.Space.GetPage(l.HdrPageNo)
	if err != nil {
		return 0, errors.Trace(err)
	}
	empty := l.Size == 1 && undopage.GetFirstRec(hdr) == 0
	small := l.Size == 1 && undopage.PageFree(hdr) < ReuseLimit
	isReusable := empty || (l.Type == undopage.TypeInsert && small)

	var next undopage.State
	switch {
	case isReusable:
		next = undopage.StateCached
	case l.Type == undopage.TypeInsert:
		next = undopage.StateToFree
	default:
		next = undopage.StateToPurge
	}
	l.State = next
	return next, nil
}

// Finish completes the commit-time disposition of l decided by
// SetStateAtFinish: CACHED pushes the segment onto the rseg's free-list;
// TO_FREE releases it outright (insert-undo, nothing references it once
// committed); TO_PURGE links its header into the history list under
// serialNo so the purge engine will eventually consume it.
func (l *Log) Finish(state undopage.State, serialNo uint64, m *mtr.Mtr) error {
	switch state {
	case undopage.StateCached:
		hdr, err := l.Rseg.Space.GetPage(l.HdrPageNo)
		if err != nil {
			return errors.Trace(err)
		}
		undopage.SetSegState(hdr, undopage.StateCached, m)
		l.Rseg.PushCached(l.Type, l.HdrPageNo)
		return nil
	case undopage.StateToFree:
		return l.Rseg.FreePage(false, l.HdrPageNo, l.HdrPageNo)
	case undopage.StateToPurge:
		return l.Rseg.HistoryListAdd(l.HdrPageNo, l.HdrOffset, serialNo, true, m)
	default:
		return errors.Errorf("undolog: unexpected finish state %v", state)
	}
}

// SetTrxID stamps the owning transaction's id into l's log header, so a
// crash-recovery scan (see RebuildFromDisk and trx.Recover) can re-home
// this segment onto the right Transaction after a restart.
func (l *Log) SetTrxID(trxID uint64) error {
	page, err := l.Rseg.Space.GetPage(l.HdrPageNo)
	if err != nil {
		return errors.Trace(err)
	}
	undopage.SetLogTrxID(page, l.HdrOffset, trxID)
	return nil
}

// TrxID reads back the id most recently stamped by SetTrxID, or 0 if none
// was ever written (e.g. a freshly-assigned, not-yet-attached log).
func (l *Log) TrxID() (uint64, error) {
	page, err := l.Rseg.Space.GetPage(l.HdrPageNo)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return undopage.LogTrxIDOf(page, l.HdrOffset), nil
}

// RebuildFromDisk restores an in-memory Log from a crash-recovery scan of
// one non-NULL rseg slot (§4.D crash recovery): read the segment header's
// state and last-log offset, then derive (top_page_no, top_offset,
// top_undo_no) from the last page's page-free marker so rollback resumes
// exactly where the log was last appended.
func RebuildFromDisk(r *rseg.Rseg, slotNo int, hdrPageNo uint32, lastRecUndoNo func(page store.Page, rec uint16) uint64) (*Log, error) {
	hdr, err := r.Space.GetPage(hdrPageNo)
	if err != nil {
		return nil, errors.Trace(err)
	}
	lastPageNo := undopage.SegPageListLast(hdr)
	lastPage := hdr
	if lastPageNo != hdrPageNo {
		lastPage, err = r.Space.GetPage(lastPageNo)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	hdrOffset := undopage.SegLastLog(hdr)
	l := &Log{
		ID:        slotNo,
		Type:      undopage.PageTypeOf(hdr),
		State:     undopage.SegState(hdr),
		Rseg:      r,
		HdrPageNo: hdrPageNo,
		HdrOffset: hdrOffset,
		Size:      undopage.SegPageListLen(hdr),
		TopPageNo: lastPageNo,
	}
	if undopage.XIDExists(hdr, hdrOffset) {
		l.HasXID = true
		_, _, _, l.XID = undopage.GetXID(hdr, hdrOffset)
	}

	lastRec := undopage.GetLastRec(lastPage)
	if lastRec == 0 {
		l.Empty = true
		return l, nil
	}
	l.TopOffset = lastRec
	l.TopUndoNo = lastRecUndoNo(lastPage, lastRec)
	return l, nil
}
