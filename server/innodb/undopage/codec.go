package undopage

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"github.com/juju/errors"

	"github.com/zhukovaskychina/undoengine/server/common"
	"github.com/zhukovaskychina/undoengine/server/innodb/mtr"
	"github.com/zhukovaskychina/undoengine/server/innodb/store"
	"github.com/zhukovaskychina/undoengine/server/innodb/xerrors"
)

// PageInit writes the fixed undo page header and sets page-start and
// page-free to the end of it (§4.A). segmentFirstPage must be true for the
// first page of a new undo log segment; the segment header that follows the
// page header is then zeroed and page-start/page-free advance past it too.
func PageInit(page store.Page, typ Type, segmentFirstPage bool, m *mtr.Mtr) {
	content := page.Content()
	binary.BigEndian.PutUint16(content[hdrPageType:], uint16(typ))

	start := uint16(PageHeaderEnd)
	if segmentFirstPage {
		start = uint16(SegHeaderEnd)
		for i := PageHeaderEnd; i < SegHeaderEnd; i++ {
			content[i] = 0
		}
	}
	binary.BigEndian.PutUint16(content[hdrPageStart:], start)
	binary.BigEndian.PutUint16(content[hdrPageFree:], start)
	page.MarkDirty()

	payload := make([]byte, 4)
	payload[0] = byte(typ)
	if segmentFirstPage {
		payload[1] = 1
	}
	binary.BigEndian.PutUint16(payload[2:], start)
	if m != nil {
		m.Log(page.GetSpaceID(), page.GetPageNo(), hdrPageType, mtr.TagUndoInit, payload)
	}
}

func pageStart(content []byte) uint16 { return binary.BigEndian.Uint16(content[hdrPageStart:]) }
func pageFree(content []byte) uint16  { return binary.BigEndian.Uint16(content[hdrPageFree:]) }
func setPageFree(content []byte, v uint16) {
	binary.BigEndian.PutUint16(content[hdrPageFree:], v)
}

// pageDataLimit is the first byte position a record or its trailing
// back-pointer may not reach, matching UNIV_PAGE_SIZE - FIL_PAGE_DATA_END
// with the safety margin the design calls for.
func pageDataLimit(content []byte) int {
	const safetyMargin = 10
	return len(content) - FilePageDataEnd - safetyMargin
}

// AppendRecord copies recordBytes onto the page as a new last record and
// returns its content offset, or 0 if it would not fit (§4.A). Every record
// slot is packed as:
//
//	[rec-2 .. rec)            this record's own next-pointer (0 if last)
//	[rec .. rec+len)          recordBytes
//	[rec+len .. rec+len+2)    back-pointer to rec, this record's own start
//
// page-free always sits right after the last record's back-pointer, so the
// previous last record's next-pointer is patched by first reading its
// back-pointer out of the two bytes immediately before the new slot.
func AppendRecord(page store.Page, recordBytes []byte, m *mtr.Mtr) uint16 {
	content := page.Content()
	free := pageFree(content)
	needed := len(recordBytes) + recordOverhead
	newFree := int(free) + needed
	if newFree > pageDataLimit(content) {
		return 0
	}

	if free > pageStart(content) {
		prevStart := binary.BigEndian.Uint16(content[free-2:])
		binary.BigEndian.PutUint16(content[prevStart-2:], free+2)
	}

	recOffset := free + 2
	binary.BigEndian.PutUint16(content[free:], 0)
	copy(content[recOffset:], recordBytes)
	backPtrOff := int(recOffset) + len(recordBytes)
	binary.BigEndian.PutUint16(content[backPtrOff:], recOffset)

	setPageFree(content, uint16(newFree))
	page.MarkDirty()

	if m != nil {
		payload := make([]byte, 2, 2+len(recordBytes))
		binary.BigEndian.PutUint16(payload, uint16(len(recordBytes)))
		payload = append(payload, recordBytes...)
		m.Log(page.GetSpaceID(), page.GetPageNo(), recOffset, mtr.TagUndoInsert, payload)
	}
	return recOffset
}

// ErasePageEnd fills the unused tail of the page with 0xFF, from the current
// page-free mark to the page's data limit (§4.A).
func ErasePageEnd(page store.Page, m *mtr.Mtr) {
	content := page.Content()
	free := pageFree(content)
	limit := pageDataLimit(content)
	for i := int(free); i < limit; i++ {
		content[i] = 0xFF
	}
	page.MarkDirty()
	if m != nil {
		payload := make([]byte, 2)
		binary.BigEndian.PutUint16(payload, free)
		m.Log(page.GetSpaceID(), page.GetPageNo(), free, mtr.TagUndoEraseEnd, payload)
	}
}

// GetFirstRec returns the offset of the first record on page, or 0 if the
// page holds none yet.
func GetFirstRec(page store.Page) uint16 {
	content := page.Content()
	start := pageStart(content)
	if start >= pageFree(content) {
		return 0
	}
	return start + 2
}

// GetLastRec returns the offset of the last record on page, found by
// walking the next-pointer chain from the first record, or 0 if the page is
// empty.
func GetLastRec(page store.Page) uint16 {
	content := page.Content()
	rec := GetFirstRec(page)
	if rec == 0 {
		return 0
	}
	for {
		next := GetNext(page, rec)
		if next == 0 {
			return rec
		}
		rec = next
	}
}

// GetNext returns the offset of the record following rec on the same page,
// or 0 if rec is the page's last record. Cross-page continuation is the
// rollback segment manager's job (§4.C), since it alone holds the page
// list.
func GetNext(page store.Page, rec uint16) uint16 {
	return binary.BigEndian.Uint16(page.Content()[rec-2:])
}

// GetPrev returns the offset of the record preceding rec on the same page,
// or 0 if rec is the page's first record. There is no stored previous
// pointer; it is derived by scanning forward from page-start, matching the
// record chain's actual navigation primitive in the original design.
func GetPrev(page store.Page, rec uint16) uint16 {
	content := page.Content()
	cur := GetFirstRec(page)
	if cur == 0 || cur == rec {
		return 0
	}
	for {
		next := GetNext(page, cur)
		if next == rec {
			return cur
		}
		if next == 0 {
			return 0
		}
		cur = next
	}
}

// Segment header accessors, valid only on a log's first page.

func SegState(page store.Page) State {
	return State(binary.BigEndian.Uint16(page.Content()[segState:]))
}

func SetSegState(page store.Page, s State, m *mtr.Mtr) {
	content := page.Content()
	binary.BigEndian.PutUint16(content[segState:], uint16(s))
	page.MarkDirty()
	if m != nil {
		payload := make([]byte, 2)
		binary.BigEndian.PutUint16(payload, uint16(s))
		m.Log(page.GetSpaceID(), page.GetPageNo(), segState, mtr.TagUndoHdrCreate, payload)
	}
}

func SegLastLog(page store.Page) uint16 {
	return binary.BigEndian.Uint16(page.Content()[segLastLog:])
}

func SetSegLastLog(page store.Page, offset uint16) {
	binary.BigEndian.PutUint16(page.Content()[segLastLog:], offset)
	page.MarkDirty()
}

func SegFsegHeader(page store.Page) []byte {
	return page.Content()[segFsegHeader : segFsegHeader+10]
}

func SetSegFsegHeader(page store.Page, header []byte) {
	copy(page.Content()[segFsegHeader:segFsegHeader+10], header)
	page.MarkDirty()
}

// SegPageList is the 16-byte base node of the segment's page list: 4-byte
// length, 4-byte first page, 2-byte unused, 4-byte last page, 2-byte
// unused, matching the teacher's PageNode shape collapsed onto one base
// node per §6.
func SegPageList(page store.Page) []byte {
	return page.Content()[segPageList : segPageList+16]
}

func SegPageListLen(page store.Page) uint32 {
	return binary.BigEndian.Uint32(SegPageList(page)[0:4])
}

func SetSegPageListLen(page store.Page, n uint32) {
	binary.BigEndian.PutUint32(SegPageList(page)[0:4], n)
	page.MarkDirty()
}

func SegPageListFirst(page store.Page) uint32 {
	return binary.BigEndian.Uint32(SegPageList(page)[4:8])
}

func SetSegPageListFirst(page store.Page, pageNo uint32) {
	binary.BigEndian.PutUint32(SegPageList(page)[4:8], pageNo)
	page.MarkDirty()
}

func SegPageListLast(page store.Page) uint32 {
	return binary.BigEndian.Uint32(SegPageList(page)[10:14])
}

func SetSegPageListLast(page store.Page, pageNo uint32) {
	binary.BigEndian.PutUint32(SegPageList(page)[10:14], pageNo)
	page.MarkDirty()
}

// PageNode is the 12-byte TRX_UNDO_PAGE_NODE list-membership link stored in
// every undo page's fixed header, used by the rollback segment manager to
// thread pages of one segment together without a separate index structure.
func PageNode(page store.Page) []byte {
	return page.Content()[hdrPageNode : hdrPageNode+12]
}

func PageNodePrev(page store.Page) uint32 {
	return binary.BigEndian.Uint32(PageNode(page)[0:4])
}

func SetPageNodePrev(page store.Page, pageNo uint32) {
	binary.BigEndian.PutUint32(PageNode(page)[0:4], pageNo)
	page.MarkDirty()
}

func PageNodeNext(page store.Page) uint32 {
	return binary.BigEndian.Uint32(PageNode(page)[6:10])
}

func SetPageNodeNext(page store.Page, pageNo uint32) {
	binary.BigEndian.PutUint32(PageNode(page)[6:10], pageNo)
	page.MarkDirty()
}

func PageTypeOf(page store.Page) Type {
	return Type(binary.BigEndian.Uint16(page.Content()[hdrPageType:]))
}

func PageFree(page store.Page) uint16  { return pageFree(page.Content()) }
func PageStart(page store.Page) uint16 { return pageStart(page.Content()) }

// checksumEnd is the first byte of the trailer (FIL_PAGE_END_LSN_OLD_CHKSUM):
// everything before it is covered by the checksum.
var checksumEnd = common.PageSize - common.FileTrailerSize

// WriteChecksum hashes the page body (everything but the trailer itself)
// with xxhash and stores the low 32 bits in the trailer's checksum field,
// the same spot the buffer-pool flush path checks on every read (§6).
func WriteChecksum(page store.Page) {
	content := page.Content()
	h := xxhash.New64()
	h.Write(content[:checksumEnd])
	binary.BigEndian.PutUint32(content[checksumEnd:], uint32(h.Sum64()))
	page.MarkDirty()
}

// VerifyChecksum recomputes the page body's checksum and compares it
// against the trailer, returning xerrors.ErrCorruption on mismatch. The
// rollback driver, version reader and purge engine all call this before
// trusting an undo page's offsets.
func VerifyChecksum(page store.Page) error {
	content := page.Content()
	h := xxhash.New64()
	h.Write(content[:checksumEnd])
	want := uint32(h.Sum64())
	got := binary.BigEndian.Uint32(content[checksumEnd:])
	if want != got {
		return errors.Trace(xerrors.ErrCorruption)
	}
	return nil
}

// XIDExists reports whether the log header at hdrOffset was reserved with
// XA extension space (TRX_UNDO_XID_EXISTS).
func XIDExists(page store.Page, hdrOffset uint16) bool {
	return page.Content()[int(hdrOffset)+LogXIDExists] != 0
}

// SetXID writes the classic XA XID triple (format id, gtrid length, bqual
// length, 128-byte data) into the log header's XA extension at hdrOffset.
// Callers must have already reserved XA space (LogXIDExists set) when the
// header was created.
func SetXID(page store.Page, hdrOffset uint16, formatID int32, gtridLen, bqualLen int32, data []byte) {
	content := page.Content()
	base := int(hdrOffset)
	binary.BigEndian.PutUint32(content[base+LogXAFormat:], uint32(formatID))
	binary.BigEndian.PutUint32(content[base+LogXAGtridLen:], uint32(gtridLen))
	binary.BigEndian.PutUint32(content[base+LogXABqualLen:], uint32(bqualLen))
	xid := content[base+LogXAXID : base+LogXAXID+128]
	for i := range xid {
		xid[i] = 0
	}
	copy(xid, data)
	page.MarkDirty()
}

// GetXID reads back what SetXID wrote: format id, gtrid length, bqual
// length, and the full 128-byte data block.
func GetXID(page store.Page, hdrOffset uint16) (formatID int32, gtridLen, bqualLen int32, data []byte) {
	content := page.Content()
	base := int(hdrOffset)
	formatID = int32(binary.BigEndian.Uint32(content[base+LogXAFormat:]))
	gtridLen = int32(binary.BigEndian.Uint32(content[base+LogXAGtridLen:]))
	bqualLen = int32(binary.BigEndian.Uint32(content[base+LogXABqualLen:]))
	data = append([]byte(nil), content[base+LogXAXID:base+LogXAXID+128]...)
	return
}

// SetLogTrxID stamps the owning transaction's id into the log header, so a
// crash-recovery scan can re-home an orphaned segment onto a freshly
// allocated Transaction by matching this field (§6 "Undo log header").
func SetLogTrxID(page store.Page, hdrOffset uint16, trxID uint64) {
	content := page.Content()
	binary.BigEndian.PutUint64(content[int(hdrOffset)+LogTrxID:], trxID)
	page.MarkDirty()
}

// LogTrxIDOf reads back what SetLogTrxID wrote.
func LogTrxIDOf(page store.Page, hdrOffset uint16) uint64 {
	content := page.Content()
	return binary.BigEndian.Uint64(content[int(hdrOffset)+LogTrxID:])
}
