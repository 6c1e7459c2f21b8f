package undopage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/undoengine/server/common"
	"github.com/zhukovaskychina/undoengine/server/innodb/mtr"
	"github.com/zhukovaskychina/undoengine/server/innodb/store"
)

func newTestPage(t *testing.T) store.Page {
	space := store.NewMemSpace(1)
	p, err := space.AllocatePage(common.FIL_PAGE_UNDO_LOG)
	require.NoError(t, err)
	return p
}

func TestPageInitFirstPage(t *testing.T) {
	page := newTestPage(t)
	m := mtr.New()
	PageInit(page, TypeUpdate, true, m)

	require.Equal(t, TypeUpdate, PageTypeOf(page))
	require.Equal(t, uint16(SegHeaderEnd), PageStart(page))
	require.Equal(t, uint16(SegHeaderEnd), PageFree(page))
	require.Zero(t, GetFirstRec(page))
	require.Len(t, m.Edits(), 1)
	require.Equal(t, mtr.TagUndoInit, m.Edits()[0].Tag)
}

func TestAppendSingleRecord(t *testing.T) {
	page := newTestPage(t)
	PageInit(page, TypeInsert, true, nil)

	rec := []byte{0xAA, 0xBB, 0xCC}
	off := AppendRecord(page, rec, nil)
	require.NotZero(t, off)
	require.Equal(t, off, GetFirstRec(page))
	require.Equal(t, off, GetLastRec(page))
	require.Equal(t, uint16(0), GetNext(page, off))
	require.Equal(t, uint16(0), GetPrev(page, off))
}

func TestAppendMultipleRecordsChain(t *testing.T) {
	page := newTestPage(t)
	PageInit(page, TypeInsert, true, nil)

	r1 := AppendRecord(page, []byte{1, 2, 3}, nil)
	r2 := AppendRecord(page, []byte{4, 5}, nil)
	r3 := AppendRecord(page, []byte{6}, nil)

	require.Equal(t, r1, GetFirstRec(page))
	require.Equal(t, r3, GetLastRec(page))

	require.Equal(t, r2, GetNext(page, r1))
	require.Equal(t, r3, GetNext(page, r2))
	require.Equal(t, uint16(0), GetNext(page, r3))

	require.Equal(t, uint16(0), GetPrev(page, r1))
	require.Equal(t, r1, GetPrev(page, r2))
	require.Equal(t, r2, GetPrev(page, r3))
}

func TestAppendRecordReturnsZeroWhenFull(t *testing.T) {
	page := newTestPage(t)
	PageInit(page, TypeInsert, true, nil)

	big := make([]byte, common.PageSize)
	off := AppendRecord(page, big, nil)
	require.Zero(t, off)
}

func TestErasePageEndFillsTail(t *testing.T) {
	page := newTestPage(t)
	PageInit(page, TypeInsert, true, nil)
	AppendRecord(page, []byte{1, 2, 3}, nil)

	free := PageFree(page)
	ErasePageEnd(page, nil)

	content := page.Content()
	for i := int(free); i < pageDataLimit(content); i++ {
		require.Equal(t, byte(0xFF), content[i])
	}
}

func TestSegmentHeaderRoundTrip(t *testing.T) {
	page := newTestPage(t)
	PageInit(page, TypeUpdate, true, nil)

	SetSegState(page, StateActive, nil)
	require.Equal(t, StateActive, SegState(page))

	SetSegLastLog(page, 123)
	require.Equal(t, uint16(123), SegLastLog(page))

	SetSegPageListFirst(page, 7)
	SetSegPageListLast(page, 9)
	SetSegPageListLen(page, 1)
	require.Equal(t, uint32(7), SegPageListFirst(page))
	require.Equal(t, uint32(9), SegPageListLast(page))
	require.Equal(t, uint32(1), SegPageListLen(page))
}

func TestPageNodeRoundTrip(t *testing.T) {
	page := newTestPage(t)
	PageInit(page, TypeInsert, false, nil)

	SetPageNodePrev(page, 5)
	SetPageNodeNext(page, 6)
	require.Equal(t, uint32(5), PageNodePrev(page))
	require.Equal(t, uint32(6), PageNodeNext(page))
}

func TestLogTrxIDRoundTrip(t *testing.T) {
	page := newTestPage(t)
	PageInit(page, TypeInsert, true, nil)

	SetLogTrxID(page, SegHeaderEnd, 555)
	require.Equal(t, uint64(555), LogTrxIDOf(page, SegHeaderEnd))
}

func TestChecksumRoundTripAndCorruptionDetection(t *testing.T) {
	page := newTestPage(t)
	PageInit(page, TypeInsert, true, nil)
	AppendRecord(page, []byte("some undo record body"), nil)

	WriteChecksum(page)
	require.NoError(t, VerifyChecksum(page))

	page.Content()[PageHeaderEnd] ^= 0xFF
	require.Error(t, VerifyChecksum(page))
}
