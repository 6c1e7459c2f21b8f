package rseg

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/undoengine/server/innodb/undopage"
)

func newTestRseg(t *testing.T) *Rseg {
	space := newTestSpace()
	hdrPageNo, err := CreateRsegHeader(space, 1000)
	require.NoError(t, err)
	return New(0, space, hdrPageNo)
}

func TestCreateUndoSegmentAssignsSlot(t *testing.T) {
	r := newTestRseg(t)
	slotNo, hdrPageNo, err := r.CreateUndoSegment(undopage.TypeInsert, nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, slotNo, 0)
	require.NotZero(t, hdrPageNo)

	got, err := r.slot(slotNo)
	require.NoError(t, err)
	require.Equal(t, hdrPageNo, got)
}

func TestFindFreeSlotExhaustion(t *testing.T) {
	r := newTestRseg(t)
	for i := 0; i < NSlots; i++ {
		_, _, err := r.CreateUndoSegment(undopage.TypeInsert, nil)
		require.NoError(t, err)
	}
	_, _, err := r.CreateUndoSegment(undopage.TypeInsert, nil)
	require.Error(t, err)
}

func TestAddPageExtendsSegment(t *testing.T) {
	r := newTestRseg(t)
	_, hdrPageNo, err := r.CreateUndoSegment(undopage.TypeUpdate, nil)
	require.NoError(t, err)

	page, err := r.AddPage(hdrPageNo, nil)
	require.NoError(t, err)
	require.NotNil(t, page)

	hdr, err := r.Space.GetPage(hdrPageNo)
	require.NoError(t, err)
	require.Equal(t, uint32(2), undopage.SegPageListLen(hdr))
	require.Equal(t, page.GetPageNo(), undopage.SegPageListLast(hdr))
}

func TestCachedFreeList(t *testing.T) {
	r := newTestRseg(t)
	_, ok := r.PopCached(undopage.TypeInsert)
	require.False(t, ok)

	r.PushCached(undopage.TypeInsert, 42)
	r.PushCached(undopage.TypeInsert, 43)

	got, ok := r.PopCached(undopage.TypeInsert)
	require.True(t, ok)
	require.Equal(t, uint32(43), got)
}

func TestOccupiedSlotsReportsOnlyNonNullEntries(t *testing.T) {
	r := newTestRseg(t)
	_, hdrPageNo1, err := r.CreateUndoSegment(undopage.TypeInsert, nil)
	require.NoError(t, err)
	_, hdrPageNo2, err := r.CreateUndoSegment(undopage.TypeUpdate, nil)
	require.NoError(t, err)

	slots, err := r.OccupiedSlots()
	require.NoError(t, err)
	require.Len(t, slots, 2)

	seen := map[uint32]bool{}
	for _, pageNo := range slots {
		seen[pageNo] = true
	}
	require.True(t, seen[hdrPageNo1])
	require.True(t, seen[hdrPageNo2])
}

func TestHistoryListAddAndHead(t *testing.T) {
	r := newTestRseg(t)
	_, hdrPageNo, err := r.CreateUndoSegment(undopage.TypeUpdate, nil)
	require.NoError(t, err)

	require.NoError(t, r.HistoryListAdd(hdrPageNo, undopage.SegHeaderEnd, 100, true, nil))

	pageNo, offset, ok, err := r.HeadOfHistoryList()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, hdrPageNo, pageNo)
	require.Equal(t, uint16(undopage.SegHeaderEnd), offset)

	logHdr, err := r.Space.GetPage(hdrPageNo)
	require.NoError(t, err)
	require.Equal(t, undopage.StateToPurge, undopage.SegState(logHdr))
}

func TestHistoryListRemoveAndTruncate(t *testing.T) {
	r := newTestRseg(t)
	_, hdrPageNo, err := r.CreateUndoSegment(undopage.TypeUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, r.HistoryListAdd(hdrPageNo, undopage.SegHeaderEnd, 5, true, nil))

	err = r.HistoryListRemoveAndTruncate(10, func(pageNo uint32, offset uint16) uint64 {
		return 5
	})
	require.NoError(t, err)

	_, _, ok, err := r.HeadOfHistoryList()
	require.NoError(t, err)
	require.False(t, ok)
}
