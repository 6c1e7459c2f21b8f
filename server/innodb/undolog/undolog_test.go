package undolog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/undoengine/server/innodb/rseg"
	"github.com/zhukovaskychina/undoengine/server/innodb/store"
	"github.com/zhukovaskychina/undoengine/server/innodb/undopage"
)

func newTestRseg(t *testing.T) *rseg.Rseg {
	space := store.NewMemSpace(1)
	hdrPageNo, err := rseg.CreateRsegHeader(space, 1000)
	require.NoError(t, err)
	return rseg.New(0, space, hdrPageNo)
}

func TestAssignCreatesNewSegmentWhenCacheEmpty(t *testing.T) {
	r := newTestRseg(t)
	log, err := Assign(r, undopage.TypeInsert, false, nil)
	require.NoError(t, err)
	require.Equal(t, undopage.StateActive, log.State)
	require.True(t, log.Empty)
	require.Equal(t, uint32(1), log.Size)
}

func TestAssignReusesCachedSegment(t *testing.T) {
	r := newTestRseg(t)
	first, err := Assign(r, undopage.TypeUpdate, false, nil)
	require.NoError(t, err)

	r.PushCached(undopage.TypeUpdate, first.HdrPageNo)

	second, err := Assign(r, undopage.TypeUpdate, true, nil)
	require.NoError(t, err)
	require.Equal(t, first.HdrPageNo, second.HdrPageNo)
	require.True(t, second.HasXID)

	hdr, err := r.Space.GetPage(second.HdrPageNo)
	require.NoError(t, err)
	require.Equal(t, undopage.StateActive, undopage.SegState(hdr))
}

func TestSetStateAtFinishInsertNotReusable(t *testing.T) {
	r := newTestRseg(t)
	log, err := Assign(r, undopage.TypeInsert, false, nil)
	require.NoError(t, err)

	hdr, err := r.Space.GetPage(log.HdrPageNo)
	require.NoError(t, err)
	big := make([]byte, 8000)
	undopage.AppendRecord(hdr, big, nil)

	state, err := log.SetStateAtFinish()
	require.NoError(t, err)
	require.Equal(t, undopage.StateToFree, state)
}

func TestSetStateAtFinishReusable(t *testing.T) {
	r := newTestRseg(t)
	log, err := Assign(r, undopage.TypeInsert, false, nil)
	require.NoError(t, err)

	state, err := log.SetStateAtFinish()
	require.NoError(t, err)
	require.Equal(t, undopage.StateCached, state)
}

func TestSetTrxIDRoundTrip(t *testing.T) {
	r := newTestRseg(t)
	log, err := Assign(r, undopage.TypeInsert, false, nil)
	require.NoError(t, err)

	require.NoError(t, log.SetTrxID(4242))
	got, err := log.TrxID()
	require.NoError(t, err)
	require.Equal(t, uint64(4242), got)
}

func TestRebuildFromDiskRecoversTrxIDAndXID(t *testing.T) {
	r := newTestRseg(t)
	log, err := Assign(r, undopage.TypeUpdate, true, nil)
	require.NoError(t, err)
	require.NoError(t, log.SetTrxID(99))

	rebuilt, err := RebuildFromDisk(r, log.ID, log.HdrPageNo, func(store.Page, uint16) uint64 { return 0 })
	require.NoError(t, err)

	trxID, err := rebuilt.TrxID()
	require.NoError(t, err)
	require.Equal(t, uint64(99), trxID)
	require.True(t, rebuilt.HasXID)
	require.Equal(t, log.XID, rebuilt.XID)
}

func TestFinishToPurgeLinksHistory(t *testing.T) {
	r := newTestRseg(t)
	log, err := Assign(r, undopage.TypeUpdate, false, nil)
	require.NoError(t, err)

	require.NoError(t, log.Finish(undopage.StateToPurge, 77, nil))

	pageNo, _, ok, err := r.HeadOfHistoryList()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, log.HdrPageNo, pageNo)
}
