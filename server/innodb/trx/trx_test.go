package trx

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/undoengine/server/innodb/rseg"
	"github.com/zhukovaskychina/undoengine/server/innodb/store"
	"github.com/zhukovaskychina/undoengine/server/innodb/undolog"
	"github.com/zhukovaskychina/undoengine/server/innodb/undopage"
)

func TestBeginStartsActive(t *testing.T) {
	k := NewKernel(FlushNever)
	tr := k.Begin(1)
	require.Equal(t, Active, tr.State)
	require.Equal(t, MaxUndoNo, tr.SerialNo)
}

func TestQueueRejectsCommitAfterTotalRollback(t *testing.T) {
	k := NewKernel(FlushNever)
	tr := k.Begin(1)
	require.NoError(t, tr.Queue(Signal{Kind: SigTotalRollback}, true))
	require.Error(t, tr.Queue(Signal{Kind: SigCommit}, true))
}

func TestQueueRejectsForeignErrorSignal(t *testing.T) {
	k := NewKernel(FlushNever)
	tr := k.Begin(1)
	require.Error(t, tr.Queue(Signal{Kind: SigErrorOccurred}, false))
	require.NoError(t, tr.Queue(Signal{Kind: SigErrorOccurred}, true))
}

func TestSavepointRoundTrip(t *testing.T) {
	k := NewKernel(FlushNever)
	tr := k.Begin(1)
	tr.UndoNo = 4
	tr.Savepoint("sp1")
	tr.UndoNo = 9

	limit, err := tr.FindSavepoint("sp1")
	require.NoError(t, err)
	require.Equal(t, uint64(4), limit)

	require.NoError(t, tr.ReleaseSavepoint("sp1"))
	_, err = tr.FindSavepoint("sp1")
	require.Error(t, err)
}

func TestBeginRollbackModes(t *testing.T) {
	k := NewKernel(FlushNever)
	tr := k.Begin(1)
	tr.UndoNo = 10
	tr.LastStmtStartUndoNo = 7
	tr.Savepoint("sp")
	tr.UndoNo = 10

	limit, err := tr.BeginRollback(false, "")
	require.NoError(t, err)
	require.Equal(t, uint64(7), limit)

	limit, err = tr.BeginRollback(true, "")
	require.NoError(t, err)
	require.Equal(t, uint64(0), limit)
}

func newTestRsegForTrx(t *testing.T) *rseg.Rseg {
	space := store.NewMemSpace(1)
	hdrPageNo, err := rseg.CreateRsegHeader(space, 1000)
	require.NoError(t, err)
	return rseg.New(0, space, hdrPageNo)
}

func TestCommitLinksUpdateUndoIntoHistory(t *testing.T) {
	k := NewKernel(FlushNever)
	tr := k.Begin(1)

	r := newTestRsegForTrx(t)
	log, err := undolog.Assign(r, undopage.TypeUpdate, false, nil)
	require.NoError(t, err)
	tr.UpdateUndo = log

	var flushedLSN uint64
	k.FlushRedo = func(lsn uint64, policy FlushPolicy) { flushedLSN = lsn }

	err = k.Commit(tr, func() uint64 { return 42 })
	require.NoError(t, err)
	require.Equal(t, CommittedInMemory, tr.State)
	require.Equal(t, uint64(42), flushedLSN)
	require.NotEqual(t, MaxUndoNo, tr.SerialNo)

	pageNo, _, ok, err := r.HeadOfHistoryList()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, log.HdrPageNo, pageNo)
}

func TestPrepareMarksUndoHeadersPrepared(t *testing.T) {
	k := NewKernel(FlushNever)
	tr := k.Begin(1)

	r := newTestRsegForTrx(t)
	log, err := undolog.Assign(r, undopage.TypeInsert, false, nil)
	require.NoError(t, err)
	tr.InsertUndo = log

	err = k.Prepare(tr, func(lsn uint64) {}, func() uint64 { return 1 })
	require.NoError(t, err)
	require.Equal(t, Prepared, tr.State)

	page, err := r.Space.GetPage(log.HdrPageNo)
	require.NoError(t, err)
	require.Equal(t, undopage.StatePrepared, undopage.SegState(page))
}

func TestAttachInsertUndoStampsTrxIDAndAdoptsXID(t *testing.T) {
	k := NewKernel(FlushNever)
	tr := k.Begin(77)

	r := newTestRsegForTrx(t)
	log, err := undolog.Assign(r, undopage.TypeInsert, true, nil)
	require.NoError(t, err)

	require.NoError(t, tr.AttachInsertUndo(log))
	require.Same(t, log, tr.InsertUndo)
	require.Equal(t, log.XID, tr.XID)

	gotTrxID, err := log.TrxID()
	require.NoError(t, err)
	require.Equal(t, uint64(77), gotTrxID)
}

func TestGetByXIDFindsAttachedTransaction(t *testing.T) {
	k := NewKernel(FlushNever)
	tr := k.Begin(5)

	r := newTestRsegForTrx(t)
	log, err := undolog.Assign(r, undopage.TypeUpdate, true, nil)
	require.NoError(t, err)
	require.NoError(t, tr.AttachUpdateUndo(log))

	found, ok := k.GetByXID(log.XID)
	require.True(t, ok)
	require.Same(t, tr, found)

	_, ok = k.GetByXID([]byte("no such xid"))
	require.False(t, ok)
}

func TestRecoverRehomesActiveAndPreparedSegments(t *testing.T) {
	r := newTestRsegForTrx(t)

	insertLog, err := undolog.Assign(r, undopage.TypeInsert, false, nil)
	require.NoError(t, err)
	require.NoError(t, insertLog.SetTrxID(11))

	updateLog, err := undolog.Assign(r, undopage.TypeUpdate, true, nil)
	require.NoError(t, err)
	require.NoError(t, updateLog.SetTrxID(11))

	page, err := r.Space.GetPage(updateLog.HdrPageNo)
	require.NoError(t, err)
	undopage.SetSegState(page, undopage.StatePrepared, nil)

	k := NewKernel(FlushNever)
	trxs, err := k.Recover([]*rseg.Rseg{r}, func(store.Page, uint16) uint64 { return 0 })
	require.NoError(t, err)
	require.Len(t, trxs, 1)

	recovered := trxs[0]
	require.Equal(t, uint64(11), recovered.ID)
	require.Equal(t, Prepared, recovered.State)
	require.NotNil(t, recovered.InsertUndo)
	require.NotNil(t, recovered.UpdateUndo)
	require.Equal(t, updateLog.XID, recovered.XID)

	found, ok := k.GetByXID(updateLog.XID)
	require.True(t, ok)
	require.Same(t, recovered, found)
}

func TestInProgressSetStoreRemoveBiggest(t *testing.T) {
	s := NewInProgressSet(4)
	require.True(t, s.Store(5))
	require.False(t, s.Store(5))
	require.True(t, s.Store(9))

	big, ok := s.Biggest()
	require.True(t, ok)
	require.Equal(t, uint64(9), big)

	s.Remove(9)
	big, ok = s.Biggest()
	require.True(t, ok)
	require.Equal(t, uint64(5), big)
}
