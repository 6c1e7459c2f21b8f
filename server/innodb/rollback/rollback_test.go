package rollback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/undoengine/server/innodb/rseg"
	"github.com/zhukovaskychina/undoengine/server/innodb/store"
	"github.com/zhukovaskychina/undoengine/server/innodb/trx"
	"github.com/zhukovaskychina/undoengine/server/innodb/undolog"
	"github.com/zhukovaskychina/undoengine/server/innodb/undopage"
	"github.com/zhukovaskychina/undoengine/server/innodb/undorec"
)

func lastRecUndoNoOf(page store.Page, rec uint16) uint64 {
	hdr, err := undorec.ParseHeader(readRecordAt(page, rec))
	if err != nil {
		return 0
	}
	return hdr.UndoNo
}

func noSerialNoOf(pageNo uint32, offset uint16) uint64 { return 0 }

func newRollbackTestTrx(t *testing.T) (*trx.Transaction, *rseg.Rseg) {
	space := store.NewMemSpace(1)
	hdrPageNo, err := rseg.CreateRsegHeader(space, 1000)
	require.NoError(t, err)
	r := rseg.New(0, space, hdrPageNo)

	k := trx.NewKernel(trx.FlushNever)
	tr := k.Begin(1)

	log, err := undolog.Assign(r, undopage.TypeInsert, false, nil)
	require.NoError(t, err)
	tr.InsertUndo = log
	return tr, r
}

func TestPopReturnsRecordsNewestFirst(t *testing.T) {
	tr, r := newRollbackTestTrx(t)

	for i := uint64(0); i < 3; i++ {
		_, err := reportInsert(t, tr.InsertUndo, i)
		require.NoError(t, err)
	}
	require.False(t, tr.InsertUndo.Empty)
	_ = r

	pagesUndone := 0
	popped, ok, err := Pop(tr, &pagesUndone, lastRecUndoNoOf, noSerialNoOf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), popped.UndoNo)

	popped, ok, err = Pop(tr, &pagesUndone, lastRecUndoNoOf, noSerialNoOf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), popped.UndoNo)
}

func TestPopStopsAtRollbackLimit(t *testing.T) {
	tr, _ := newRollbackTestTrx(t)
	for i := uint64(0); i < 2; i++ {
		_, err := reportInsert(t, tr.InsertUndo, i)
		require.NoError(t, err)
	}
	tr.RollbackLimit = 5

	pagesUndone := 0
	_, ok, err := Pop(tr, &pagesUndone, lastRecUndoNoOf, noSerialNoOf)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunApplyLoopAppliesEveryRecord(t *testing.T) {
	tr, _ := newRollbackTestTrx(t)
	for i := uint64(0); i < 3; i++ {
		_, err := reportInsert(t, tr.InsertUndo, i)
		require.NoError(t, err)
	}

	var applied []uint64
	pagesUndone := 0
	err := RunApplyLoop(tr, &pagesUndone, lastRecUndoNoOf, noSerialNoOf, func(rec PoppedRecord, hdr undorec.Header) error {
		applied = append(applied, rec.UndoNo)
		return nil
	}, func(d time.Duration) {})
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 1, 0}, applied)
}

func reportInsert(t *testing.T, log *undolog.Log, undoNo uint64) (uint64, error) {
	t.Helper()
	return undorec.ReportRowOperation(log, undorec.RowOperation{
		Op:      undorec.OpInsert,
		TableID: 1,
		UndoNo:  undoNo,
		PK:      []byte{byte(undoNo)},
	}, nil)
}
