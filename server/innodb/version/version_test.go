package version

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/undoengine/server/innodb/rollptr"
	"github.com/zhukovaskychina/undoengine/server/innodb/rseg"
	"github.com/zhukovaskychina/undoengine/server/innodb/store"
	"github.com/zhukovaskychina/undoengine/server/innodb/undolog"
	"github.com/zhukovaskychina/undoengine/server/innodb/undopage"
	"github.com/zhukovaskychina/undoengine/server/innodb/undorec"
)

func newVersionTestRseg(t *testing.T) (*rseg.Rseg, Rsegs) {
	space := store.NewMemSpace(1)
	hdrPageNo, err := rseg.CreateRsegHeader(space, 1000)
	require.NoError(t, err)
	r := rseg.New(3, space, hdrPageNo)
	return r, rseg.Registry{3: r}
}

func TestBuildForConsistentReadReturnsCurrentWhenVisible(t *testing.T) {
	row := store.Row{PK: []byte("pk"), TrxID: 5, Columns: map[string][]byte{"v": []byte("now")}}
	view := &SnapshotView{LowLimitID: 100, UpLimitID: 1, Invisible: map[uint64]bool{}}

	got, ok, err := BuildForConsistentRead(rseg.Registry{}, &PurgeLatch{}, row, view)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, row.TrxID, got.TrxID)
}

func TestBuildForConsistentReadWalksUndoToPriorVersion(t *testing.T) {
	r, rsegs := newVersionTestRseg(t)
	log, err := undolog.Assign(r, undopage.TypeUpdate, false, nil)
	require.NoError(t, err)

	rollPtr, err := undorec.ReportRowOperation(log, undorec.RowOperation{
		Op:      undorec.OpModify,
		TableID: 1,
		UndoNo:  0,
		TrxID:   5,
		PK:      []byte("pk"),
		Changes: []undorec.FieldChange{{Column: "v", OldVal: []byte("old")}},
	}, nil)
	require.NoError(t, err)

	row := store.Row{PK: []byte("pk"), TrxID: 10, RollPtr: rollPtr, Columns: map[string][]byte{"v": []byte("new")}}
	view := &SnapshotView{LowLimitID: 10, UpLimitID: 1, Invisible: map[uint64]bool{10: true}}

	got, ok, err := BuildForConsistentRead(rsegs, &PurgeLatch{}, row, view)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), got.TrxID)
	require.True(t, bytes.Equal(got.Columns["v"], []byte("old")))
}

func TestBuildForConsistentReadReturnsNotOkForInsertOrigin(t *testing.T) {
	row := store.Row{PK: []byte("pk"), TrxID: 10, RollPtr: rollptr.Encode(rollptr.Ptr{IsInsert: true}), Columns: map[string][]byte{}}
	view := &SnapshotView{LowLimitID: 10, UpLimitID: 1, Invisible: map[uint64]bool{10: true}}

	_, ok, err := BuildForConsistentRead(rseg.Registry{}, &PurgeLatch{}, row, view)
	require.NoError(t, err)
	require.False(t, ok)
}

