package purge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/undoengine/server/innodb/rseg"
	"github.com/zhukovaskychina/undoengine/server/innodb/store"
	"github.com/zhukovaskychina/undoengine/server/innodb/undolog"
	"github.com/zhukovaskychina/undoengine/server/innodb/undopage"
	"github.com/zhukovaskychina/undoengine/server/innodb/undorec"
)

func newPurgeTestRseg(t *testing.T, id uint8) *rseg.Rseg {
	space := store.NewMemSpace(1)
	hdrPageNo, err := rseg.CreateRsegHeader(space, 1000)
	require.NoError(t, err)
	return rseg.New(id, space, hdrPageNo)
}

func serialNoOf(r *rseg.Rseg, pageNo uint32, offset uint16) (uint64, error) {
	page, err := r.Space.GetPage(pageNo)
	if err != nil {
		return 0, err
	}
	content := page.Content()
	return uint64FromBigEndian(content[int(offset)+undopage.LogTrxNo:]), nil
}

func uint64FromBigEndian(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func TestRunOncePurgesBelowView(t *testing.T) {
	r := newPurgeTestRseg(t, 1)
	log, err := undolog.Assign(r, undopage.TypeUpdate, false, nil)
	require.NoError(t, err)

	_, err = undorec.ReportRowOperation(log, undorec.RowOperation{
		Op:      undorec.OpModify,
		TableID: 1,
		UndoNo:  0,
		TrxID:   1,
		PK:      []byte("pk"),
		Changes: []undorec.FieldChange{{Column: "v", OldVal: []byte("old")}},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, log.Finish(mustFinishState(t, log), 5, nil))

	var cleaned int
	engine := NewEngine([]*rseg.Rseg{r}, serialNoOf, func(rec []byte, hdr undorec.Header, selfRollPtr uint64) error {
		cleaned++
		return nil
	})
	engine.View = View{LowLimitNo: 100}

	n, err := engine.RunOnce()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, cleaned)
}

func TestRunOnceSkipsAboveView(t *testing.T) {
	r := newPurgeTestRseg(t, 1)
	log, err := undolog.Assign(r, undopage.TypeUpdate, false, nil)
	require.NoError(t, err)

	_, err = undorec.ReportRowOperation(log, undorec.RowOperation{
		Op:      undorec.OpModify,
		TableID: 1,
		UndoNo:  0,
		TrxID:   1,
		PK:      []byte("pk"),
		Changes: []undorec.FieldChange{{Column: "v", OldVal: []byte("old")}},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, log.Finish(mustFinishState(t, log), 500, nil))

	var cleaned int
	engine := NewEngine([]*rseg.Rseg{r}, serialNoOf, func(rec []byte, hdr undorec.Header, selfRollPtr uint64) error {
		cleaned++
		return nil
	})
	engine.View = View{LowLimitNo: 1}

	n, err := engine.RunOnce()
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, 0, cleaned)
}

func mustFinishState(t *testing.T, log *undolog.Log) undopage.State {
	t.Helper()
	state, err := log.SetStateAtFinish()
	require.NoError(t, err)
	return state
}
