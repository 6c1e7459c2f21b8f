package trxsys

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/undoengine/server/innodb/store"
)

func TestCreateInitializesEmptyRsegArray(t *testing.T) {
	space := store.NewMemSpace(1)
	p, err := Create(space, 5)
	require.NoError(t, err)

	for i := 0; i < NRsegs; i++ {
		require.False(t, p.Rseg(i).Used)
	}
	require.Empty(t, p.AllRsegs())
}

func TestNextTrxIDMonotonicAndFlushesInStrides(t *testing.T) {
	space := store.NewMemSpace(1)
	p, err := Create(space, 5)
	require.NoError(t, err)

	seen := map[uint64]bool{}
	for i := 0; i < TrxIDWriteMargin+10; i++ {
		id := p.NextTrxID()
		require.False(t, seen[id], "duplicate trx id %d", id)
		seen[id] = true
	}
	require.Equal(t, uint64(1), minKey(seen))
}

func TestOpenRoundsCounterUpPastLastFlush(t *testing.T) {
	space := store.NewMemSpace(1)
	p, err := Create(space, 5)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		p.NextTrxID()
	}

	reopened, err := Open(space, 5)
	require.NoError(t, err)
	require.GreaterOrEqual(t, reopened.nextTrxID.Load(), p.flushedTrxID+TrxIDWriteMargin)
}

func TestAllocateAndFreeRsegSlot(t *testing.T) {
	space := store.NewMemSpace(1)
	p, err := Create(space, 5)
	require.NoError(t, err)

	slot, ok := p.AllocateRsegSlot(1, 42)
	require.True(t, ok)
	require.Equal(t, RsegSlot{Used: true, SpaceID: 1, PageNo: 42}, p.Rseg(slot))

	p.SetRseg(slot, RsegSlot{})
	require.False(t, p.Rseg(slot).Used)
}

func TestDoublewriteAndBinlogPersistVerbatim(t *testing.T) {
	space := store.NewMemSpace(1)
	p, err := Create(space, 5)
	require.NoError(t, err)

	dw := make([]byte, doublewriteSize)
	for i := range dw {
		dw[i] = byte(i)
	}
	p.SetDoublewriteDescriptor(dw)
	require.Equal(t, dw, p.DoublewriteDescriptor())

	bl := make([]byte, binlogInfoSize)
	for i := range bl {
		bl[i] = byte(255 - i)
	}
	p.SetBinlogPosition(bl)
	require.Equal(t, bl, p.BinlogPosition())
}

func minKey(m map[uint64]bool) uint64 {
	var min uint64
	first := true
	for k := range m {
		if first || k < min {
			min = k
			first = false
		}
	}
	return min
}
