// Command undodemo exercises the undo/rollback/purge core end to end
// against in-memory stand-ins for the buffer pool and B-tree layer: begin
// a transaction, insert a row, update it, roll back, then commit a second
// transaction's change and purge it.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"

	"github.com/zhukovaskychina/undoengine/logger"
	"github.com/zhukovaskychina/undoengine/server/conf"
	"github.com/zhukovaskychina/undoengine/server/innodb/purge"
	"github.com/zhukovaskychina/undoengine/server/innodb/rollback"
	"github.com/zhukovaskychina/undoengine/server/innodb/rseg"
	"github.com/zhukovaskychina/undoengine/server/innodb/store"
	"github.com/zhukovaskychina/undoengine/server/innodb/trx"
	"github.com/zhukovaskychina/undoengine/server/innodb/trxsys"
	"github.com/zhukovaskychina/undoengine/server/innodb/undolog"
	"github.com/zhukovaskychina/undoengine/server/innodb/undopage"
	"github.com/zhukovaskychina/undoengine/server/innodb/undorec"
	"github.com/zhukovaskychina/undoengine/server/innodb/version"
)

func mapFlushPolicy(p conf.FlushPolicy) trx.FlushPolicy {
	switch p {
	case conf.FlushWriteOnly:
		return trx.FlushWriteOnly
	case conf.FlushWriteAndFsync:
		return trx.FlushWriteAndFsync
	default:
		return trx.FlushNever
	}
}

func lastRecUndoNoOf(page store.Page, rec uint16) uint64 {
	hdr, err := undorec.ParseHeader(pageRecordBytes(page, rec))
	if err != nil {
		return 0
	}
	return hdr.UndoNo
}

func pageRecordBytes(page store.Page, rec uint16) []byte {
	content := page.Content()
	next := undopage.GetNext(page, rec)
	end := undopage.PageFree(page) - 2
	if next != 0 {
		end = next - 4
	}
	return content[rec:end]
}

func serialNoOf(r *rseg.Rseg, pageNo uint32, offset uint16) (uint64, error) {
	page, err := r.Space.GetPage(pageNo)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(page.Content()[int(offset)+undopage.LogTrxNo:]), nil
}

func main() {
	cnfPath := flag.String("config", "", "path to a .cnf file with an [mvcc] section")
	flag.Parse()

	if err := logger.Init(logger.Config{LogLevel: "info"}); err != nil {
		fmt.Printf("init logger: %v\n", err)
		return
	}
	mvccCfg, err := conf.LoadMVCCConfig(*cnfPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	policy := mapFlushPolicy(mvccCfg.FlushLogAtTrxCommit)

	space := store.NewMemSpace(1)
	sys, err := trxsys.Create(space, 0)
	if err != nil {
		logger.Fatalf("create trx sys page: %v", err)
	}

	hdrPageNo, err := rseg.CreateRsegHeader(space, 1000)
	if err != nil {
		logger.Fatalf("create rseg: %v", err)
	}
	rsegSlot, ok := sys.AllocateRsegSlot(space.SpaceID(), hdrPageNo)
	if !ok {
		logger.Fatalf("allocate rseg slot: slot array full")
	}
	r := rseg.New(uint8(rsegSlot), space, hdrPageNo)
	rsegs := rseg.Registry{r.ID: r}

	clustered := store.NewClusteredMemIndex("PRIMARY")
	byName := store.NewSecondaryMemIndex("idx_name", []store.IndexField{{Column: "name"}})

	kernel := trx.NewKernel(policy)
	kernel.FlushRedo = func(lsn uint64, p trx.FlushPolicy) {
		logger.Infof("commit lsn=%d flush-policy=%s", lsn, mvccFlushString(p))
	}

	t1 := kernel.Begin(sys.NextTrxID())
	insertLog, err := undolog.Assign(r, undopage.TypeInsert, false, nil)
	if err != nil {
		logger.Fatalf("assign insert-undo: %v", err)
	}
	if err := t1.AttachInsertUndo(insertLog); err != nil {
		logger.Fatalf("attach insert-undo: %v", err)
	}

	row := store.Row{PK: []byte("1"), TrxID: t1.ID, Columns: map[string][]byte{"name": []byte("ada")}}
	rollPtr, err := undorec.ReportRowOperation(insertLog, undorec.RowOperation{
		Op: undorec.OpInsert, TableID: 7, UndoNo: t1.UndoNo, PK: row.PK,
	}, nil)
	if err != nil {
		logger.Fatalf("report insert: %v", err)
	}
	row.RollPtr = rollPtr
	t1.UndoNo++
	if err := clustered.Insert(row); err != nil {
		logger.Fatalf("insert row: %v", err)
	}
	if err := byName.Insert(row); err != nil {
		logger.Fatalf("insert secondary entry: %v", err)
	}
	logger.Infof("trx %d inserted row pk=%s fp=%x", t1.ID, row.PK, store.Fingerprint(row.PK))

	if err := kernel.Commit(t1, func() uint64 { return 100 }); err != nil {
		logger.Fatalf("commit t1: %v", err)
	}

	t2 := kernel.Begin(sys.NextTrxID())
	updateLog, err := undolog.Assign(r, undopage.TypeUpdate, false, nil)
	if err != nil {
		logger.Fatalf("assign update-undo: %v", err)
	}
	if err := t2.AttachUpdateUndo(updateLog); err != nil {
		logger.Fatalf("attach update-undo: %v", err)
	}

	t2.Savepoint("before_update")

	before, _, _ := clustered.Seek(row.PK)
	newRollPtr, err := undorec.ReportRowOperation(updateLog, undorec.RowOperation{
		Op: undorec.OpModify, TableID: 7, UndoNo: t2.UndoNo, TrxID: before.TrxID, OldRollPtr: before.RollPtr,
		PK: row.PK, Changes: []undorec.FieldChange{{Column: "name", OldVal: before.Columns["name"]}},
	}, nil)
	if err != nil {
		logger.Fatalf("report update: %v", err)
	}
	t2.UndoNo++

	updated := before.Clone()
	updated.TrxID = t2.ID
	updated.RollPtr = newRollPtr
	updated.Columns["name"] = []byte("grace")
	if err := clustered.Replace(row.PK, updated); err != nil {
		logger.Fatalf("replace row: %v", err)
	}
	logger.Infof("trx %d updated row pk=%s name=%s", t2.ID, row.PK, updated.Columns["name"])

	savedBefore := before

	limit, err := t2.BeginRollback(false, "before_update")
	if err != nil {
		logger.Fatalf("begin rollback: %v", err)
	}
	pagesUndone := 0
	popped, ok, err := rollback.Pop(t2, &pagesUndone, lastRecUndoNoOf, func(uint32, uint16) uint64 { return 0 })
	if err != nil {
		logger.Fatalf("pop undo: %v", err)
	}
	if ok && popped.UndoNo >= limit {
		if err := clustered.Replace(row.PK, savedBefore); err != nil {
			logger.Fatalf("restore row: %v", err)
		}
		logger.Infof("trx %d rolled back to savepoint, row name restored to %s", t2.ID, savedBefore.Columns["name"])
	}
	t2.EndRollback()

	if err := kernel.Commit(t2, func() uint64 { return 101 }); err != nil {
		logger.Fatalf("commit t2: %v", err)
	}

	t3 := kernel.Begin(sys.NextTrxID())
	updateLog2, err := undolog.Assign(r, undopage.TypeUpdate, false, nil)
	if err != nil {
		logger.Fatalf("assign update-undo: %v", err)
	}
	if err := t3.AttachUpdateUndo(updateLog2); err != nil {
		logger.Fatalf("attach update-undo: %v", err)
	}

	cur, _, _ := clustered.Seek(row.PK)
	_, err = undorec.ReportRowOperation(updateLog2, undorec.RowOperation{
		Op: undorec.OpModify, TableID: 7, UndoNo: t3.UndoNo, TrxID: cur.TrxID, OldRollPtr: cur.RollPtr,
		PK: row.PK, Changes: []undorec.FieldChange{{Column: "name", OldVal: cur.Columns["name"]}},
	}, nil)
	if err != nil {
		logger.Fatalf("report t3 update: %v", err)
	}
	final := cur.Clone()
	final.Columns["name"] = []byte("lovelace")
	if err := clustered.Replace(row.PK, final); err != nil {
		logger.Fatalf("replace row: %v", err)
	}
	if err := kernel.Commit(t3, func() uint64 { return 102 }); err != nil {
		logger.Fatalf("commit t3: %v", err)
	}

	latch := &version.PurgeLatch{}
	eq := func(a, b []byte) bool { return string(a) == string(b) }
	cleaner := purge.DefaultCleaner(rsegs, latch, clustered, []store.Index{byName}, eq)
	engine := purge.NewEngine([]*rseg.Rseg{r}, serialNoOf, cleaner)
	engine.View = purge.View{LowLimitNo: 1000}

	n, err := engine.RunOnce()
	if err != nil {
		logger.Fatalf("purge: %v", err)
	}
	logger.Infof("purge cleaned %d undo record(s)", n)

	fmt.Printf("done: final row = %+v\n", final)
}

func mvccFlushString(p trx.FlushPolicy) string {
	switch p {
	case trx.FlushWriteOnly:
		return "write-only"
	case trx.FlushWriteAndFsync:
		return "write-and-fsync"
	default:
		return "never"
	}
}
