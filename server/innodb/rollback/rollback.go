// Package rollback drives a transaction's rollback: the pop loop that
// walks its insert-undo and update-undo logs oldest-first by undo-no
// descending, and the apply loop that undoes each record against the
// clustered and secondary indexes (§4.F). Grounded on the teacher's
// UndoLogManager rollback entry points, rebuilt around the LIFO pop/apply
// split and the in-progress undo-no set this design calls for.
package rollback

import (
	"time"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/undoengine/server/innodb/store"
	"github.com/zhukovaskychina/undoengine/server/innodb/trx"
	"github.com/zhukovaskychina/undoengine/server/innodb/undolog"
	"github.com/zhukovaskychina/undoengine/server/innodb/undopage"
	"github.com/zhukovaskychina/undoengine/server/innodb/undorec"
	"github.com/zhukovaskychina/undoengine/server/innodb/xerrors"
)

// TruncThreshold is how many pages a rollback worker undoes before it
// takes the rseg mutex and truncates the freed tail (§4.F pop loop step 1).
const TruncThreshold = 1000

// CurRetryDeleteNTimes bounds the pessimistic-delete retry loop of the
// apply step (§4.F apply loop, INSERT_REC).
const CurRetryDeleteNTimes = 100

// CurRetrySleepTime is the backoff between pessimistic retries (§5
// suspension points).
const CurRetrySleepTime = time.Millisecond

// PoppedRecord is the caller-owned copy of one undo record plus the
// bookkeeping the apply step needs.
type PoppedRecord struct {
	Bytes   []byte
	UndoNo  uint64
	RollPtr uint64
	IsInsert bool
}

// Pop implements one iteration of the pop loop (§4.F steps 1-4): it
// truncates the undo tail if pagesUndone has crossed TruncThreshold,
// chooses whichever of the insert/update log has the larger top undo-no
// still at-or-above t's rollback limit, copies that record out, and
// advances the log's top to the previous record. It returns ok=false when
// nothing remains to undo.
func Pop(t *trx.Transaction, pagesUndone *int, lastRecUndoNoOf func(page store.Page, rec uint16) uint64, serialNoOf func(pageNo uint32, offset uint16) uint64) (PoppedRecord, bool, error) {
	t.UndoMu.Lock()
	defer t.UndoMu.Unlock()

	if *pagesUndone >= TruncThreshold {
		limit := t.UndoNo
		if big, ok := t.InProgress.Biggest(); ok && big+1 > limit {
			limit = big + 1
		}
		if t.UpdateUndo != nil {
			t.UpdateUndo.Rseg.Mu.Lock()
			err := truncateEnd(t.UpdateUndo, limit, lastRecUndoNoOf)
			t.UpdateUndo.Rseg.Mu.Unlock()
			if err != nil {
				return PoppedRecord{}, false, errors.Trace(err)
			}
		}
		*pagesUndone = 0
	}

	for {
		log, isInsert := pickTopLog(t)
		if log == nil {
			return PoppedRecord{}, false, nil
		}
		if log.TopUndoNo < t.RollbackLimit {
			return PoppedRecord{}, false, nil
		}

		page, err := log.Rseg.Space.GetPage(log.TopPageNo)
		if err != nil {
			return PoppedRecord{}, false, errors.Trace(err)
		}
		page.RLock()
		if err := undopage.VerifyChecksum(page); err != nil {
			page.RUnlock()
			return PoppedRecord{}, false, errors.Trace(err)
		}
		rec := append([]byte(nil), readRecordAt(page, log.TopOffset)...)
		page.RUnlock()

		undoNo := log.TopUndoNo
		if !t.InProgress.Store(undoNo) {
			continue // another worker already has this undo-no; retry from the top
		}

		t.UndoNo = undoNo
		if err := advanceTop(log, lastRecUndoNoOf); err != nil {
			t.InProgress.Remove(undoNo)
			return PoppedRecord{}, false, errors.Trace(err)
		}

		isInsertLog := log.Type == undopage.TypeInsert
		rollPtr := undorec.BuildRollPtr(isInsertLog, log.Rseg.ID, log.TopPageNo, log.TopOffset)
		return PoppedRecord{Bytes: rec, UndoNo: undoNo, RollPtr: rollPtr, IsInsert: isInsert}, true, nil
	}
}

func pickTopLog(t *trx.Transaction) (*undolog.Log, bool) {
	var candidate *undolog.Log
	isInsert := false
	if t.InsertUndo != nil && !t.InsertUndo.Empty {
		candidate = t.InsertUndo
		isInsert = true
	}
	if t.UpdateUndo != nil && !t.UpdateUndo.Empty {
		if candidate == nil || t.UpdateUndo.TopUndoNo > candidate.TopUndoNo {
			candidate = t.UpdateUndo
			isInsert = false
		}
	}
	return candidate, isInsert
}

func readRecordAt(page store.Page, rec uint16) []byte {
	content := page.Content()
	next := undopage.GetNext(page, rec)
	end := undopage.PageFree(page) - 2
	if next != 0 {
		end = next - 4
	}
	return content[rec:end]
}

// advanceTop moves log's top pointer to the record preceding its current
// top, walking back across pages via the segment's page list when the
// current page's first record has been reached (§4.F step 4).
func advanceTop(log *undolog.Log, lastRecUndoNoOf func(page store.Page, rec uint16) uint64) error {
	page, err := log.Rseg.Space.GetPage(log.TopPageNo)
	if err != nil {
		return errors.Trace(err)
	}
	if prev := undopage.GetPrev(page, log.TopOffset); prev != 0 {
		log.TopOffset = prev
		log.TopUndoNo = lastRecUndoNoOf(page, prev)
		return nil
	}

	prevPageNo := undopage.PageNodePrev(page)
	if prevPageNo == 0 {
		log.Empty = true
		return nil
	}
	prevPage, err := log.Rseg.Space.GetPage(prevPageNo)
	if err != nil {
		return errors.Trace(err)
	}
	lastRec := undopage.GetLastRec(prevPage)
	if lastRec == 0 {
		log.Empty = true
		return nil
	}
	log.TopPageNo = prevPageNo
	log.TopOffset = lastRec
	log.TopUndoNo = lastRecUndoNoOf(prevPage, lastRec)
	return nil
}

// truncateEnd walks the tail of log and, for pages whose last record's
// undo-no is already below limit, frees them outright; the page whose
// records straddle limit has its free pointer truncated behind the last
// record still at-or-above limit instead of being freed (§4.F
// truncate_end). The segment's header page is never freed, only emptied
// back to its header end.
func truncateEnd(log *undolog.Log, limit uint64, lastRecUndoNoOf func(page store.Page, rec uint16) uint64) error {
	for {
		lastPageNo := log.TopPageNo
		if lastPageNo == 0 {
			lastPageNo = log.HdrPageNo
		}
		page, err := log.Rseg.Space.GetPage(lastPageNo)
		if err != nil {
			return errors.Trace(err)
		}
		lastRec := undopage.GetLastRec(page)
		if lastRec == 0 {
			return nil
		}
		if lastRecUndoNoOf(page, lastRec) >= limit {
			return nil
		}

		if lastPageNo == log.HdrPageNo {
			undopage.ErasePageEnd(page, nil)
			return nil
		}
		prevPageNo := undopage.PageNodePrev(page)
		if err := log.Rseg.FreePage(true, log.HdrPageNo, lastPageNo); err != nil {
			return errors.Trace(err)
		}
		log.TopPageNo = prevPageNo
	}
}

// ApplyFunc undoes one popped record against the clustered index (and any
// affected secondary indexes), per §4.F's three record-type branches. It
// is supplied by the caller since it needs live store.Index handles this
// package has no business owning.
type ApplyFunc func(rec PoppedRecord, hdr undorec.Header) error

// RunApplyLoop drives the pop/apply cycle to completion for one worker,
// retrying a pessimistic delete up to CurRetryDeleteNTimes with
// CurRetrySleepTime backoff when apply returns xerrors.ErrOutOfFileSpace-
// shaped transient failures (§4.F apply loop, §5 suspension points).
func RunApplyLoop(t *trx.Transaction, pagesUndone *int, lastRecUndoNoOf func(page store.Page, rec uint16) uint64, serialNoOf func(pageNo uint32, offset uint16) uint64, apply ApplyFunc, sleep func(time.Duration)) error {
	if sleep == nil {
		sleep = time.Sleep
	}
	for {
		popped, ok, err := Pop(t, pagesUndone, lastRecUndoNoOf, serialNoOf)
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			return nil
		}

		hdr, err := undorec.ParseHeader(popped.Bytes)
		if err != nil {
			t.InProgress.Remove(popped.UndoNo)
			return errors.Trace(err)
		}

		var applyErr error
		for attempt := 0; attempt < CurRetryDeleteNTimes; attempt++ {
			applyErr = apply(popped, hdr)
			if applyErr == nil || !xerrors.IsOutOfFileSpace(applyErr) {
				break
			}
			sleep(CurRetrySleepTime)
		}
		*pagesUndone++
		t.InProgress.Remove(popped.UndoNo)
		if applyErr != nil {
			return errors.Trace(applyErr)
		}
	}
}
