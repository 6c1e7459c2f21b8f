// Package purge is the background consumer of committed update-undo
// (§4.H): it walks every rollback segment's history list in ascending
// serial-no order via a min-heap keyed by each rseg's head trx-no, removes
// secondary- and clustered-index entries no surviving snapshot needs, and
// truncates the undo once consumed. Grounded on the teacher's
// UndoLogManager purge/history-list sweep, rebuilt around the min-heap
// fetch step and retry policy this design requires.
package purge

import (
	"container/heap"
	"time"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/undoengine/server/innodb/rollback"
	"github.com/zhukovaskychina/undoengine/server/innodb/rseg"
	"github.com/zhukovaskychina/undoengine/server/innodb/store"
	"github.com/zhukovaskychina/undoengine/server/innodb/undopage"
	"github.com/zhukovaskychina/undoengine/server/innodb/undorec"
	"github.com/zhukovaskychina/undoengine/server/innodb/version"
	"github.com/zhukovaskychina/undoengine/server/innodb/xerrors"
)

// CurRetryDeleteNTimes and CurRetrySleepTime mirror the rollback driver's
// retry policy; purge shares the same OUT_OF_FILE_SPACE bounded-retry
// behavior (§4.H retry policy).
const (
	CurRetryDeleteNTimes = rollback.CurRetryDeleteNTimes
	CurRetrySleepTime    = rollback.CurRetrySleepTime
)

// View is the purge view of §4.H: the trx-no below which every
// transaction is complete and invisible to anything still active.
type View struct {
	LowLimitNo uint64
}

func (v *View) sees(serialNo uint64) bool { return serialNo < v.LowLimitNo }

// heapEntry is one rseg's current history-list head, ordered by serial-no
// for the min-heap fetch step.
type heapEntry struct {
	r         *rseg.Rseg
	pageNo    uint32
	offset    uint16
	serialNo  uint64
}

type entryHeap []*heapEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].serialNo < h[j].serialNo }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(*heapEntry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// SerialNoOf reads the commit serial-no stamped into an undo log header at
// (pageNo, offset), used both to build the heap and, wrapped per rseg, as
// the serial-no callback of rseg.HistoryListRemoveAndTruncate.
type SerialNoOf func(r *rseg.Rseg, pageNo uint32, offset uint16) (uint64, error)

// Cleaner applies one purged record's index cleanup (§4.H's secondary- and
// clustered-index steps; this package has no external-field step). selfRollPtr is the roll pointer of the undo record being
// purged itself, the value a still-delete-marked clustered record's
// roll-pointer must match for the clustered-index cleanup bullet to fire.
// It is supplied by the caller, which owns live store.Index handles this
// package has no business owning.
type Cleaner func(rec []byte, hdr undorec.Header, selfRollPtr uint64) error

// Engine drives the purge sweep across a fixed set of rollback segments.
type Engine struct {
	Rsegs      []*rseg.Rseg
	SerialNoOf SerialNoOf
	Clean      Cleaner
	View       View

	sleep func(time.Duration)
}

func NewEngine(rsegs []*rseg.Rseg, serialNoOf SerialNoOf, clean Cleaner) *Engine {
	return &Engine{Rsegs: rsegs, SerialNoOf: serialNoOf, Clean: clean, sleep: time.Sleep}
}

// buildHeap seeds the min-heap with every rseg's current history-list
// head (§4.H "maintains a min-heap across rsegs").
func (e *Engine) buildHeap() (*entryHeap, error) {
	h := &entryHeap{}
	heap.Init(h)
	for _, r := range e.Rsegs {
		pageNo, offset, ok, err := r.HeadOfHistoryList()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !ok {
			continue
		}
		serialNo, err := e.SerialNoOf(r, pageNo, offset)
		if err != nil {
			return nil, errors.Trace(err)
		}
		heap.Push(h, &heapEntry{r: r, pageNo: pageNo, offset: offset, serialNo: serialNo})
	}
	return h, nil
}

// RunOnce drains every history-list entry below the purge view, applying
// Clean to each and truncating each rseg's consumed tail when done (§4.H
// fetch step + truncation). It returns the number of records purged.
func (e *Engine) RunOnce() (int, error) {
	h, err := e.buildHeap()
	if err != nil {
		return 0, errors.Trace(err)
	}

	count := 0
	consumedUpTo := map[*rseg.Rseg]uint64{}

	for h.Len() > 0 {
		entry := heap.Pop(h).(*heapEntry)
		if !e.View.sees(entry.serialNo) {
			continue
		}

		if err := e.purgeOne(entry); err != nil {
			return count, errors.Trace(err)
		}
		count++
		consumedUpTo[entry.r] = entry.serialNo + 1

		nextPageNo, nextOffset, ok, err := entry.r.NextAfterHistoryHead(entry.pageNo, entry.offset)
		if err != nil {
			return count, errors.Trace(err)
		}
		if !ok {
			continue
		}
		nextSerialNo, err := e.SerialNoOf(entry.r, nextPageNo, nextOffset)
		if err != nil {
			return count, errors.Trace(err)
		}
		heap.Push(h, &heapEntry{r: entry.r, pageNo: nextPageNo, offset: nextOffset, serialNo: nextSerialNo})
	}

	for r, limit := range consumedUpTo {
		if err := r.HistoryListRemoveAndTruncate(limit, func(pageNo uint32, offset uint16) uint64 {
			n, _ := e.SerialNoOf(r, pageNo, offset)
			return n
		}); err != nil {
			return count, errors.Trace(err)
		}
	}
	return count, nil
}

func (e *Engine) purgeOne(entry *heapEntry) error {
	page, err := entry.r.Space.GetPage(entry.pageNo)
	if err != nil {
		return errors.Trace(err)
	}
	page.RLock()
	if err := undopage.VerifyChecksum(page); err != nil {
		page.RUnlock()
		return errors.Trace(err)
	}
	rec := append([]byte(nil), readRecordAt(page, entry.offset)...)
	page.RUnlock()

	hdr, err := undorec.ParseHeader(rec)
	if err != nil {
		return errors.Trace(err)
	}
	selfRollPtr := undorec.BuildRollPtr(false, entry.r.ID, entry.pageNo, entry.offset)

	var cleanErr error
	for attempt := 0; attempt < CurRetryDeleteNTimes; attempt++ {
		cleanErr = e.Clean(rec, hdr, selfRollPtr)
		if cleanErr == nil || errors.Cause(cleanErr) != xerrors.ErrOutOfFileSpace {
			break
		}
		sleep := e.sleep
		if sleep == nil {
			sleep = time.Sleep
		}
		sleep(CurRetrySleepTime)
	}
	return errors.Trace(cleanErr)
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

// DefaultCleaner builds a Cleaner for the common case of one clustered
// index plus a fixed set of secondary indexes, using
// version.OldHasIndexEntry to decide whether each secondary entry still has
// a surviving reader, and removing a delete-marked clustered record whose
// roll pointer is selfRollPtr. It frees no externally stored fields.
func DefaultCleaner(rsegs version.Rsegs, latch *version.PurgeLatch, clustered store.Index, secondaries []store.Index, eq func(a, b []byte) bool) Cleaner {
	return func(rec []byte, hdr undorec.Header, selfRollPtr uint64) error {
		upd, err := undorec.GetUpdate(rec)
		if err != nil {
			return errors.Trace(err)
		}

		clustRow, ok, err := clustered.Seek(upd.PK)
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			return nil // table or row already gone; purge skips silently (§4.H)
		}

		for _, idx := range secondaries {
			oldEntry := idx.BuildEntry(store.Row{PK: upd.PK, Columns: changesAsColumns(upd)})
			has, err := version.OldHasIndexEntry(rsegs, latch, true, clustRow, idx, oldEntry, eq)
			if err != nil {
				return errors.Trace(err)
			}
			if !has {
				if err := idx.Delete(oldEntry); err != nil && errors.Cause(err) != store.ErrRowNotFound {
					return errors.Trace(err)
				}
			}
		}

		if hdr.Type == undorec.UpdDelRec || hdr.Type == undorec.DelMarkRec {
			if clustRow.Deleted && clustRow.RollPtr == selfRollPtr {
				if err := clustered.Delete(upd.PK); err != nil && errors.Cause(err) != store.ErrRowNotFound {
					return errors.Trace(err)
				}
			}
		}
		return nil
	}
}

func changesAsColumns(upd undorec.Update) map[string][]byte {
	cols := make(map[string][]byte, len(upd.Changes))
	for _, c := range upd.Changes {
		cols[c.Column] = c.OldVal
	}
	return cols
}
