// Package version reconstructs prior row versions by walking roll-
// pointers into undo records (§4.G), for consistent (snapshot) reads,
// semi-consistent reads, and the old_has_index_entry predicate purge uses
// to decide whether a secondary-index entry is still needed. Grounded on
// the teacher's ReadView/MVCC visibility check, rebuilt around the
// (trx_id, roll_ptr, update_vec) undo walk this design requires.
package version

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/undoengine/server/innodb/latch"
	"github.com/zhukovaskychina/undoengine/server/innodb/rollptr"
	"github.com/zhukovaskychina/undoengine/server/innodb/rseg"
	"github.com/zhukovaskychina/undoengine/server/innodb/store"
	"github.com/zhukovaskychina/undoengine/server/innodb/undopage"
	"github.com/zhukovaskychina/undoengine/server/innodb/undorec"
	"github.com/zhukovaskychina/undoengine/server/innodb/xerrors"
)

// PurgeLatch stabilises the version chain against concurrent truncation
// while a reader walks it (§4.G step 2, §5 lock order item 7: shared
// during version reads, exclusive during truncation).
type PurgeLatch struct {
	l latch.Latch
}

func (p *PurgeLatch) RLock()   { p.l.RLock() }
func (p *PurgeLatch) RUnlock() { p.l.RUnlock() }
func (p *PurgeLatch) Lock()    { p.l.Lock() }
func (p *PurgeLatch) Unlock()  { p.l.Unlock() }

// View is implemented by both view kinds §4.G supports.
type View interface {
	// Sees reports whether a row last written by trxID is visible to
	// this view without further undo traversal.
	Sees(trxID uint64) bool
}

// SnapshotView has a fixed set of invisible transaction ids, frozen at
// creation time (§4.G "snapshot view").
type SnapshotView struct {
	LowLimitID  uint64 // trx ids >= this were not yet started
	UpLimitID   uint64 // trx ids < this were already committed
	Invisible   map[uint64]bool
}

func (v *SnapshotView) Sees(trxID uint64) bool {
	if trxID < v.UpLimitID {
		return true
	}
	if trxID >= v.LowLimitID {
		return false
	}
	return !v.Invisible[trxID]
}

// SemiConsistentView reports a version visible exactly when the caller's
// IsCommitted check says its writer has committed, asked during the undo
// walk rather than freezing a fixed invisible set (§4.G "semi-consistent
// view").
type SemiConsistentView struct {
	IsCommitted func(trxID uint64) bool
}

func (v *SemiConsistentView) Sees(trxID uint64) bool {
	return v.IsCommitted(trxID)
}

// Rsegs looks up a rollback segment by id, the collaborator this package
// needs to resolve a roll pointer into an undo record's page.
type Rsegs interface {
	ByID(id uint8) (*rseg.Rseg, bool)
}

// FetchUndoRecord resolves ptr to its undo record's bytes, or
// xerrors.ErrMissingHistory if the page or segment it names was already
// purged and reused (§4.G step 2b).
func FetchUndoRecord(rsegs Rsegs, ptr rollptr.Ptr) ([]byte, error) {
	r, ok := rsegs.ByID(ptr.RsegID)
	if !ok {
		return nil, errors.Trace(xerrors.ErrMissingHistory)
	}
	page, err := r.Space.GetPage(ptr.PageNo)
	if err != nil {
		return nil, errors.Trace(xerrors.ErrMissingHistory)
	}
	page.RLock()
	defer page.RUnlock()
	if ptr.Offset == 0 || undopage.PageTypeOf(page) == 0 {
		return nil, errors.Trace(xerrors.ErrMissingHistory)
	}
	if err := undopage.VerifyChecksum(page); err != nil {
		return nil, errors.Trace(err)
	}
	return append([]byte(nil), recordBytes(page, ptr.Offset)...), nil
}

func recordBytes(page store.Page, rec uint16) []byte {
	content := page.Content()
	next := undopage.GetNext(page, rec)
	end := undopage.PageFree(page) - 2
	if next != 0 {
		end = next - 4
	}
	return content[rec:end]
}

// BuildForConsistentRead implements §4.G's algorithm: starting from row
// (as read from the clustered index), walk roll pointers under the purge
// latch until a version visible to view is found, or the chain ends
// (ptr encodes INSERT ⇒ row did not exist for this view), or
// xerrors.ErrMissingHistory is hit.
func BuildForConsistentRead(rsegs Rsegs, latch *PurgeLatch, row store.Row, view View) (store.Row, bool, error) {
	if view.Sees(row.TrxID) {
		return row, true, nil
	}

	latch.RLock()
	defer latch.RUnlock()

	cur := row
	for {
		ptr := rollptr.Decode(cur.RollPtr)
		if ptr.IsInsert {
			return store.Row{}, false, nil
		}

		recBytes, err := FetchUndoRecord(rsegs, ptr)
		if err != nil {
			return store.Row{}, false, errors.Trace(err)
		}
		upd, err := undorec.GetUpdate(recBytes)
		if err != nil {
			return store.Row{}, false, errors.Trace(err)
		}

		prior := applyUpdate(cur, upd)
		if view.Sees(upd.TrxID) {
			return prior, true, nil
		}
		cur = prior
	}
}

func applyUpdate(cur store.Row, upd undorec.Update) store.Row {
	prior := cur.Clone()
	prior.TrxID = upd.TrxID
	prior.RollPtr = upd.RollPtr
	for _, c := range upd.Changes {
		prior.Columns[c.Column] = append([]byte(nil), c.OldVal...)
	}
	return prior
}

// OldHasIndexEntry implements §4.G's auxiliary predicate: true iff some
// version at-or-older than clustRec is both not delete-marked and would
// produce ientry as idx's secondary-index entry. includeCurrent controls
// whether clustRec's own current version is checked before walking undo.
// eq is a collation-aware comparator, not byte equality, since values
// differing only by collation-insignificant bytes (e.g. case) still
// collide in the index.
func OldHasIndexEntry(rsegs Rsegs, latch *PurgeLatch, includeCurrent bool, clustRec store.Row, idx store.Index, ientry []byte, eq func(a, b []byte) bool) (bool, error) {
	if includeCurrent && !clustRec.Deleted && eq(idx.BuildEntry(clustRec), ientry) {
		return true, nil
	}

	latch.RLock()
	defer latch.RUnlock()

	cur := clustRec
	for {
		ptr := rollptr.Decode(cur.RollPtr)
		if ptr.IsInsert {
			return false, nil
		}
		recBytes, err := FetchUndoRecord(rsegs, ptr)
		if err != nil {
			return false, errors.Trace(err)
		}
		hdr, err := undorec.ParseHeader(recBytes)
		if err != nil {
			return false, errors.Trace(err)
		}
		upd, err := undorec.GetUpdate(recBytes)
		if err != nil {
			return false, errors.Trace(err)
		}
		prior := applyUpdate(cur, upd)
		// UPD_DEL_REC means the row was already delete-marked before
		// this change, so the prior version it restores is delete-
		// marked too and can never satisfy an index lookup.
		priorDeleted := hdr.Type == undorec.UpdDelRec
		if !priorDeleted && eq(idx.BuildEntry(prior), ientry) {
			return true, nil
		}
		cur = prior
	}
}
