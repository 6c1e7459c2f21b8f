// Package trx is the transaction state machine (§4.E): begin/commit/
// rollback/prepare, savepoints, and the signal queue that serialises
// asynchronous requests (total rollback, error, break) against a
// transaction's own query threads. Grounded on the teacher's SystemTrx /
// TrxSys id-allocation shape, rebuilt around the full state machine and
// the kernel critical section this design calls for.
package trx

import (
	"sort"
	"sync"

	"github.com/juju/errors"
	"go.uber.org/atomic"

	"github.com/zhukovaskychina/undoengine/server/innodb/mtr"
	"github.com/zhukovaskychina/undoengine/server/innodb/rseg"
	"github.com/zhukovaskychina/undoengine/server/innodb/store"
	"github.com/zhukovaskychina/undoengine/server/innodb/undolog"
	"github.com/zhukovaskychina/undoengine/server/innodb/undopage"
)

// State is a transaction's position in its state machine.
type State int

const (
	NotStarted State = iota
	Active
	Committing
	Prepared
	CommittedInMemory
)

// FlushPolicy selects the commit-time redo flush behavior (§4.E step 6, §6).
type FlushPolicy int

const (
	FlushNever FlushPolicy = iota
	FlushWriteOnly
	FlushWriteAndFsync
)

// MaxUndoNo marks "no rollback limit", matching the teacher's use of the
// type's max value as a sentinel.
const MaxUndoNo = ^uint64(0)

// Savepoint is a named checkpoint of a transaction's undo-no progress.
type Savepoint struct {
	Name         string
	UndoNoAtSave uint64
}

// SignalKind enumerates the asynchronous requests a transaction can queue
// against itself (§4.E signals).
type SignalKind int

const (
	SigCommit SignalKind = iota
	SigTotalRollback
	SigRollbackToSavept
	SigErrorOccurred
	SigBreakExecution
)

// Signal is one queued request, with a rollback-to-savepoint payload when
// applicable.
type Signal struct {
	Kind         SignalKind
	SavepointName string
}

// Transaction is the in-memory object a query thread drives through
// begin/commit/rollback/prepare (§3 "Transaction object").
type Transaction struct {
	mu sync.Mutex

	ID       uint64
	SerialNo uint64 // MaxUndoNo until commit
	State    State

	UndoMu sync.Mutex // held whenever InsertUndo/UpdateUndo are in flight (§5)

	UndoNo               uint64
	LastStmtStartUndoNo  uint64
	RollbackLimit        uint64

	InsertUndo *undolog.Log
	UpdateUndo *undolog.Log

	XID          []byte
	InProgress   *InProgressSet
	Savepoints   []Savepoint

	signals []Signal

	// prev/next give this transaction's position in the caller's global
	// trx list; the list itself is owned by the Kernel (Kernel.trxList).
	listPrev, listNext *Transaction
}

// Kernel is the process-wide critical section serialising every
// transaction's state transitions (§4.E, §5 lock order item 5).
type Kernel struct {
	mu sync.Mutex

	// nextSerialNo is allocated with a lock-free counter rather than under
	// mu: commit serial numbers only need to be monotonic and unique, not
	// ordered with respect to the trx-list mutations mu otherwise guards.
	nextSerialNo atomic.Uint64
	trxList      []*Transaction

	// FlushRedo is called at commit/prepare time with the mtr's commit
	// lsn and the configured policy; nil means no-op (used in tests).
	FlushRedo func(lsn uint64, policy FlushPolicy)
	Policy    FlushPolicy
}

func NewKernel(policy FlushPolicy) *Kernel {
	return &Kernel{Policy: policy}
}

// Begin allocates a fresh transaction in the ACTIVE state and links it into
// the kernel's trx list (§4.E begin()).
func (k *Kernel) Begin(id uint64) *Transaction {
	k.mu.Lock()
	defer k.mu.Unlock()

	t := &Transaction{
		ID:            id,
		SerialNo:      MaxUndoNo,
		State:         Active,
		RollbackLimit: 0,
		InProgress:    NewInProgressSet(defaultInProgressCapacity),
	}
	if n := len(k.trxList); n > 0 {
		t.listPrev = k.trxList[n-1]
		k.trxList[n-1].listNext = t
	}
	k.trxList = append(k.trxList, t)
	return t
}

// AttachInsertUndo assigns t's insert-undo log, adopting its XA XID (if
// any) as t's own — a reserved segment's XID is the transaction's XID for
// the lifetime of the assignment (§9 "XA-header presence is a property of
// the segment, recreated on reuse").
func (t *Transaction) AttachInsertUndo(log *undolog.Log) error {
	t.InsertUndo = log
	t.adoptXID(log)
	return errors.Trace(log.SetTrxID(t.ID))
}

// AttachUpdateUndo assigns t's update-undo log, adopting its XA XID as
// AttachInsertUndo does.
func (t *Transaction) AttachUpdateUndo(log *undolog.Log) error {
	t.UpdateUndo = log
	t.adoptXID(log)
	return errors.Trace(log.SetTrxID(t.ID))
}

func (t *Transaction) adoptXID(log *undolog.Log) {
	if log != nil && log.HasXID && t.XID == nil {
		t.XID = log.XID
	}
}

// Queue appends sig to t's signal queue, enforcing the compatibility rules
// of §4.E: a commit queued after a total-rollback is rejected; self-raised
// errors and break_execution are always accepted.
func (t *Transaction) Queue(sig Signal, self bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sig.Kind == SigCommit {
		for _, s := range t.signals {
			if s.Kind == SigTotalRollback {
				return errors.Errorf("trx: commit rejected, total rollback already queued")
			}
		}
	}
	if sig.Kind == SigErrorOccurred && !self {
		return errors.Errorf("trx: error_occurred signal must originate from self")
	}
	t.signals = append(t.signals, sig)
	return nil
}

// DrainSignals removes and returns all queued signals; the caller's signal
// handler runs this once no query thread of the transaction remains active.
func (t *Transaction) DrainSignals() []Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	sigs := t.signals
	t.signals = nil
	return sigs
}

// Savepoint records a named checkpoint at t's current undo-no.
func (t *Transaction) Savepoint(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Savepoints = append(t.Savepoints, Savepoint{Name: name, UndoNoAtSave: t.UndoNo})
}

// ReleaseSavepoint drops a named savepoint without rolling back to it.
func (t *Transaction) ReleaseSavepoint(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, sp := range t.Savepoints {
		if sp.Name == name {
			t.Savepoints = append(t.Savepoints[:i], t.Savepoints[i+1:]...)
			return nil
		}
	}
	return errors.Errorf("trx: no such savepoint %q", name)
}

// FindSavepoint returns the undo-no recorded at name, for
// rollback_to_savepoint's caller to set as the rollback limit (§4.E).
func (t *Transaction) FindSavepoint(name string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sp := range t.Savepoints {
		if sp.Name == name {
			return sp.UndoNoAtSave, nil
		}
	}
	return 0, errors.Errorf("trx: no such savepoint %q", name)
}

// BeginRollback sets t's rollback limit and returns it to ACTIVE once the
// rollback driver has finished; total=true rolls back everything, a
// savepoint name rolls back to its mark, and when both are unset this
// rolls back only the last SQL statement (§4.E rollback path).
func (t *Transaction) BeginRollback(total bool, toSavepoint string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case total:
		t.RollbackLimit = 0
	case toSavepoint != "":
		var found bool
		for _, sp := range t.Savepoints {
			if sp.Name == toSavepoint {
				t.RollbackLimit = sp.UndoNoAtSave
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Errorf("trx: no such savepoint %q", toSavepoint)
		}
	default:
		t.RollbackLimit = t.LastStmtStartUndoNo
	}
	return t.RollbackLimit, nil
}

// EndRollback returns t to ACTIVE (partial rollback) or NOT_STARTED (total
// rollback down to undo-no 0 with no remaining undo) once the rollback
// driver's pop loop has exhausted the limit.
func (t *Transaction) EndRollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.RollbackLimit == 0 && t.UndoNo == 0 {
		t.State = NotStarted
		return
	}
	t.State = Active
}

// Commit drives the six-step commit path of §4.E. It assigns a commit
// serial number and finishes each undo log, which links an update-undo
// header bound for purge into its rseg's history list; commitMtr performs
// step 4 (mini-transaction commit) and returns the resulting lsn.
func (k *Kernel) Commit(t *Transaction, commitMtr func() uint64) error {
	t.UndoMu.Lock()
	defer t.UndoMu.Unlock()

	k.mu.Lock()
	t.State = Committing
	k.mu.Unlock()

	var m *mtr.Mtr

	if t.InsertUndo != nil {
		state, err := t.InsertUndo.SetStateAtFinish()
		if err != nil {
			return errors.Trace(err)
		}
		if err := t.InsertUndo.Finish(state, 0, m); err != nil {
			return errors.Trace(err)
		}
	}

	if t.UpdateUndo != nil {
		state, err := t.UpdateUndo.SetStateAtFinish()
		if err != nil {
			return errors.Trace(err)
		}
		serialNo := k.nextSerialNo.Add(1)
		t.SerialNo = serialNo

		if err := t.UpdateUndo.Finish(state, serialNo, m); err != nil {
			return errors.Trace(err)
		}
	}

	var lsn uint64
	if commitMtr != nil {
		lsn = commitMtr()
	}

	k.mu.Lock()
	t.State = CommittedInMemory
	t.Savepoints = nil
	k.unlink(t)
	k.mu.Unlock()

	if k.FlushRedo != nil {
		k.FlushRedo(lsn, k.Policy)
	}
	return nil
}

// Prepare writes state=PREPARED into both undo headers and always flushes
// redo before returning (§4.E prepare path).
func (k *Kernel) Prepare(t *Transaction, flush func(lsn uint64) , commitMtr func() uint64) error {
	t.UndoMu.Lock()
	defer t.UndoMu.Unlock()

	k.mu.Lock()
	t.State = Prepared
	k.mu.Unlock()

	for _, log := range []*undolog.Log{t.InsertUndo, t.UpdateUndo} {
		if log == nil {
			continue
		}
		page, err := log.Rseg.Space.GetPage(log.HdrPageNo)
		if err != nil {
			return errors.Trace(err)
		}
		undopage.SetSegState(page, undopage.StatePrepared, nil)
	}

	var lsn uint64
	if commitMtr != nil {
		lsn = commitMtr()
	}
	if flush != nil {
		flush(lsn)
	}
	return nil
}

// GetByXID returns the transaction whose reserved undo log carries xid,
// for an XA coordinator reconnecting to a prepared transaction after a
// crash (§3 "get_by_xid(xid)").
func (k *Kernel) GetByXID(xid []byte) (*Transaction, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, t := range k.trxList {
		if bytesEqual(t.XID, xid) {
			return t, true
		}
	}
	return nil, false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (k *Kernel) unlink(t *Transaction) {
	if t.listPrev != nil {
		t.listPrev.listNext = t.listNext
	}
	if t.listNext != nil {
		t.listNext.listPrev = t.listPrev
	}
	for i, cur := range k.trxList {
		if cur == t {
			k.trxList = append(k.trxList[:i], k.trxList[i+1:]...)
			break
		}
	}
	t.listPrev, t.listNext = nil, nil
}

// Recover scans every rseg's slot array for segments left in ACTIVE or
// PREPARED state by a crash and rebuilds their Log objects, re-homing each
// onto a freshly allocated Transaction keyed by the trx id stamped into its
// log header (§4.D crash recovery); it is the entry point §4.E's
// recover() delegates to. Transactions found PREPARED are returned in the
// Prepared state so an XA coordinator can commit or roll them back via
// GetByXID; everything else found ACTIVE is left for the caller to roll
// back outright.
func (k *Kernel) Recover(rsegs []*rseg.Rseg, lastRecUndoNo func(page store.Page, rec uint16) uint64) ([]*Transaction, error) {
	byTrxID := map[uint64]*Transaction{}
	var order []uint64

	for _, r := range rsegs {
		slots, err := r.OccupiedSlots()
		if err != nil {
			return nil, errors.Trace(err)
		}
		for slotNo, hdrPageNo := range slots {
			page, err := r.Space.GetPage(hdrPageNo)
			if err != nil {
				return nil, errors.Trace(err)
			}
			state := undopage.SegState(page)
			if state != undopage.StateActive && state != undopage.StatePrepared {
				continue // CACHED/TO_FREE/TO_PURGE segments need no recovery
			}

			log, err := undolog.RebuildFromDisk(r, slotNo, hdrPageNo, lastRecUndoNo)
			if err != nil {
				return nil, errors.Trace(err)
			}
			trxID, err := log.TrxID()
			if err != nil {
				return nil, errors.Trace(err)
			}

			t, ok := byTrxID[trxID]
			if !ok {
				t = &Transaction{
					ID:            trxID,
					SerialNo:      MaxUndoNo,
					InProgress:    NewInProgressSet(defaultInProgressCapacity),
					RollbackLimit: 0,
				}
				byTrxID[trxID] = t
				order = append(order, trxID)
			}
			if state == undopage.StatePrepared {
				t.State = Prepared
			} else if t.State != Prepared {
				t.State = Active
			}
			if log.HasXID && t.XID == nil {
				t.XID = log.XID
			}
			if log.Type == undopage.TypeInsert {
				t.InsertUndo = log
			} else {
				t.UpdateUndo = log
			}
		}
	}

	// §4.D requires the global transaction list ordered by id descending;
	// rsegs/slots were walked in map order above, so sort before linking.
	sort.Slice(order, func(i, j int) bool { return order[i] > order[j] })

	trxs := make([]*Transaction, 0, len(order))
	for _, id := range order {
		t := byTrxID[id]
		if n := len(k.trxList); n > 0 {
			t.listPrev = k.trxList[n-1]
			k.trxList[n-1].listNext = t
		}
		k.trxList = append(k.trxList, t)
		trxs = append(trxs, t)
	}
	return trxs, nil
}
