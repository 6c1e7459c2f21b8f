// Package mtr models the mini-transaction abstraction described in the
// design notes: a per-thread builder that buffers page edits and, on
// Commit, is meant to append one contiguous record to the redo log before
// the caller releases its page latches. The redo log itself is out of
// scope for this engine (§1 Non-goals) — undo changes are themselves
// redo-logged, but the redo engine that durably persists and replays that
// log is an external collaborator. This package captures exactly what must
// be redo-covered: the ordered list of (page, tag, payload) edits a
// mini-transaction produced, so a real redo engine has something to
// serialize, and tests can assert that the right edits were recorded.
package mtr

// Tag identifies a redo record type emitted by the undo/rollback core.
// Tag values are opaque but stable, matching §6.
type Tag uint8

const (
	TagUndoInit Tag = iota + 1
	TagUndoHdrCreate
	TagUndoHdrReuse
	TagUndoHdrDiscard
	TagUndoInsert
	TagUndoEraseEnd
)

func (t Tag) String() string {
	switch t {
	case TagUndoInit:
		return "UNDO_INIT"
	case TagUndoHdrCreate:
		return "UNDO_HDR_CREATE"
	case TagUndoHdrReuse:
		return "UNDO_HDR_REUSE"
	case TagUndoHdrDiscard:
		return "UNDO_HDR_DISCARD"
	case TagUndoInsert:
		return "UNDO_INSERT"
	case TagUndoEraseEnd:
		return "UNDO_ERASE_END"
	default:
		return "UNKNOWN"
	}
}

// Edit is one page mutation recorded into a mini-transaction. Offset and
// Payload are enough for a redo engine to replay the edit against a
// (buffer, page) pair standalone, without consulting anything else in the
// mini-transaction.
type Edit struct {
	SpaceID uint32
	PageNo  uint32
	Offset  uint16
	Tag     Tag
	Payload []byte
}

// Mtr buffers edits for atomic release. It is not safe for concurrent use;
// each worker thread (or transaction) owns its own Mtr for the duration of
// one mini-transaction.
type Mtr struct {
	edits []Edit
	lsn   uint64
}

func New() *Mtr { return &Mtr{} }

// Log appends an edit to the buffer. It does not touch the page itself —
// callers are expected to have already applied the mutation directly to
// the page's in-memory content under the appropriate latch; Log only
// records what must be redo-covered.
func (m *Mtr) Log(spaceID, pageNo uint32, offset uint16, tag Tag, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.edits = append(m.edits, Edit{SpaceID: spaceID, PageNo: pageNo, Offset: offset, Tag: tag, Payload: cp})
}

// Edits returns the buffered edits in emission order.
func (m *Mtr) Edits() []Edit { return m.edits }

// Commit assigns this mini-transaction's commit lsn and returns it. A real
// redo engine would append Edits() as one contiguous record at this lsn
// before the caller releases its page latches; this engine only needs the
// lsn to exist as the transaction's commit point (§4.E step 4).
func (m *Mtr) Commit(lsn uint64) uint64 {
	m.lsn = lsn
	return lsn
}

// LSN returns the lsn assigned by Commit, or 0 if not yet committed.
func (m *Mtr) LSN() uint64 { return m.lsn }
