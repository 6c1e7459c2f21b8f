package store

import (
	"github.com/OneOfOne/xxhash"
	"github.com/juju/errors"
)

var ErrRowNotFound = errors.New("row not found")

// Fingerprint hashes an index entry or primary key for log lines and trace
// output, so a PK never has to be printed raw when it may be large or
// binary. Matches the teacher's util.HashCode shape.
func Fingerprint(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// Row is the narrow row representation this engine needs: the primary key
// columns, the full column map keyed by name, and the two hidden system
// columns every clustered-index record carries (trx id of the last writer
// and the roll pointer to its prior version). Deleted marks a delete-marked
// row still physically present in the clustered index.
type Row struct {
	PK      []byte
	Columns map[string][]byte
	TrxID   uint64
	RollPtr uint64
	Deleted bool
}

// Clone returns a deep copy so callers that stash a Row into an undo record
// or a version-chain scratch buffer are not aliasing the live index state.
func (r Row) Clone() Row {
	cols := make(map[string][]byte, len(r.Columns))
	for k, v := range r.Columns {
		cp := make([]byte, len(v))
		copy(cp, v)
		cols[k] = cp
	}
	pk := make([]byte, len(r.PK))
	copy(pk, r.PK)
	return Row{PK: pk, Columns: cols, TrxID: r.TrxID, RollPtr: r.RollPtr, Deleted: r.Deleted}
}

// IndexField names an ordering field of an index and the column it is
// bound to, used to build old secondary-index entries during rollback and
// purge (§4.B, §4.G, §4.H).
type IndexField struct {
	Column string
}

// Index is the narrow B-tree contract the undo/rollback/purge/version
// components need from a single index (clustered or secondary). A real
// implementation is a cursor into the buffer-pool-backed B-tree; the
// in-memory MemIndex below is enough to drive this core end to end.
type Index interface {
	Name() string
	IsClustered() bool
	OrderingFields() []IndexField

	// Seek returns the row whose PK (for the clustered index) or whose
	// ordering-field values (for a secondary index, PK used as tiebreak)
	// match key. ok is false if no such row exists.
	Seek(pk []byte) (row Row, ok bool, err error)

	Insert(row Row) error
	Delete(pk []byte) error
	Replace(pk []byte, row Row) error

	// BuildEntry projects row onto this index's ordering fields, the
	// "index entry" used for secondary-index existence checks.
	BuildEntry(row Row) []byte
}

// MemIndex is a map-backed Index good for tests and the demo command.
type MemIndex struct {
	name       string
	clustered  bool
	fields     []IndexField
	rows       map[string]Row
	keyOf      func(Row) []byte
}

func NewClusteredMemIndex(name string) *MemIndex {
	return &MemIndex{
		name:      name,
		clustered: true,
		rows:      make(map[string]Row),
		keyOf:     func(r Row) []byte { return r.PK },
	}
}

func NewSecondaryMemIndex(name string, fields []IndexField) *MemIndex {
	idx := &MemIndex{name: name, clustered: false, fields: fields, rows: make(map[string]Row)}
	idx.keyOf = idx.BuildEntry
	return idx
}

func (m *MemIndex) Name() string               { return m.name }
func (m *MemIndex) IsClustered() bool          { return m.clustered }
func (m *MemIndex) OrderingFields() []IndexField { return m.fields }

func (m *MemIndex) Seek(key []byte) (Row, bool, error) {
	r, ok := m.rows[string(key)]
	if !ok {
		return Row{}, false, nil
	}
	return r.Clone(), true, nil
}

func (m *MemIndex) Insert(row Row) error {
	key := string(m.keyOf(row))
	if _, exists := m.rows[key]; exists {
		return errors.New("duplicate key")
	}
	m.rows[key] = row.Clone()
	return nil
}

func (m *MemIndex) Delete(pk []byte) error {
	key := string(pk)
	if !m.clustered {
		// Secondary index deletes address by entry bytes, not PK; callers
		// pass the entry bytes through pk for secondary indexes.
	}
	if _, ok := m.rows[key]; !ok {
		return ErrRowNotFound
	}
	delete(m.rows, key)
	return nil
}

func (m *MemIndex) Replace(pk []byte, row Row) error {
	key := string(pk)
	if !m.clustered {
		key = string(m.keyOf(row))
	}
	m.rows[key] = row.Clone()
	return nil
}

func (m *MemIndex) BuildEntry(row Row) []byte {
	if m.clustered {
		return row.PK
	}
	var buf []byte
	for _, f := range m.fields {
		buf = append(buf, row.Columns[f.Column]...)
		buf = append(buf, 0)
	}
	buf = append(buf, row.PK...)
	return buf
}
