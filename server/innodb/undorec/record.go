// Package undorec builds and parses undo records: the variable-length,
// varint-packed byte blobs appended to undo pages by package undopage.
// Grounded on the teacher's UndoRecord/UndoRecordType shape (record type
// tag, table id, row payload) from UndoLogPageWrapper, rebuilt with the
// exact field list and the compressed-integer wire format this design
// calls for instead of fixed-width fields.
package undorec

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/undoengine/server/innodb/rollptr"
	"github.com/zhukovaskychina/undoengine/server/innodb/varint"
)

// Type is the undo record's type-compl byte, low nibble.
type Type uint8

const (
	InsertRec  Type = 1
	UpdExistRec Type = 2
	UpdDelRec  Type = 3
	DelMarkRec Type = 4
)

// ComplInfo bits occupy the high nibble of the type-compl byte (§9 "field
// encoding").
type ComplInfo uint8

const (
	// NoOrdChange means no index-ordering column changed, letting the
	// purge engine skip secondary-index cleanup for this record.
	NoOrdChange ComplInfo = 1 << 4
)

var ErrTruncated = errors.New("undorec: truncated record")

// FieldChange is one (position, old-value) pair from an update vector.
type FieldChange struct {
	Column string
	OldVal []byte
}

// Header is the fixed prefix every undo record carries, decoded by
// ParseHeader.
type Header struct {
	Type      Type
	Compl     ComplInfo
	UndoNo    uint64
	TableID   uint64
}

// Op is the row operation kind passed to ReportRowOperation.
type Op int

const (
	OpInsert Op = iota
	OpModify
)

// BuildInsert encodes an INSERT_REC: type-compl, undo-no, table-id, then
// the PK field values (§4.B / record field list).
func BuildInsert(undoNo, tableID uint64, pk []byte) []byte {
	buf := make([]byte, 0, 32+len(pk))
	buf = append(buf, byte(InsertRec))
	buf = varint.Write64(buf, undoNo)
	buf = varint.Write64(buf, tableID)
	buf = append(buf, lenPrefixed(pk)...)
	return buf
}

// BuildModify encodes a MODIFY undo record: DEL_MARK_REC when updates is
// empty, otherwise UPD_EXIST_REC or UPD_DEL_REC depending on wasDeleted
// (§4.B). compl carries the caller-computed NoOrdChange flag. oldOrderCols,
// when non-nil, is the length-prefixed blob of old ordering-field values
// saved because the update could change index membership.
func BuildModify(compl ComplInfo, undoNo, tableID uint64, wasDeleted bool, trxID uint64, rollPtr uint64, pk []byte, updates []FieldChange, oldOrderCols []byte) []byte {
	typ := UpdExistRec
	if len(updates) == 0 {
		typ = DelMarkRec
	} else if wasDeleted {
		typ = UpdDelRec
	}

	buf := make([]byte, 0, 64+len(pk))
	buf = append(buf, byte(typ)|byte(compl))
	buf = varint.Write64(buf, undoNo)
	buf = varint.Write64(buf, tableID)

	var infoBits byte
	buf = append(buf, infoBits)
	buf = varint.Write64(buf, trxID)
	buf = varint.Write64(buf, rollPtr)
	buf = append(buf, lenPrefixed(pk)...)

	buf = varint.Write32(buf, uint32(len(updates)))
	for _, u := range updates {
		buf = append(buf, lenPrefixed([]byte(u.Column))...)
		buf = append(buf, lenPrefixed(u.OldVal)...)
	}

	if compl&NoOrdChange == 0 {
		buf = append(buf, lenPrefixed(oldOrderCols)...)
	}
	return buf
}

func lenPrefixed(b []byte) []byte {
	out := make([]byte, 0, 2+len(b))
	out = varint.Write32(out, uint32(len(b)))
	out = append(out, b...)
	return out
}

func readLenPrefixed(buf []byte) ([]byte, int, error) {
	n, used, err := varint.Read32(buf)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	total := used + int(n)
	if total > len(buf) {
		return nil, 0, errors.Trace(ErrTruncated)
	}
	return buf[used:total], total, nil
}

// ParseHeader decodes the fixed prefix of rec: type, compl_info,
// undo-no, table-id (§4.B).
func ParseHeader(rec []byte) (Header, error) {
	if len(rec) < 1 {
		return Header{}, errors.Trace(ErrTruncated)
	}
	typ := Type(rec[0] & 0x0F)
	compl := ComplInfo(rec[0] & 0xF0)
	off := 1

	undoNo, n, err := varint.Read64(rec[off:])
	if err != nil {
		return Header{}, errors.Trace(err)
	}
	off += n

	tableID, n, err := varint.Read64(rec[off:])
	if err != nil {
		return Header{}, errors.Trace(err)
	}
	return Header{Type: typ, Compl: compl, UndoNo: undoNo, TableID: tableID}, nil
}

// GetRowRef materialises the PK tuple out of an INSERT_REC or the PK
// portion of a MODIFY record (§4.B).
func GetRowRef(rec []byte) ([]byte, error) {
	hdr, err := ParseHeader(rec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	off, err := skipHeader(rec, hdr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if hdr.Type != InsertRec {
		off++ // info bits
		_, n, err := varint.Read64(rec[off:])
		if err != nil {
			return nil, errors.Trace(err)
		}
		off += n
		_, n, err = varint.Read64(rec[off:])
		if err != nil {
			return nil, errors.Trace(err)
		}
		off += n
	}
	pk, _, err := readLenPrefixed(rec[off:])
	return pk, errors.Trace(err)
}

func skipHeader(rec []byte, hdr Header) (int, error) {
	off := 1
	_, n, err := varint.Read64(rec[off:])
	if err != nil {
		return 0, errors.Trace(err)
	}
	off += n
	_, n, err = varint.Read64(rec[off:])
	if err != nil {
		return 0, errors.Trace(err)
	}
	off += n
	return off, nil
}

// Update is the decoded body of a MODIFY undo record.
type Update struct {
	TrxID   uint64
	RollPtr uint64
	PK      []byte
	Changes []FieldChange
	OldOrderCols []byte
}

// GetUpdate decodes the update vector out of a MODIFY record, always
// including the synthetic (trx-id, roll-ptr) restoration pair so applying
// it to a row restores the hidden system columns (§4.B).
func GetUpdate(rec []byte) (Update, error) {
	hdr, err := ParseHeader(rec)
	if err != nil {
		return Update{}, errors.Trace(err)
	}
	if hdr.Type == InsertRec {
		return Update{}, errors.Errorf("undorec: GetUpdate called on INSERT_REC")
	}
	off, err := skipHeader(rec, hdr)
	if err != nil {
		return Update{}, errors.Trace(err)
	}
	off++ // info bits

	trxID, n, err := varint.Read64(rec[off:])
	if err != nil {
		return Update{}, errors.Trace(err)
	}
	off += n
	rollPtr, n, err := varint.Read64(rec[off:])
	if err != nil {
		return Update{}, errors.Trace(err)
	}
	off += n

	pk, n, err := readLenPrefixed(rec[off:])
	if err != nil {
		return Update{}, errors.Trace(err)
	}
	off += n

	u := Update{TrxID: trxID, RollPtr: rollPtr, PK: pk}

	count, n, err := varint.Read32(rec[off:])
	if err != nil {
		return Update{}, errors.Trace(err)
	}
	off += n
	for i := uint32(0); i < count; i++ {
		col, n, err := readLenPrefixed(rec[off:])
		if err != nil {
			return Update{}, errors.Trace(err)
		}
		off += n
		val, n, err := readLenPrefixed(rec[off:])
		if err != nil {
			return Update{}, errors.Trace(err)
		}
		off += n
		u.Changes = append(u.Changes, FieldChange{Column: string(col), OldVal: val})
	}

	if hdr.Compl&NoOrdChange == 0 {
		cols, _, err := readLenPrefixed(rec[off:])
		if err != nil {
			return Update{}, errors.Trace(err)
		}
		u.OldOrderCols = cols
	}
	return u, nil
}

// GetPartialRow reads only the ordering-field columns out of a MODIFY
// record's saved old values, used by purge's old_has_index_entry check
// (§4.B, §4.G).
func GetPartialRow(rec []byte) ([]byte, error) {
	u, err := GetUpdate(rec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return u.OldOrderCols, nil
}

// BuildRollPtr encodes the roll pointer a successful append should return
// to the caller (§4.B step 6).
func BuildRollPtr(isInsert bool, rsegID uint8, pageNo uint32, offset uint16) uint64 {
	return rollptr.Encode(rollptr.Ptr{IsInsert: isInsert, RsegID: rsegID, PageNo: pageNo, Offset: offset})
}

// RowRef is the clustered-index PK identity ReportRowOperation needs from
// the caller; keeping it separate from store.Row avoids this package
// depending on the full row shape for the fields it doesn't touch.
type RowRef struct {
	PK []byte
}
