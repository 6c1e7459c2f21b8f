package undorec

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/undoengine/server/innodb/mtr"
	"github.com/zhukovaskychina/undoengine/server/innodb/store"
	"github.com/zhukovaskychina/undoengine/server/innodb/undolog"
	"github.com/zhukovaskychina/undoengine/server/innodb/undopage"
)

// RowOperation is everything ReportRowOperation needs to know about one
// row change to build and place its undo record (§4.B).
type RowOperation struct {
	Op         Op
	Index      store.Index
	TableID    uint64
	UndoNo     uint64
	TrxID      uint64
	OldRollPtr uint64

	// Insert: the new row's PK. Modify: the row's PK plus the before-image.
	PK         []byte
	WasDeleted bool
	Changes    []FieldChange
	OrdChanged bool
	OldOrderCols []byte
}

// ReportRowOperation builds the undo record for op and appends it to log's
// last page, extending the segment with a fresh page when the current one
// is full (§4.B steps 1-6). The caller already holds the transaction's
// undo mutex and has log latched; this function does not acquire either,
// matching how package rollback and the transaction state machine drive
// it under their own critical sections.
func ReportRowOperation(log *undolog.Log, op RowOperation, m *mtr.Mtr) (uint64, error) {
	compl := ComplInfo(0)
	if !op.OrdChanged {
		compl |= NoOrdChange
	}

	var body []byte
	switch op.Op {
	case OpInsert:
		body = BuildInsert(op.UndoNo, op.TableID, op.PK)
	case OpModify:
		body = BuildModify(compl, op.UndoNo, op.TableID, op.WasDeleted, op.TrxID, op.OldRollPtr, op.PK, op.Changes, op.OldOrderCols)
	default:
		return 0, errors.Errorf("undorec: unknown op %v", op.Op)
	}

	page, err := log.Rseg.Space.GetPage(log.TopPageNo)
	if err != nil || log.Empty {
		page, err = log.Rseg.Space.GetPage(log.HdrPageNo)
		if err != nil {
			return 0, errors.Trace(err)
		}
	}

	offset := undopage.AppendRecord(page, body, m)
	if offset == 0 {
		undopage.ErasePageEnd(page, m)
		page, err = log.Rseg.AddPage(log.HdrPageNo, m)
		if err != nil {
			return 0, errors.Trace(err)
		}
		log.Size++
		offset = undopage.AppendRecord(page, body, m)
		if offset == 0 {
			return 0, errors.Errorf("undorec: record of %d bytes does not fit on a fresh page", len(body))
		}
	}

	log.TopPageNo = page.GetPageNo()
	log.TopOffset = offset
	log.TopUndoNo = op.UndoNo
	log.Empty = false
	undopage.WriteChecksum(page)

	isInsert := log.Type == undopage.TypeInsert
	return BuildRollPtr(isInsert, log.Rseg.ID, log.TopPageNo, offset), nil
}
