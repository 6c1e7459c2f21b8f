// Package undopage is the bit-exact codec for an undo log page: the fixed
// page header, the per-segment header on a log's first page, and the
// append/erase/navigate operations over the variable-length record chain
// that follows them. It is grounded on the teacher's pages.UndoLogPageHeader
// / pages.UndoLogSegmentHeader / pages.RollBackPage field layouts, rebuilt
// against the fixed byte offsets the design calls for instead of the
// teacher's []byte-bag fields.
package undopage

import (
	"github.com/zhukovaskychina/undoengine/server/common"
)

// Type is the TRX_UNDO_PAGE_TYPE tag: which kind of undo log a page's
// segment holds. A page never mixes the two.
type Type uint16

const (
	TypeInsert Type = 1
	TypeUpdate Type = 2
)

// State is TRX_UNDO_STATE, stored in the segment header on a log's first
// page.
type State uint16

const (
	StateActive State = iota + 1
	StateCached
	StateToFree
	StateToPurge
	StatePrepared
)

// Undo page header, fixed offsets from FileHeaderSize (§6).
const (
	hdrPageType  = common.FileHeaderSize + 0 // 2 bytes
	hdrPageStart = common.FileHeaderSize + 2 // 2 bytes
	hdrPageFree  = common.FileHeaderSize + 4 // 2 bytes
	hdrPageNode  = common.FileHeaderSize + 6 // 12 bytes: list node (prev-page,prev-off,next-page,next-off)
	undoPageHeaderSize = 18

	// PageHeaderEnd is the first byte after the fixed undo page header;
	// page_init sets both page-start and page-free here.
	PageHeaderEnd = common.FileHeaderSize + undoPageHeaderSize
)

// Undo segment header, immediately after the page header on a log's first
// page only (§6).
const (
	segState      = PageHeaderEnd + 0  // 2 bytes
	segLastLog    = PageHeaderEnd + 2  // 2 bytes
	segFsegHeader = PageHeaderEnd + 4  // 10 bytes
	segPageList   = PageHeaderEnd + 14 // 16 bytes
	segHeaderSize = 30

	// SegHeaderEnd is the first byte after the segment header, i.e. where
	// page-start/page-free land on a freshly initialized first page.
	SegHeaderEnd = PageHeaderEnd + segHeaderSize
)

// FilePageDataEnd mirrors FIL_PAGE_DATA_END: the fixed trailer every page
// reserves regardless of page type.
const FilePageDataEnd = common.FileTrailerSize

// recordOverhead is the two on-page pointer fields that bracket every undo
// record: a 2-byte next-pointer before the record body and a 2-byte
// back-pointer to the record's own start after it (§4.A, §6 record layout).
const recordOverhead = 4

// Undo log header field offsets, relative to the header's own start (§6
// "Undo log header"). The header itself floats within a page at an offset
// recorded in the segment header's TRX_UNDO_LAST_LOG field.
const (
	LogTrxID       = 0  // 8 bytes
	LogTrxNo       = 8  // 8 bytes, filled at commit
	LogDelMarks    = 16 // 2 bytes
	LogStart       = 18 // 2 bytes
	LogXIDExists   = 20 // 1 byte
	LogDictTrans   = 21 // 1 byte
	LogTableID     = 22 // 8 bytes
	LogNextLog     = 30 // 2 bytes
	LogPrevLog     = 32 // 2 bytes
	LogHistoryNode = 34 // 12 bytes

	// LogOldHdrSize is the fixed-length undo log header size before
	// optional XA extension.
	LogOldHdrSize = 46
)

// XA extension fields, present only when LogXIDExists is set, immediately
// following the fixed header (§6 "XA extension").
const (
	LogXAFormat   = LogOldHdrSize + 0  // 4 bytes
	LogXAGtridLen = LogOldHdrSize + 4  // 4 bytes
	LogXABqualLen = LogOldHdrSize + 8  // 4 bytes
	LogXAXID      = LogOldHdrSize + 12 // 128 bytes

	// XAExtraSize is how many additional bytes the XA extension adds to the
	// fixed header when a transaction reserves XA space.
	XAExtraSize = 4 + 4 + 4 + 128

	// XAHdrSize is the full log header size once XA space is reserved.
	XAHdrSize = LogOldHdrSize + XAExtraSize
)
