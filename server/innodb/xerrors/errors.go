// Package xerrors declares the error kinds of §7: sentinels that every
// component in this engine returns instead of ad-hoc error strings, wrapped
// with github.com/juju/errors the way the rest of the pack does (errors.Trace
// to attach a stack to a sentinel as it crosses a package boundary,
// errors.Annotate to add context).
package xerrors

import "github.com/juju/errors"

var (
	// ErrOutOfFileSpace is returned when a file segment cannot grow to
	// satisfy a page or extent request. Recoverable by retry or by
	// aborting the operation that asked for the space.
	ErrOutOfFileSpace = errors.New("out of file space")

	// ErrTooManyConcurrentTrxs is returned when a rollback segment has no
	// free undo-log slot left to hand to a new transaction.
	ErrTooManyConcurrentTrxs = errors.New("too many concurrent transactions")

	// ErrMissingHistory is returned when a version-chain walk needs an
	// undo record that purge has already removed.
	ErrMissingHistory = errors.New("missing history: undo record already purged")

	// ErrDuplicateKey is raised re-inserting a DEL_MARK_REC's row during
	// rollback; it should be unreachable absent corruption.
	ErrDuplicateKey = errors.New("duplicate key inserting undone row")

	// ErrInterrupted marks a rollback worker's cooperative cancellation
	// point having fired.
	ErrInterrupted = errors.New("interrupted")

	// ErrCorruption is a checksum or structural violation of an undo page
	// or record.
	ErrCorruption = errors.New("undo page or record corruption")

	// ErrDBError is the catch-all for signal-delivery failures and
	// invariant violations that must not occur in normal operation.
	ErrDBError = errors.New("internal database error")
)

// IsOutOfFileSpace reports whether err is, or wraps, ErrOutOfFileSpace.
func IsOutOfFileSpace(err error) bool { return errors.Cause(err) == ErrOutOfFileSpace }

// IsMissingHistory reports whether err is, or wraps, ErrMissingHistory.
func IsMissingHistory(err error) bool { return errors.Cause(err) == ErrMissingHistory }

// IsTooManyConcurrentTrxs reports whether err is, or wraps, ErrTooManyConcurrentTrxs.
func IsTooManyConcurrentTrxs(err error) bool {
	return errors.Cause(err) == ErrTooManyConcurrentTrxs
}
