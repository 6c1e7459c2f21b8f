package latch

import (
	"fmt"
	"sync"
)

// Level enumerates the acquisition order from §5 of the design spec, top to
// bottom. A goroutine holding a latch at level L must never attempt to
// acquire a latch at a level above L (a smaller Level value).
type Level int

const (
	LevelFileSpace Level = iota + 1
	LevelIndexTree
	LevelPage
	LevelRseg
	LevelKernel
	LevelTrxUndo
	LevelPurge
	LevelUndoPage
)

func (l Level) String() string {
	switch l {
	case LevelFileSpace:
		return "file-space"
	case LevelIndexTree:
		return "index-tree"
	case LevelPage:
		return "page"
	case LevelRseg:
		return "rseg"
	case LevelKernel:
		return "kernel"
	case LevelTrxUndo:
		return "trx-undo"
	case LevelPurge:
		return "purge"
	case LevelUndoPage:
		return "undo-page"
	default:
		return "unknown"
	}
}

// Order is a per-goroutine stack of held latch levels, used in debug builds
// to catch violations of the acquisition order before they deadlock in
// production. It is deliberately process-wide and keyed by a caller-supplied
// token (typically the goroutine's owning trx or worker id) rather than by
// runtime goroutine id, since Go exposes no stable goroutine identifier.
type Order struct {
	mu    sync.Mutex
	stack map[string][]Level
}

// DebugOrdering enables the acquisition-order assertion. It costs a map
// lookup and a mutex per Enter/Leave; leave it off outside tests and debug
// builds.
var DebugOrdering = false

func NewOrder() *Order {
	return &Order{stack: make(map[string][]Level)}
}

// Enter records that owner is about to acquire a latch at level. It panics
// if owner already holds a latch at a level numerically >= level, since that
// violates the top-to-bottom rule in §5 (already holding a "later" latch and
// reaching back for an "earlier" one).
func (o *Order) Enter(owner string, level Level) {
	if !DebugOrdering {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	top := o.stack[owner]
	if len(top) > 0 && top[len(top)-1] >= level {
		panic(fmt.Sprintf("latch order violation: %s holds %s, attempted %s", owner, top[len(top)-1], level))
	}
	o.stack[owner] = append(top, level)
}

// Leave pops the most recently entered level for owner. It panics if the
// popped level does not match, which indicates latches were released out of
// LIFO order.
func (o *Order) Leave(owner string, level Level) {
	if !DebugOrdering {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	top := o.stack[owner]
	if len(top) == 0 || top[len(top)-1] != level {
		panic(fmt.Sprintf("latch order violation: %s released %s out of order", owner, level))
	}
	o.stack[owner] = top[:len(top)-1]
}
