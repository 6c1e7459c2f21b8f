package rseg

import "github.com/zhukovaskychina/undoengine/server/innodb/store"

func newTestSpace() store.FileSpace {
	return store.NewMemSpace(1)
}
