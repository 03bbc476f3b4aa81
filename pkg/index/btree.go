package index

import (
	"sync"

	"github.com/google/btree"
)

// degree of the underlying B-tree.
const degree = 32

// BTree is an Indexer backed by an in-memory B-tree.
type BTree struct {
	tree *btree.BTreeG[item]
	mu   sync.RWMutex
}

type item struct {
	key string
	ptr Pointer
}

func less(a, b item) bool {
	return a.key < b.key
}

// NewBTree creates an empty index.
func NewBTree() *BTree {
	return &BTree{tree: btree.NewG[item](degree, less)}
}

func (bt *BTree) Get(key string) (Pointer, bool) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	it, ok := bt.tree.Get(item{key: key})
	return it.ptr, ok
}

func (bt *BTree) Put(key string, ptr Pointer) (Pointer, bool) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	old, replaced := bt.tree.ReplaceOrInsert(item{key: key, ptr: ptr})
	return old.ptr, replaced
}

func (bt *BTree) Delete(key string) (Pointer, bool) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	old, ok := bt.tree.Delete(item{key: key})
	return old.ptr, ok
}

func (bt *BTree) CompareAndSwap(key string, prev, next Pointer) bool {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	cur, ok := bt.tree.Get(item{key: key})
	if !ok || cur.ptr != prev {
		return false
	}
	bt.tree.ReplaceOrInsert(item{key: key, ptr: next})
	return true
}

func (bt *BTree) Len() int {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.tree.Len()
}

// Ascend iterates under the read lock; fn must not call back into the index.
func (bt *BTree) Ascend(fn func(key string, ptr Pointer) bool) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	bt.tree.Ascend(func(it item) bool {
		return fn(it.key, it.ptr)
	})
}
