// Package reconcile merges incoming records into owned ordered collections
// without duplication. Both synchronizers route gateway responses and channel
// events through the same merge so application is idempotent and final order
// is independent of arrival order.
package reconcile

import (
	"slices"
	"sort"
)

// Record is a collection element with a stable identity and a total order.
// Before must be a strict ordering: for distinct records it is asymmetric,
// so the sorted position of a record does not depend on when it arrived.
type Record[T any] interface {
	Key() string
	Before(other T) bool
}

// Merge applies incoming to the sorted collection and returns it.
//
// If no element shares incoming's Key, incoming is inserted at its sorted
// position. If one does, it is replaced wholesale (never field-merged, so a
// later authoritative record cannot be diluted by a stale partial update)
// and repositioned in case its order key changed. A record marked deleted is
// an update like any other; nothing is ever removed here.
func Merge[T Record[T]](items []T, incoming T) []T {
	if i := indexByKey(items, incoming.Key()); i >= 0 {
		items = slices.Delete(items, i, i+1)
	}
	at := sort.Search(len(items), func(i int) bool {
		return incoming.Before(items[i])
	})
	return slices.Insert(items, at, incoming)
}

// MergeAll applies a batch of records in order.
func MergeAll[T Record[T]](items []T, incoming []T) []T {
	for _, r := range incoming {
		items = Merge(items, r)
	}
	return items
}

// Find returns the element with the given key, or the zero value and false.
func Find[T Record[T]](items []T, key string) (T, bool) {
	if i := indexByKey(items, key); i >= 0 {
		return items[i], true
	}
	var zero T
	return zero, false
}

// Remove deletes the element with the given key, if present. Used only for
// the leave-chat path; record deletion otherwise flows through Merge as an
// update.
func Remove[T Record[T]](items []T, key string) []T {
	if i := indexByKey(items, key); i >= 0 {
		return slices.Delete(items, i, i+1)
	}
	return items
}

func indexByKey[T Record[T]](items []T, key string) int {
	for i := range items {
		if items[i].Key() == key {
			return i
		}
	}
	return -1
}
