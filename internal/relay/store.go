// Package relay defines the document-store contract the signaling channel
// runs over, plus the shipped backends. The store is an untrusted
// intermediary: it only ever carries call invitations and encrypted signals,
// never media or key material beyond the published per-call public key.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Collection names shared by all backends
const (
	CollectionCalls   = "calls"
	CollectionSignals = "callSignals"
)

// ErrNotFound is returned by Get when no record exists for the id
var ErrNotFound = errors.New("relay: record not found")

// Filter is an equality match on top-level document fields
type Filter map[string]any

// AddedFunc receives each record matching a subscription's filter, both those
// present at subscribe time and those created afterwards. Delivery is
// at-least-once; consumers must tolerate duplicates.
type AddedFunc func(id string, raw json.RawMessage)

// Store is the minimal real-time document store the core requires. No
// transactions or cross-collection atomicity are assumed.
type Store interface {
	// Put creates or overwrites a record
	Put(ctx context.Context, collection, id string, doc any) error

	// Get reads a record into out, returning ErrNotFound if absent
	Get(ctx context.Context, collection, id string, out any) error

	// Delete removes a record; deleting an absent record is not an error
	Delete(ctx context.Context, collection, id string) error

	// Subscribe registers a listener for records matching the filter. The
	// returned function cancels the subscription.
	Subscribe(ctx context.Context, collection string, filter Filter, onAdded AddedFunc) (func(), error)
}

// Matches reports whether a raw document satisfies an equality filter
func Matches(raw json.RawMessage, filter Filter) bool {
	if len(filter) == 0 {
		return true
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	for field, want := range filter {
		got, ok := doc[field]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
