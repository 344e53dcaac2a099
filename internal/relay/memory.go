package relay

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-process Store used by tests and single-host
// deployments. It preserves per-collection insertion order when replaying
// records to new subscribers and when fanning out new ones.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]*memCollection
	nextSubID   int
	subs        map[int]*memSubscription
	closed      bool
}

type memCollection struct {
	docs  map[string]json.RawMessage
	order []string // insertion order of live ids
}

type memSubscription struct {
	collection string
	filter     Filter
	onAdded    AddedFunc

	mu      sync.Mutex
	pending []memEvent
	notify  chan struct{}
	done    chan struct{}
}

type memEvent struct {
	id  string
	raw json.RawMessage
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*memCollection),
		subs:        make(map[int]*memSubscription),
	}
}

func (s *MemoryStore) collection(name string) *memCollection {
	coll, ok := s.collections[name]
	if !ok {
		coll = &memCollection{docs: make(map[string]json.RawMessage)}
		s.collections[name] = coll
	}
	return coll
}

// Put creates or overwrites a record and fans it out to matching subscribers
func (s *MemoryStore) Put(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	coll := s.collection(collection)
	if _, exists := coll.docs[id]; !exists {
		coll.order = append(coll.order, id)
	}
	coll.docs[id] = raw

	var targets []*memSubscription
	for _, sub := range s.subs {
		if sub.collection == collection && Matches(raw, sub.filter) {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(memEvent{id: id, raw: raw})
	}
	return nil
}

// Get reads a record, returning ErrNotFound if absent
func (s *MemoryStore) Get(ctx context.Context, collection, id string, out any) error {
	s.mu.Lock()
	coll, ok := s.collections[collection]
	var raw json.RawMessage
	if ok {
		raw, ok = coll.docs[id]
	}
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

// Delete removes a record; absent records are ignored
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		return nil
	}
	if _, exists := coll.docs[id]; !exists {
		return nil
	}
	delete(coll.docs, id)
	for i, existing := range coll.order {
		if existing == id {
			coll.order = append(coll.order[:i], coll.order[i+1:]...)
			break
		}
	}
	return nil
}

// Subscribe registers a listener; records already matching the filter are
// replayed in insertion order before new ones arrive.
func (s *MemoryStore) Subscribe(ctx context.Context, collection string, filter Filter, onAdded AddedFunc) (func(), error) {
	sub := &memSubscription{
		collection: collection,
		filter:     filter,
		onAdded:    onAdded,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = sub

	// Snapshot the current matching set under the lock so the replay and
	// subsequent Put fan-outs do not reorder.
	if coll, ok := s.collections[collection]; ok {
		for _, docID := range coll.order {
			raw := coll.docs[docID]
			if Matches(raw, filter) {
				sub.pending = append(sub.pending, memEvent{id: docID, raw: raw})
			}
		}
	}
	s.mu.Unlock()

	go sub.pump()
	// Wake the pump unconditionally. The subscription is already visible to
	// Put fan-outs, so pending cannot be read here without sub.mu; a spurious
	// wakeup on an empty queue is harmless.
	select {
	case sub.notify <- struct{}{}:
	default:
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(sub.done)
		})
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-sub.done:
			}
		}()
	}
	return cancel, nil
}

func (sub *memSubscription) enqueue(ev memEvent) {
	sub.mu.Lock()
	sub.pending = append(sub.pending, ev)
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// pump delivers events one at a time in enqueue order
func (sub *memSubscription) pump() {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.notify:
		}
		for {
			sub.mu.Lock()
			if len(sub.pending) == 0 {
				sub.mu.Unlock()
				break
			}
			ev := sub.pending[0]
			sub.pending = sub.pending[1:]
			sub.mu.Unlock()

			select {
			case <-sub.done:
				return
			default:
			}
			sub.onAdded(ev.id, ev.raw)
		}
	}
}
