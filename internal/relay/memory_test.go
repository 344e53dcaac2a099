package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testDoc struct {
	CallID      string `json:"callId"`
	RecipientID string `json:"recipientId"`
	Status      string `json:"status"`
	Seq         int    `json:"seq"`
}

// TestPutGetDelete tests basic record lifecycle
func TestPutGetDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	doc := testDoc{CallID: "call_1", RecipientID: "bob", Status: "ringing"}
	assert.NoError(t, store.Put(ctx, CollectionCalls, "call_1", doc))

	var got testDoc
	assert.NoError(t, store.Get(ctx, CollectionCalls, "call_1", &got))
	assert.Equal(t, doc, got)

	assert.NoError(t, store.Delete(ctx, CollectionCalls, "call_1"))
	err := store.Get(ctx, CollectionCalls, "call_1", &got)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent record is not an error
	assert.NoError(t, store.Delete(ctx, CollectionCalls, "call_1"))
}

// TestSubscribeReplaysExistingRecords tests that records present at subscribe
// time are delivered to the listener
func TestSubscribeReplaysExistingRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	assert.NoError(t, store.Put(ctx, CollectionCalls, "call_1",
		testDoc{CallID: "call_1", RecipientID: "bob", Status: "ringing"}))
	assert.NoError(t, store.Put(ctx, CollectionCalls, "call_2",
		testDoc{CallID: "call_2", RecipientID: "carol", Status: "ringing"}))

	received := make(chan string, 4)
	cancel, err := store.Subscribe(ctx, CollectionCalls,
		Filter{"recipientId": "bob", "status": "ringing"},
		func(id string, raw json.RawMessage) { received <- id })
	assert.NoError(t, err)
	defer cancel()

	select {
	case id := <-received:
		assert.Equal(t, "call_1", id)
	case <-time.After(time.Second):
		t.Fatal("expected replay of existing record")
	}

	// The non-matching record must never arrive
	select {
	case id := <-received:
		t.Fatalf("unexpected record %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestSubscribeDeliversInOrder tests creation-order delivery to one listener
func TestSubscribeDeliversInOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})

	cancel, err := store.Subscribe(ctx, CollectionSignals, Filter{"recipientId": "bob"},
		func(id string, raw json.RawMessage) {
			var doc testDoc
			assert.NoError(t, json.Unmarshal(raw, &doc))
			mu.Lock()
			seen = append(seen, doc.Seq)
			if len(seen) == 10 {
				close(done)
			}
			mu.Unlock()
		})
	assert.NoError(t, err)
	defer cancel()

	for i := 0; i < 10; i++ {
		assert.NoError(t, store.Put(ctx, CollectionSignals, string(rune('a'+i)),
			testDoc{CallID: "call_1", RecipientID: "bob", Seq: i}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range seen {
		assert.Equal(t, i, seq)
	}
}

// TestUnsubscribeStopsDelivery tests that a canceled subscription receives
// nothing further
func TestUnsubscribeStopsDelivery(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	received := make(chan string, 4)
	cancel, err := store.Subscribe(ctx, CollectionSignals, nil,
		func(id string, raw json.RawMessage) { received <- id })
	assert.NoError(t, err)
	cancel()
	cancel() // double cancel is safe

	assert.NoError(t, store.Put(ctx, CollectionSignals, "sig_1",
		testDoc{CallID: "call_1", RecipientID: "bob"}))

	select {
	case id := <-received:
		t.Fatalf("unexpected delivery %s after unsubscribe", id)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestMatches tests the equality filter
func TestMatches(t *testing.T) {
	raw, _ := json.Marshal(testDoc{CallID: "call_1", RecipientID: "bob", Status: "ringing"})

	assert.True(t, Matches(raw, nil))
	assert.True(t, Matches(raw, Filter{"callId": "call_1"}))
	assert.True(t, Matches(raw, Filter{"callId": "call_1", "recipientId": "bob"}))
	assert.False(t, Matches(raw, Filter{"callId": "call_2"}))
	assert.False(t, Matches(raw, Filter{"missing": "x"}))
}

// TestSubscribeDuringConcurrentPuts exercises Subscribe racing with Put
// fan-outs; run with -race. Every matching record must still arrive.
func TestSubscribeDuringConcurrentPuts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	const writers = 20

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			<-start
			doc := testDoc{CallID: "call_race", RecipientID: "bob", Status: "ringing", Seq: seq}
			assert.NoError(t, store.Put(ctx, CollectionCalls, fmt.Sprintf("call_race_%d", seq), doc))
		}(i)
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	close(start)
	cancel, err := store.Subscribe(ctx, CollectionCalls, Filter{"recipientId": "bob"}, func(id string, _ json.RawMessage) {
		mu.Lock()
		seen[id] = true
		mu.Unlock()
	})
	assert.NoError(t, err)
	defer cancel()
	wg.Wait()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == writers
	}, 3*time.Second, 10*time.Millisecond)
}
