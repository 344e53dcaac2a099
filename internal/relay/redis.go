package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peercall/pkg/logger"
)

// RedisStore implements Store on Redis. Records live as JSON strings under
// relay:<collection>:<id>, a list relay:<collection> preserves insertion
// order for replay, and add events fan out over Pub/Sub on
// relay:<collection>:added. Filtering happens client-side via Matches, the
// same way MemoryStore filters.
type RedisStore struct {
	client *redis.Client
}

type redisAddEvent struct {
	ID  string          `json:"id"`
	Doc json.RawMessage `json:"doc"`
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, addr, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis relay store initialized", zap.String("addr", addr))
	return &RedisStore{client: client}, nil
}

// Client exposes the underlying connection so sibling components, like the
// push token repository, can share it
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func redisDocKey(collection, id string) string {
	return fmt.Sprintf("relay:%s:%s", collection, id)
}

func redisIndexKey(collection string) string {
	return "relay:" + collection
}

func redisChannel(collection string) string {
	return fmt.Sprintf("relay:%s:added", collection)
}

// Put stores the record and publishes an add event
func (s *RedisStore) Put(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode record %s/%s: %w", collection, id, err)
	}

	// Only first insertion of an id goes on the replay index.
	existed, err := s.client.Exists(ctx, redisDocKey(collection, id)).Result()
	if err != nil {
		return fmt.Errorf("redis exists %s/%s: %w", collection, id, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisDocKey(collection, id), raw, 0)
	if existed == 0 {
		pipe.RPush(ctx, redisIndexKey(collection), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put %s/%s: %w", collection, id, err)
	}

	event, err := json.Marshal(redisAddEvent{ID: id, Doc: raw})
	if err != nil {
		return fmt.Errorf("encode add event %s/%s: %w", collection, id, err)
	}
	if err := s.client.Publish(ctx, redisChannel(collection), event).Err(); err != nil {
		return fmt.Errorf("redis publish %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get reads a record into out, returning ErrNotFound if absent
func (s *RedisStore) Get(ctx context.Context, collection, id string, out any) error {
	raw, err := s.client.Get(ctx, redisDocKey(collection, id)).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis get %s/%s: %w", collection, id, err)
	}
	return json.Unmarshal(raw, out)
}

// Delete removes a record and its replay index entry
func (s *RedisStore) Delete(ctx context.Context, collection, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisDocKey(collection, id))
	pipe.LRem(ctx, redisIndexKey(collection), 0, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Subscribe replays existing records in insertion order, then relays
// Pub/Sub add events, applying the filter client-side
func (s *RedisStore) Subscribe(ctx context.Context, collection string, filter Filter, onAdded AddedFunc) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	// Open the Pub/Sub channel before the replay scan so records put
	// concurrently with Subscribe are not missed; duplicates between the
	// scan and the channel are allowed by the at-least-once contract.
	pubsub := s.client.Subscribe(subCtx, redisChannel(collection))
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("redis subscribe %s: %w", collection, err)
	}

	ids, err := s.client.LRange(subCtx, redisIndexKey(collection), 0, -1).Result()
	if err != nil {
		pubsub.Close()
		cancel()
		return nil, fmt.Errorf("redis scan %s: %w", collection, err)
	}

	go func() {
		defer pubsub.Close()

		for _, id := range ids {
			raw, err := s.client.Get(subCtx, redisDocKey(collection, id)).Bytes()
			if err == redis.Nil {
				continue // deleted between scan and read
			}
			if err != nil {
				if subCtx.Err() == nil {
					logger.Error("Redis replay read failed",
						zap.String("collection", collection),
						zap.String("id", id),
						zap.Error(err))
				}
				return
			}
			if Matches(raw, filter) {
				onAdded(id, raw)
			}
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event redisAddEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logger.Warn("Malformed Redis add event",
						zap.String("collection", collection),
						zap.Error(err))
					continue
				}
				if Matches(event.Doc, filter) {
					onAdded(event.ID, event.Doc)
				}
			}
		}
	}()

	return cancel, nil
}

// Close releases the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
