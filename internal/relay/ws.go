package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peercall/pkg/constants"
	"peercall/pkg/jwt"
	"peercall/pkg/logger"
)

// wsFrame is the JSON envelope exchanged with the relay bridge. Requests
// carry Op and ReqID; the bridge answers with op "result" echoing ReqID, and
// pushes op "added" frames tagged with the subscription's SubID.
type wsFrame struct {
	Op         string          `json:"op"` // put, get, delete, subscribe, unsubscribe, result, added
	ReqID      string          `json:"reqId,omitempty"`
	SubID      string          `json:"subId,omitempty"`
	Collection string          `json:"collection,omitempty"`
	ID         string          `json:"id,omitempty"`
	Filter     Filter          `json:"filter,omitempty"`
	Doc        json.RawMessage `json:"doc,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// WSStore implements Store against a remote relay bridge over a single
// WebSocket connection. The bridge enforces the same at-least-once add
// semantics as the other backends; this client only multiplexes.
type WSStore struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan wsFrame // reqID -> result
	subs     map[string]AddedFunc    // subID -> callback
	closed   bool
	stopPing chan struct{}
}

// NewWSStore dials the relay bridge and authenticates with a short-lived
// HS256 token issued for localUserID
func NewWSStore(ctx context.Context, bridgeURL, secret, localUserID string) (*WSStore, error) {
	tokens := jwt.NewManager(secret, constants.RelayTokenLifetime)
	token, err := tokens.GenerateToken(localUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue bridge token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, bridgeURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial relay bridge (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial relay bridge: %w", err)
	}

	s := &WSStore{
		conn:     conn,
		pending:  make(map[string]chan wsFrame),
		subs:     make(map[string]AddedFunc),
		stopPing: make(chan struct{}),
	}
	go s.readLoop()
	go s.pingLoop()

	logger.Info("Relay bridge connected", zap.String("url", bridgeURL))
	return s, nil
}

func (s *WSStore) readLoop() {
	for {
		var frame wsFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			s.fail(err)
			return
		}

		switch frame.Op {
		case "result":
			s.mu.Lock()
			ch, ok := s.pending[frame.ReqID]
			if ok {
				delete(s.pending, frame.ReqID)
			}
			s.mu.Unlock()
			if ok {
				ch <- frame
			}
		case "added":
			s.mu.Lock()
			onAdded, ok := s.subs[frame.SubID]
			s.mu.Unlock()
			if ok {
				onAdded(frame.ID, frame.Doc)
			}
		default:
			logger.Warn("Unknown relay bridge frame", zap.String("op", frame.Op))
		}
	}
}

func (s *WSStore) pingLoop() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopPing:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(constants.WebSocketWriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// fail tears the connection down and unblocks every pending request
func (s *WSStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stopPing)
	for reqID, ch := range s.pending {
		delete(s.pending, reqID)
		ch <- wsFrame{Op: "result", ReqID: reqID, Error: err.Error()}
	}
	logger.Error("Relay bridge connection lost", zap.Error(err))
}

func (s *WSStore) send(frame wsFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
	return s.conn.WriteJSON(frame)
}

// request sends a frame and waits for the matching result
func (s *WSStore) request(ctx context.Context, frame wsFrame) (wsFrame, error) {
	frame.ReqID = uuid.New().String()
	ch := make(chan wsFrame, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wsFrame{}, fmt.Errorf("relay bridge connection closed")
	}
	s.pending[frame.ReqID] = ch
	s.mu.Unlock()

	if err := s.send(frame); err != nil {
		s.mu.Lock()
		delete(s.pending, frame.ReqID)
		s.mu.Unlock()
		return wsFrame{}, fmt.Errorf("bridge write: %w", err)
	}

	timeout := time.NewTimer(constants.DefaultTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, frame.ReqID)
		s.mu.Unlock()
		return wsFrame{}, ctx.Err()
	case <-timeout.C:
		s.mu.Lock()
		delete(s.pending, frame.ReqID)
		s.mu.Unlock()
		return wsFrame{}, fmt.Errorf("bridge request timed out")
	case result := <-ch:
		if result.Error != "" {
			if result.Error == "not found" {
				return wsFrame{}, ErrNotFound
			}
			return wsFrame{}, fmt.Errorf("bridge error: %s", result.Error)
		}
		return result, nil
	}
}

// Put creates or overwrites a record on the bridge
func (s *WSStore) Put(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode record %s/%s: %w", collection, id, err)
	}
	_, err = s.request(ctx, wsFrame{Op: "put", Collection: collection, ID: id, Doc: raw})
	return err
}

// Get reads a record into out, returning ErrNotFound if absent
func (s *WSStore) Get(ctx context.Context, collection, id string, out any) error {
	result, err := s.request(ctx, wsFrame{Op: "get", Collection: collection, ID: id})
	if err != nil {
		return err
	}
	if len(result.Doc) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(result.Doc, out)
}

// Delete removes a record; unknown ids are not an error
func (s *WSStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.request(ctx, wsFrame{Op: "delete", Collection: collection, ID: id})
	return err
}

// Subscribe registers a server-side query; the bridge replays existing
// matches and streams subsequent adds as "added" frames
func (s *WSStore) Subscribe(ctx context.Context, collection string, filter Filter, onAdded AddedFunc) (func(), error) {
	subID := uuid.New().String()

	s.mu.Lock()
	s.subs[subID] = onAdded
	s.mu.Unlock()

	_, err := s.request(ctx, wsFrame{Op: "subscribe", SubID: subID, Collection: collection, Filter: filter})
	if err != nil {
		s.mu.Lock()
		delete(s.subs, subID)
		s.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, subID)
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				if _, err := s.request(context.Background(), wsFrame{Op: "unsubscribe", SubID: subID}); err != nil {
					logger.Warn("Failed to unsubscribe from relay bridge",
						zap.String("sub_id", subID), zap.Error(err))
				}
			}
		})
	}
	return cancel, nil
}

// Close shuts the bridge connection down
func (s *WSStore) Close() error {
	s.writeMu.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(constants.WebSocketWriteTimeout))
	s.writeMu.Unlock()
	err := s.conn.Close()
	s.fail(fmt.Errorf("store closed"))
	return err
}
