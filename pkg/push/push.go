package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"peercall/pkg/logger"
	"peercall/pkg/metrics"
	"peercall/pkg/resilience"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal, low
	Sound    string            `json:"sound,omitempty"`
	Badge    *int              `json:"badge,omitempty"`
	Category string            `json:"category,omitempty"`
}

// CallNotificationData contains data for call-related notifications
type CallNotificationData struct {
	CallID     string `json:"call_id"`
	CallerID   string `json:"caller_id"`
	CallerName string `json:"caller_name"`
	CallType   string `json:"call_type"`
	Timestamp  int64  `json:"timestamp"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token represents a push notification token for a user
type Token struct {
	UserID   string    `json:"user_id"`
	Token    string    `json:"token"`
	Type     TokenType `json:"type"`
	Platform string    `json:"platform,omitempty"` // ios, android
	Active   bool      `json:"active"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID string) ([]*Token, error)
	MarkInactive(ctx context.Context, tokenValue string) error
	DeleteByUserID(ctx context.Context, userID string) error
}

// MemoryTokenRepository keeps tokens in process memory
type MemoryTokenRepository struct {
	mu     sync.RWMutex
	tokens map[string][]*Token // userID -> tokens
}

// NewMemoryTokenRepository creates an empty in-memory token registry
func NewMemoryTokenRepository() *MemoryTokenRepository {
	return &MemoryTokenRepository{tokens: make(map[string][]*Token)}
}

// Store registers a token, replacing any entry with the same value
func (r *MemoryTokenRepository) Store(ctx context.Context, token *Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.tokens[token.UserID]
	for i, t := range existing {
		if t.Token == token.Token {
			existing[i] = token
			return nil
		}
	}
	r.tokens[token.UserID] = append(existing, token)
	return nil
}

// GetByUserID returns the tokens registered for a user
func (r *MemoryTokenRepository) GetByUserID(ctx context.Context, userID string) ([]*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tokens := r.tokens[userID]
	out := make([]*Token, len(tokens))
	copy(out, tokens)
	return out, nil
}

// MarkInactive deactivates a token by value wherever it is registered
func (r *MemoryTokenRepository) MarkInactive(ctx context.Context, tokenValue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tokens := range r.tokens {
		for _, t := range tokens {
			if t.Token == tokenValue {
				t.Active = false
			}
		}
	}
	return nil
}

// DeleteByUserID removes every token for a user
func (r *MemoryTokenRepository) DeleteByUserID(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, userID)
	return nil
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
	breaker  *resilience.Breaker
	metrics  *metrics.Metrics
}

// NewService creates a new push notification service. m may be nil.
func NewService(provider Provider, repo TokenRepository, m *metrics.Metrics) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
		breaker:  resilience.NewBreaker("push_gateway"),
		metrics:  m,
	}
}

// RegisterToken registers a push notification token for a user
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	token.Active = true
	return s.repo.Store(ctx, token)
}

// UnregisterAllTokens removes all tokens for a user
func (s *Service) UnregisterAllTokens(ctx context.Context, userID string) error {
	return s.repo.DeleteByUserID(ctx, userID)
}

// SendIncomingCallNotification notifies the recipient of a ringing call
func (s *Service) SendIncomingCallNotification(ctx context.Context, data *CallNotificationData, recipientID string) error {
	callerName := data.CallerName
	if callerName == "" {
		callerName = data.CallerID
	}
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("%s is calling you", callerName),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":        "call",
			"call_id":     data.CallID,
			"caller_id":   data.CallerID,
			"caller_name": data.CallerName,
			"call_type":   data.CallType,
			"timestamp":   fmt.Sprintf("%d", data.Timestamp),
		},
	}
	return s.sendToUser(ctx, notification, recipientID, data.CallID)
}

// SendMissedCallNotification notifies the recipient of a call they missed
func (s *Service) SendMissedCallNotification(ctx context.Context, data *CallNotificationData, recipientID string) error {
	callerName := data.CallerName
	if callerName == "" {
		callerName = data.CallerID
	}
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a call from %s", callerName),
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":        "missed_call",
			"call_id":     data.CallID,
			"caller_id":   data.CallerID,
			"caller_name": data.CallerName,
		},
	}
	return s.sendToUser(ctx, notification, recipientID, data.CallID)
}

func (s *Service) sendToUser(ctx context.Context, notification *Notification, userID, callID string) error {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		logger.Warn("Failed to get push tokens for user",
			zap.String("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	var activeTokens []*Token
	var active []string
	for _, token := range tokens {
		if token.Active {
			activeTokens = append(activeTokens, token)
			active = append(active, token.Token)
		}
	}
	if len(active) == 0 {
		logger.Info("No active push tokens for user",
			zap.String("user_id", userID))
		return nil
	}

	notifType := notification.Data["type"]

	var result *SendResult
	err = s.breaker.Execute(ctx, "send", func(ctx context.Context) error {
		var sendErr error
		result, sendErr = s.provider.Send(ctx, notification, active)
		return sendErr
	})
	if err != nil {
		logger.Error("Failed to send call notification",
			zap.String("call_id", callID),
			zap.Int("token_count", len(active)),
			zap.Error(err))
		if s.metrics != nil {
			for _, token := range activeTokens {
				s.metrics.RecordPushNotificationFailure(notifType, platformLabel(token), "provider")
			}
		}
		return fmt.Errorf("failed to send call notification: %w", err)
	}

	if s.metrics != nil {
		for _, token := range activeTokens {
			s.metrics.RecordPushNotification(notifType, platformLabel(token))
		}
	}

	logger.Info("Call notification sent",
		zap.String("call_id", callID),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	for _, invalid := range result.InvalidTokens {
		if err := s.repo.MarkInactive(ctx, invalid); err != nil {
			logger.Warn("Failed to mark token as inactive", zap.Error(err))
		}
	}
	return nil
}

// platformLabel picks the metric label for a token: the device platform when
// registered, otherwise the gateway type
func platformLabel(token *Token) string {
	if token.Platform != "" {
		return token.Platform
	}
	return string(token.Type)
}

// MockProvider is a mock implementation for development/testing
type MockProvider struct {
	NotificationsSent int
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.NotificationsSent++

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	return &SendResult{
		SuccessCount: len(tokens),
	}, nil
}

// ToJSON converts notification to JSON
func (n *Notification) ToJSON() ([]byte, error) {
	return json.Marshal(n)
}

// FromJSON creates notification from JSON
func FromJSON(data []byte) (*Notification, error) {
	var notification Notification
	err := json.Unmarshal(data, &notification)
	return &notification, err
}
