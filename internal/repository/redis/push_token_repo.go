package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peercall/pkg/constants"
	"peercall/pkg/logger"
	"peercall/pkg/push"
)

// PushTokenRepository stores device push tokens in Redis. Each token lives
// as JSON under push:token:{token}, and push:user:{userID}:tokens is the
// set of token values registered for a user.
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{
		client: client,
	}
}

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.Set(ctx, tokenKey(token.Token), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	setKey := userTokensKey(token.UserID)
	if err := r.client.SAdd(ctx, setKey, token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}

	if err := r.client.Expire(ctx, setKey, constants.PushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on user tokens set",
			zap.String("user_id", token.UserID),
			zap.Error(err))
	}

	logger.Debug("Push token stored",
		zap.String("user_id", token.UserID),
		zap.String("token_type", string(token.Type)))

	return nil
}

// GetByUserID retrieves all tokens registered for a user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID string) ([]*push.Token, error) {
	values, err := r.client.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	result := make([]*push.Token, 0, len(values))
	for _, value := range values {
		token, err := r.getByValue(ctx, value)
		if err != nil {
			logger.Warn("Failed to load push token",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		if token != nil {
			result = append(result, token)
		}
	}

	return result, nil
}

// MarkInactive flags a token so delivery skips it until refreshed
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenValue string) error {
	token, err := r.getByValue(ctx, tokenValue)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}

	token.Active = false
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.Set(ctx, tokenKey(tokenValue), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}

	return nil
}

// DeleteByUserID removes every token registered for a user
func (r *PushTokenRepository) DeleteByUserID(ctx context.Context, userID string) error {
	setKey := userTokensKey(userID)
	values, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("failed to get user tokens: %w", err)
	}

	pipe := r.client.TxPipeline()
	for _, value := range values {
		pipe.Del(ctx, tokenKey(value))
	}
	pipe.Del(ctx, setKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete user tokens: %w", err)
	}

	logger.Debug("Push tokens deleted",
		zap.String("user_id", userID),
		zap.Int("count", len(values)))

	return nil
}

func (r *PushTokenRepository) getByValue(ctx context.Context, tokenValue string) (*push.Token, error) {
	data, err := r.client.Get(ctx, tokenKey(tokenValue)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

func tokenKey(tokenValue string) string {
	return fmt.Sprintf("push:token:%s", tokenValue)
}

func userTokensKey(userID string) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}
