package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"wxgate/internal/domain"
)

const redisKeyPrefix = "wxgate:"

// RedisStore keeps each integration's credentials in a hash keyed by app id,
// plus a set indexing the known app ids.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, prefix: redisKeyPrefix}
}

func (s *RedisStore) indexKey() string { return s.prefix + "apps" }

func (s *RedisStore) credentialKey(appID string) string { return s.prefix + "cred:" + appID }

func (s *RedisStore) Load(ctx context.Context, appID string) (*domain.Credentials, error) {
	fields, err := s.client.HGetAll(ctx, s.credentialKey(appID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load credentials %s: %w", appID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	c := fromHash(fields)
	return &c, nil
}

func (s *RedisStore) Save(ctx context.Context, c domain.Credentials) error {
	if c.AppID == "" {
		return fmt.Errorf("save credentials: empty app id")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.credentialKey(c.AppID), toHash(c))
		pipe.SAdd(ctx, s.indexKey(), c.AppID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save credentials %s: %w", c.AppID, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]domain.Credentials, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	var all []domain.Credentials
	for _, id := range ids {
		c, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			all = append(all, *c)
		}
	}
	sortCredentials(all)
	return all, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func toHash(c domain.Credentials) map[string]any {
	return map[string]any{
		"app_id":           c.AppID,
		"secret":           c.Secret,
		"token":            c.Token,
		"encoding_aes_key": c.EncodingAESKey,
		"encrypted":        strconv.FormatBool(c.Encrypted),
		"ticket":           c.Ticket,
		"component_app_id": c.ComponentAppID,
		"refresh_token":    c.RefreshToken,
		"access_token":     c.Access.Value,
		"expires_at":       strconv.FormatInt(toUnix(c.Access.ExpiresAt), 10),
		"updated_at":       strconv.FormatInt(toUnix(c.UpdatedAt), 10),
	}
}

func fromHash(h map[string]string) domain.Credentials {
	expires, _ := strconv.ParseInt(h["expires_at"], 10, 64)
	updated, _ := strconv.ParseInt(h["updated_at"], 10, 64)
	encrypted, _ := strconv.ParseBool(h["encrypted"])
	return domain.Credentials{
		AppID:          h["app_id"],
		Secret:         h["secret"],
		Token:          h["token"],
		EncodingAESKey: h["encoding_aes_key"],
		Encrypted:      encrypted,
		Ticket:         h["ticket"],
		ComponentAppID: h["component_app_id"],
		RefreshToken:   h["refresh_token"],
		Access:         domain.AccessToken{Value: h["access_token"], ExpiresAt: fromUnix(expires)},
		UpdatedAt:      fromUnix(updated),
	}
}
