package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	redisWrapper "github.com/noetl/noetl/common/redis"
)

// Store resolves credential keys to payloads. Values are never logged.
type Store interface {
	FetchCredential(ctx context.Context, key string) (map[string]interface{}, error)
}

// EnvStore reads credentials from NOETL_CREDENTIAL_<KEY> environment
// variables holding JSON payloads. Intended for local runs and tests.
type EnvStore struct{}

// FetchCredential resolves a credential from the environment
func (EnvStore) FetchCredential(ctx context.Context, key string) (map[string]interface{}, error) {
	envKey := "NOETL_CREDENTIAL_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	raw := os.Getenv(envKey)
	if raw == "" {
		return nil, fmt.Errorf("credential not found: %s", key)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("credential %s is not valid JSON: %w", key, err)
	}
	return payload, nil
}

// CachedStore wraps a Store with a Redis cache scoped per execution.
// Terminal execution events invalidate the whole scope.
type CachedStore struct {
	inner Store
	redis *redisWrapper.Client
	ttl   time.Duration
}

// NewCachedStore creates a per-execution credential cache
func NewCachedStore(inner Store, redisClient *redisWrapper.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{inner: inner, redis: redisClient, ttl: ttl}
}

// Fetch resolves a credential within an execution scope
func (s *CachedStore) Fetch(ctx context.Context, executionID, key string) (map[string]interface{}, error) {
	cacheKey := fmt.Sprintf("cred:%s:%s", executionID, key)

	if cached, found, err := s.redis.Get(ctx, cacheKey); err == nil && found {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(cached), &payload); err == nil {
			return payload, nil
		}
	}

	payload, err := s.inner.FetchCredential(ctx, key)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(payload); err == nil {
		_ = s.redis.SetWithExpiry(ctx, cacheKey, string(data), s.ttl)
	}

	return payload, nil
}

// InvalidateExecution drops all cached credentials for an execution
func (s *CachedStore) InvalidateExecution(ctx context.Context, executionID string) error {
	_, err := s.redis.DeleteByPattern(ctx, fmt.Sprintf("cred:%s:*", executionID))
	return err
}
