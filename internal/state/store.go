package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/medremind/internal/repository"
)

// Store はユーザーごとに1つの会話状態を保持する。
// Set は常に全体を置き換える。部分更新は呼び出し側が読み込み・変更・書き込みで行う。
type Store interface {
	// Get は現在の状態を返す。状態が無い、または有効期限切れの場合はnilを返す。
	Get(ctx context.Context, userID string) (Flow, error)
	Set(ctx context.Context, userID string, f Flow) error
	Clear(ctx context.Context, userID string) error
}

// SQLStore はStateRepositoryに状態を保存する。
// TTLより古い状態は存在しないものとして扱い、物理削除はクリーンアップジョブに任せる。
type SQLStore struct {
	repo repository.StateRepository
	ttl  time.Duration
	now  func() time.Time
}

// NewSQLStore はSQLStoreを生成する。ttlが0以下の場合は期限切れを判定しない。
func NewSQLStore(repo repository.StateRepository, ttl time.Duration) *SQLStore {
	return &SQLStore{repo: repo, ttl: ttl, now: time.Now}
}

// Get は有効期限内の状態を返す。
func (s *SQLStore) Get(ctx context.Context, userID string) (Flow, error) {
	var notBefore time.Time
	if s.ttl > 0 {
		notBefore = s.now().Add(-s.ttl)
	}
	raw, err := s.repo.Get(ctx, userID, notBefore)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return Decode(raw)
}

// Set は状態を保存する。
func (s *SQLStore) Set(ctx context.Context, userID string, f Flow) error {
	raw, err := Encode(f)
	if err != nil {
		return err
	}
	return s.repo.Set(ctx, userID, raw)
}

// Clear は状態を削除する。
func (s *SQLStore) Clear(ctx context.Context, userID string) error {
	return s.repo.Delete(ctx, userID)
}

// RedisStore はRedisに状態を保存する。有効期限はキーのTTLで管理する。
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisStore はRedisStoreを生成する。
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, prefix: "medremind:state:"}
}

// NewRedisClient はredis://形式のURLからクライアントを生成する。
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URLの解析に失敗しました: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

// Get は状態を返す。キーが無い場合はnilを返す。
func (s *RedisStore) Get(ctx context.Context, userID string) (Flow, error) {
	raw, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("会話状態の取得に失敗しました: %w", err)
	}
	return Decode(raw)
}

// Set は状態をTTL付きで保存する。
func (s *RedisStore) Set(ctx context.Context, userID string, f Flow) error {
	raw, err := Encode(f)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(userID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("会話状態の保存に失敗しました: %w", err)
	}
	return nil
}

// Clear は状態を削除する。
func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("会話状態の削除に失敗しました: %w", err)
	}
	return nil
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*RedisStore)(nil)
)
