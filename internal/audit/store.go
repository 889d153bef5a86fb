package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	eventKeyPrefix = "audit:event:"
	userListPrefix = "audit:user:"
	recentListKey  = "audit:recent"

	// maxListLength は一覧として保持する件数の上限です。
	maxListLength = 100
)

// Store はイベントを Redis に保存します。
type Store struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Save はイベント本体を TTL 付きで保存し、全体とユーザー別の一覧の先頭に追加します。
func (s *Store) Save(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}
	if event.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, eventKey(event.ID), payload, s.ttl)
	pushCapped(ctx, pipe, recentListKey, event.ID, s.ttl)
	if event.Username != "" {
		pushCapped(ctx, pipe, userListKey(event.Username), event.ID, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get はイベントを取得します。存在しない場合は nil, nil を返します。
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}
	data, err := s.rdb.Get(ctx, eventKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Recent は新しい順に最大 limit 件のイベントを返します。username が空なら全体の一覧です。
// 期限切れで本体が消えたイベントは読み飛ばします。
func (s *Store) Recent(ctx context.Context, username string, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	key := recentListKey
	if username != "" {
		key = userListKey(username)
	}

	ids, err := s.rdb.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = eventKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func pushCapped(ctx context.Context, pipe redis.Pipeliner, key, id string, ttl time.Duration) {
	pipe.LPush(ctx, key, id)
	pipe.LTrim(ctx, key, 0, maxListLength-1)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
}

func eventKey(id string) string {
	return eventKeyPrefix + id
}

func userListKey(username string) string {
	return userListPrefix + username
}
