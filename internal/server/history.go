package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nmestad/pairlink/internal/models"
)

const historyTTL = 7 * 24 * time.Hour

// HistoryStore persists relayed messages and serves them back per
// conversation, ordered oldest first. Append assigns the server-side id.
type HistoryStore interface {
	Append(ctx context.Context, msg models.Message) (models.Message, error)
	Conversation(ctx context.Context, userA, userB string) ([]models.Message, error)
}

// pairKey is a direction-independent conversation key.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// RedisHistoryStore keeps each conversation in a redis list with a TTL and
// draws message ids from a redis counter.
type RedisHistoryStore struct {
	rdb *redis.Client
}

func NewRedisHistoryStore(rdb *redis.Client) *RedisHistoryStore {
	return &RedisHistoryStore{rdb: rdb}
}

func (s *RedisHistoryStore) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	id, err := s.rdb.Incr(ctx, "chat:nextid").Result()
	if err != nil {
		return models.Message{}, fmt.Errorf("assign message id: %w", err)
	}
	msg.ID = id

	data, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("marshal message: %w", err)
	}

	key := "chat:pair:" + pairKey(msg.SenderID, msg.ReceiverID)
	if err := s.rdb.RPush(ctx, key, data).Err(); err != nil {
		return models.Message{}, fmt.Errorf("store message: %w", err)
	}
	s.rdb.Expire(ctx, key, historyTTL)
	return msg, nil
}

func (s *RedisHistoryStore) Conversation(ctx context.Context, userA, userB string) ([]models.Message, error) {
	key := "chat:pair:" + pairKey(userA, userB)
	raw, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	msgs := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("parse stored message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MemoryHistoryStore is the in-process store used by tests and by servers
// running without redis.
type MemoryHistoryStore struct {
	mu     sync.Mutex
	nextID int64
	pairs  map[string][]models.Message
}

func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{pairs: make(map[string][]models.Message)}
}

func (s *MemoryHistoryStore) Append(_ context.Context, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	key := pairKey(msg.SenderID, msg.ReceiverID)
	s.pairs[key] = append(s.pairs[key], msg)
	return msg, nil
}

func (s *MemoryHistoryStore) Conversation(_ context.Context, userA, userB string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append([]models.Message(nil), s.pairs[pairKey(userA, userB)]...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}
