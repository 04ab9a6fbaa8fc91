// Package storage 提供共享键值存储：值以 JSON 文本保存，每次提交的写入都会通知订阅者
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"trackshield/internal/logger"
	"trackshield/internal/storage/repo"
	"trackshield/pkg/domain"
)

// Change 一次已提交的写入；Removed 为 true 时 Value 为空
type Change struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Removed bool            `json:"removed,omitempty"`
}

// Store 键值存储
type Store struct {
	settings *repo.SettingsRepo
	log      logger.Logger

	// rmw 串行化读-改-写类操作（受信任列表、回执）
	rmw sync.Mutex

	subMu  sync.RWMutex
	subs   map[int]*subscriber
	nextID int
}

type subscriber struct {
	ch   chan Change
	keys map[string]struct{} // 为空表示全部键
}

func (s *subscriber) wants(key string) bool {
	if len(s.keys) == 0 {
		return true
	}
	_, ok := s.keys[key]
	return ok
}

// NewStore 基于数据库创建存储
func NewStore(db *gorm.DB, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{
		settings: repo.NewSettingsRepo(db),
		log:      log.With("component", "store"),
		subs:     make(map[int]*subscriber),
	}
}

// Get 读取原始 JSON 值，键不存在时 ok 为 false
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	v, err := s.settings.Get(ctx, key)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %v", domain.ErrStoreUnavailable, key, err)
	}
	return json.RawMessage(v), true, nil
}

// GetInto 读取并解码到 out，键不存在时 ok 为 false
func (s *Store) GetInto(ctx context.Context, key string, out any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set 在一个事务中写入多个键，提交成功后通知订阅者
func (s *Store) Set(ctx context.Context, kvs map[string]any) error {
	encoded := make(map[string]string, len(kvs))
	for k, v := range kvs {
		raw, err := encode(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		encoded[k] = string(raw)
	}
	return s.setRaw(ctx, encoded)
}

func (s *Store) setRaw(ctx context.Context, encoded map[string]string) error {
	if err := s.settings.SetMultiple(ctx, encoded); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	for k, v := range encoded {
		s.publish(Change{Key: k, Value: json.RawMessage(v)})
	}
	return nil
}

// Remove 删除键并通知订阅者
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if err := s.settings.DeleteKeys(ctx, keys...); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	for _, k := range keys {
		s.publish(Change{Key: k, Removed: true})
	}
	return nil
}

// Subscribe 订阅变更，返回只读通道与取消函数。指定 keys 时只投递这些键的变更，
// 订阅者消费过慢时变更会被丢弃并记录警告
func (s *Store) Subscribe(buffer int, keys ...string) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Change, buffer)}
	if len(keys) > 0 {
		sub.keys = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			sub.keys[k] = struct{}{}
		}
	}

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.subMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(sub.ch)
		})
	}
}

func (s *Store) publish(c Change) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for id, sub := range s.subs {
		if !sub.wants(c.Key) {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			s.log.Warn("订阅者队列已满，丢弃变更", "subscriber", id, "key", c.Key)
		}
	}
}

func encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case json.RawMessage:
		if !json.Valid(t) {
			return nil, errors.New("invalid json")
		}
		return t, nil
	default:
		return json.Marshal(v)
	}
}
