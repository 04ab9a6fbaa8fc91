// Package hub 保存徽标文本并把控制器广播的消息分发给界面订阅者
package hub

import (
	"encoding/json"
	"sync"

	"trackshield/internal/logger"
)

// MessageNotification 桌面通知消息类型
const MessageNotification = "notification"

// Notification 通知消息
type Notification struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// BadgeMessage 徽标变化消息
type BadgeMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Hub 消息中心。订阅者跟不上时丢弃消息，发送方不会阻塞
type Hub struct {
	log logger.Logger

	mu     sync.RWMutex
	badge  string
	subs   map[int]chan []byte
	nextID int
}

// New 创建消息中心
func New(l logger.Logger) *Hub {
	if l == nil {
		l = logger.NewNop()
	}
	return &Hub{log: l.With("component", "hub"), subs: make(map[int]chan []byte)}
}

// SetBadgeText 更新徽标，文本变化时广播
func (h *Hub) SetBadgeText(text string) {
	h.mu.Lock()
	changed := h.badge != text
	h.badge = text
	h.mu.Unlock()
	if changed {
		h.Broadcast(BadgeMessage{Type: "badge", Text: text})
	}
}

// Badge 当前徽标文本
func (h *Hub) Badge() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.badge
}

// Broadcast 向所有订阅者发送消息，没有订阅者时直接丢弃
func (h *Hub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Err(err, "广播消息编码失败")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- data:
		default:
			h.log.Warn("订阅者缓冲已满，丢弃消息", "subscriber", id)
		}
	}
}

// Notify 记录并广播一条通知
func (h *Hub) Notify(title, message string) {
	h.log.Info("通知", "title", title, "message", message)
	h.Broadcast(Notification{Type: MessageNotification, Title: title, Message: message})
}

// Subscribe 订阅消息，返回的函数用于取消订阅
func (h *Hub) Subscribe(buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan []byte, buffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}
