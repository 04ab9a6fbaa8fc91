package main

import (
	"context"
	"fmt"
	"sync"

	"trackshield/internal/cdphost"
	"trackshield/internal/hub"
	"trackshield/pkg/domain"
)

// browserHost 组合消息中心与标签页管理器，供控制器使用
type browserHost struct {
	*hub.Hub

	mu   sync.RWMutex
	tabs *cdphost.Manager
}

func (h *browserHost) setTabs(m *cdphost.Manager) {
	h.mu.Lock()
	h.tabs = m
	h.mu.Unlock()
}

// RedirectTab 在浏览器连接建立前返回 domain.ErrTabNotFound
func (h *browserHost) RedirectTab(ctx context.Context, tab domain.TabID, url string) error {
	h.mu.RLock()
	m := h.tabs
	h.mu.RUnlock()
	if m == nil {
		return fmt.Errorf("%w: %d", domain.ErrTabNotFound, tab)
	}
	return m.RedirectTab(ctx, tab, url)
}
