// Package location 记录每个标签页最近一次顶层导航的 URL
package location

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"trackshield/internal/classifier"
	"trackshield/pkg/domain"
)

// DefaultSize 默认容量
const DefaultSize = 512

// Cache 有界的 tabId -> URL 缓存，容量满时淘汰最久未使用的标签页
type Cache struct {
	lru *lru.Cache[domain.TabID, string]
}

// New 创建缓存
func New(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	c, err := lru.New[domain.TabID, string](size)
	if err != nil {
		// size 已保证为正数
		panic(err)
	}
	return &Cache{lru: c}
}

// Set 记录标签页的顶层 URL
func (c *Cache) Set(tab domain.TabID, url string) { c.lru.Add(tab, url) }

// Get 读取标签页的顶层 URL
func (c *Cache) Get(tab domain.TabID) (string, bool) { return c.lru.Get(tab) }

// Site 读取标签页所在站点的基础域名
func (c *Cache) Site(tab domain.TabID) (string, bool) {
	u, ok := c.lru.Get(tab)
	if !ok {
		return "", false
	}
	s := classifier.SiteOf(u)
	return s, s != ""
}

// Remove 移除标签页
func (c *Cache) Remove(tab domain.TabID) { c.lru.Remove(tab) }

// Len 当前条目数
func (c *Cache) Len() int { return c.lru.Len() }
