// Package pool 处理被暂停请求的并发工作池
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trackshield/internal/logger"
)

// DefaultMonitorInterval 状态日志的默认间隔
const DefaultMonitorInterval = 30 * time.Second

// Stats 工作池统计
type Stats struct {
	QueueLen  int   `json:"queueLen"`
	QueueCap  int   `json:"queueCap"`
	Submitted int64 `json:"submitted"`
	Inline    int64 `json:"inline"` // 队列已满时由调用方协程直接执行的任务数
}

// Pool 固定数量 worker 的工作池。队列满时任务不丢弃，而是在调用方协程中执行，
// 保证每个被暂停的请求都会得到处理
type Pool struct {
	size     int
	queue    chan func()
	log      logger.Logger
	interval time.Duration

	mu        sync.Mutex
	submitted int64
	inline    int64

	stopOnce sync.Once
	stop     chan struct{}
}

// New 创建工作池。size<=0 时不限制并发，每个任务单独起协程；queueCap<=0 时取 size*8
func New(size, queueCap int, l logger.Logger) *Pool {
	if l == nil {
		l = logger.NewNop()
	}
	p := &Pool{size: size, log: l.With("component", "pool"), interval: DefaultMonitorInterval, stop: make(chan struct{})}
	if size <= 0 {
		return p
	}
	if queueCap <= 0 {
		queueCap = size * 8
	}
	p.queue = make(chan func(), queueCap)
	return p
}

// SetMonitorInterval 设置状态日志间隔，<=0 表示关闭
func (p *Pool) SetMonitorInterval(d time.Duration) { p.interval = d }

// Start 启动 worker 与状态日志协程，ctx 取消或 Stop 后全部退出
func (p *Pool) Start(ctx context.Context) {
	if p.queue == nil {
		return
	}
	for i := 0; i < p.size; i++ {
		go p.worker(ctx)
	}
	if p.interval > 0 {
		go p.monitor(ctx)
	}
}

// Stop 停止 worker，已排队但未执行的任务被放弃
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case fn := <-p.queue:
			p.run(fn)
		}
	}
}

func (p *Pool) monitor(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			s := p.Stats()
			if s.Submitted == 0 {
				continue
			}
			p.log.Info("工作池状态", "queueLen", s.QueueLen, "queueCap", s.QueueCap,
				"submitted", s.Submitted, "inline", s.Inline,
				"inlineRate", fmt.Sprintf("%.2f%%", float64(s.Inline)/float64(s.Submitted)*100))
		}
	}
}

// Submit 将任务放入队列，队列已满返回 false 且不执行任务
func (p *Pool) Submit(fn func()) bool {
	if fn == nil {
		return true
	}
	p.mu.Lock()
	p.submitted++
	p.mu.Unlock()
	if p.queue == nil {
		go p.run(fn)
		return true
	}
	select {
	case p.queue <- fn:
		return true
	default:
		return false
	}
}

// Do 提交任务，队列已满时在当前协程中执行
func (p *Pool) Do(fn func()) {
	if p.Submit(fn) {
		return
	}
	p.mu.Lock()
	p.inline++
	n := p.inline
	p.mu.Unlock()
	p.log.Warn("工作池队列已满，任务就地执行", "queueCap", cap(p.queue), "inline", n)
	p.run(fn)
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("工作池任务 panic", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// Stats 返回统计信息
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{QueueLen: len(p.queue), QueueCap: cap(p.queue), Submitted: p.submitted, Inline: p.inline}
}

// IsBounded 是否限制了并发
func (p *Pool) IsBounded() bool { return p.queue != nil }
