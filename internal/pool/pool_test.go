package pool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackshield/internal/pool"
)

func TestPool_Basic(t *testing.T) {
	p := pool.New(2, 50, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	var count int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.True(t, p.Submit(func() {
			atomic.AddInt32(&count, 1)
			wg.Done()
		}), "任务 %d 提交失败", i)
	}
	wg.Wait()
	assert.Equal(t, int32(20), atomic.LoadInt32(&count))
	assert.Equal(t, int64(20), p.Stats().Submitted)
}

func TestPool_ConcurrencyLimit(t *testing.T) {
	const size = 3
	p := pool.New(size, 20, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var active, maxActive int32
	var wg sync.WaitGroup
	block := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			cur := atomic.AddInt32(&active, 1)
			for {
				prev := atomic.LoadInt32(&maxActive)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
					break
				}
			}
			<-block
			atomic.AddInt32(&active, -1)
		})
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(size), atomic.LoadInt32(&maxActive))
	close(block)
	wg.Wait()
}

// 队列满时 Do 在调用方协程中执行，任务不会丢失
func TestPool_DoRunsInlineWhenFull(t *testing.T) {
	p := pool.New(1, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	block := make(chan struct{})
	defer close(block)

	require.True(t, p.Submit(func() { <-block }))
	require.Eventually(t, func() bool { return p.Stats().QueueLen == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, p.Submit(func() { <-block }))
	assert.False(t, p.Submit(func() {}), "队列已满")

	ran := false
	p.Do(func() { ran = true })
	assert.True(t, ran, "Do 应在当前协程执行")

	s := p.Stats()
	assert.Equal(t, int64(4), s.Submitted)
	assert.Equal(t, int64(1), s.Inline)
}

func TestPool_Unbounded(t *testing.T) {
	p := pool.New(0, 0, nil)
	assert.False(t, p.IsBounded())

	var count int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		p.Do(func() {
			atomic.AddInt32(&count, 1)
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, int32(50), atomic.LoadInt32(&count))
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	p := pool.New(1, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	done := make(chan struct{})
	p.Submit(func() { panic("boom") })
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panic 之后 worker 应继续处理任务")
	}
}

func TestPool_StopHaltsWorkers(t *testing.T) {
	p := pool.New(2, 10, nil)
	p.Start(context.Background())
	p.Stop()
	p.Stop()
	time.Sleep(50 * time.Millisecond)

	ran := make(chan struct{})
	p.Submit(func() { close(ran) })
	select {
	case <-ran:
		t.Error("Stop 之后任务不应被执行")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPool_MonitorStopsWithContext(t *testing.T) {
	p := pool.New(1, 1, nil)
	p.SetMonitorInterval(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		p.Do(wg.Done)
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	cancel()

	s := p.Stats()
	assert.Equal(t, int64(5), s.Submitted)
	assert.Equal(t, 1, s.QueueCap)
}
