package cdphost

import (
	"context"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
)

const actionTimeout = time.Second

// enableFetch 在请求阶段暂停所有请求
func enableFetch(ctx context.Context, client *cdp.Client) error {
	p := "*"
	return client.Fetch.Enable(ctx, &fetch.EnableArgs{
		Patterns: []fetch.RequestPattern{{URLPattern: &p, RequestStage: fetch.RequestStageRequest}},
	})
}

// consume 读取暂停事件并交给工作池处理，队列满时就地处理
func (m *Manager) consume(s *session) {
	rp, err := s.client.Fetch.RequestPaused(s.ctx)
	if err != nil {
		m.log.Err(err, "订阅暂停事件失败", "tab", int(s.info.TabID))
		return
	}
	defer rp.Close()

	act := fetchActions{client: s.client}
	for {
		ev, err := rp.Recv()
		if err != nil {
			if s.ctx.Err() == nil {
				m.log.Err(err, "接收暂停事件失败", "tab", int(s.info.TabID))
			}
			return
		}
		p := ToPaused(ev, s.info.TargetID)
		m.log.Debug("[Interceptor] 请求暂停", "tab", int(s.info.TabID), "type", p.ResourceType, "url", p.URL)

		task := func() { m.dispatcher.Handle(s.ctx, s.info.TabID, p, act) }
		if m.pool == nil {
			go task()
			continue
		}
		m.pool.Do(task)
	}
}

// fetchActions 基于 Fetch 域的处置实现
type fetchActions struct {
	client *cdp.Client
}

func (a fetchActions) Continue(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	return a.client.Fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: fetch.RequestID(id)})
}

func (a fetchActions) Fail(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	return a.client.Fetch.FailRequest(ctx, &fetch.FailRequestArgs{
		RequestID:   fetch.RequestID(id),
		ErrorReason: network.ErrorReasonBlockedByClient,
	})
}

func (a fetchActions) Redirect(ctx context.Context, id, location string) error {
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	return a.client.Fetch.FulfillRequest(ctx, &fetch.FulfillRequestArgs{
		RequestID:    fetch.RequestID(id),
		ResponseCode: 302,
		ResponseHeaders: []fetch.HeaderEntry{
			{Name: "Location", Value: location},
			{Name: "Cache-Control", Value: "no-store"},
		},
	})
}
