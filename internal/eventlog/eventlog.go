// Package eventlog 构造遥测事件信封并写入事件存储
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"trackshield/internal/classifier"
	"trackshield/internal/clock"
	"trackshield/internal/location"
	"trackshield/internal/logger"
	"trackshield/internal/persist"
	"trackshield/pkg/domain"
)

// Sink 事件存储
type Sink interface {
	Record(evt domain.MitigationEvent)
}

// Log 事件日志。尽力而为：任何失败只记录日志并通过 Outcome 返回
type Log struct {
	sink      Sink
	locations *location.Cache
	clk       clock.Clock
	mode      func() domain.PrivacyMode
	log       logger.Logger
}

// New 创建事件日志，mode 返回事件发生时的隐私模式
func New(sink Sink, locations *location.Cache, clk clock.Clock, mode func() domain.PrivacyMode, l logger.Logger) *Log {
	if clk == nil {
		clk = clock.Real{}
	}
	if l == nil {
		l = logger.NewNop()
	}
	if mode == nil {
		mode = func() domain.PrivacyMode { return domain.DefaultMode }
	}
	return &Log{sink: sink, locations: locations, clk: clk, mode: mode, log: l}
}

// LogEvent 记录一个事件
func (l *Log) LogEvent(kind domain.EventKind, data any, tabID *domain.TabID) persist.Outcome {
	return persist.BestEffort(l.log, "event:"+string(kind), func() error {
		evt, err := l.Build(kind, data, tabID)
		if err != nil {
			return err
		}
		if l.sink == nil {
			return errors.New("no event sink")
		}
		l.sink.Record(evt)
		l.log.Debug("[EventLog] 事件已记录", "id", evt.ID, "kind", string(kind))
		return nil
	})
}

// Build 构造事件信封：站点优先取标签页缓存的顶层 URL，其次取 data 中的 siteBase，都没有时为 null
func (l *Log) Build(kind domain.EventKind, data any, tabID *domain.TabID) (domain.MitigationEvent, error) {
	raw, err := marshalData(data)
	if err != nil {
		return domain.MitigationEvent{}, fmt.Errorf("encode %s data: %w", kind, err)
	}

	now := l.clk.Now().UnixMilli()
	evt := domain.MitigationEvent{
		ID:     NewID(now),
		TS:     now,
		Mode:   l.mode(),
		Source: domain.EventSource,
		Kind:   kind,
		Data:   raw,
	}

	if tabID != nil {
		tab := int(*tabID)
		evt.TabID = &tab
		if l.locations != nil {
			if u, ok := l.locations.Get(*tabID); ok {
				top := u
				evt.TopLevelURL = &top
				if site := classifier.SiteOf(u); site != "" {
					evt.Site = &site
				}
			}
		}
	}
	if evt.Site == nil {
		if sb := gjson.GetBytes(raw, "siteBase"); sb.Type == gjson.String && sb.Str != "" {
			site := sb.Str
			evt.Site = &site
		}
	}
	return evt, nil
}

// NewID 生成事件 ID：毫秒时间戳加随机后缀，允许极小概率碰撞
func NewID(ts int64) string {
	return fmt.Sprintf("%d-%s", ts, uuid.NewString()[:8])
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("invalid json")
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}
