package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"trackshield/internal/service"
	"trackshield/internal/storage/repo"
	"trackshield/pkg/domain"
)

// Request 通用请求结构
type Request struct {
	Method string          `json:"method"`
	ID     string          `json:"id,omitempty"`
	Params json.RawMessage `json:"params"`
}

// Response 通用响应结构
type Response struct {
	ID     string       `json:"id,omitempty"`
	Result any          `json:"result,omitempty"`
	Error  *ErrorObject `json:"error,omitempty"`
}

// ErrorObject 错误信息
type ErrorObject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ApiError 内部错误类型
type ApiError struct {
	Code string
	Err  error
}

func (e ApiError) withError(err error) ApiError {
	return ApiError{Code: e.Code, Err: err}
}

var (
	// ErrInvalidRequest 无效请求
	ErrInvalidRequest = ApiError{Code: "invalid_request"}
	// ErrMethodNotFound 方法不存在
	ErrMethodNotFound = ApiError{Code: "method_not_found"}
	// ErrInvalidParams 参数错误
	ErrInvalidParams = ApiError{Code: "invalid_params"}
	// ErrNoPreview 没有活动预览
	ErrNoPreview = ApiError{Code: "no_active_preview"}
	// ErrRejected 规则引擎拒绝了模式切换
	ErrRejected = ApiError{Code: "rejected"}
	// ErrInternal 内部错误
	ErrInternal = ApiError{Code: "internal"}
)

type modeParams struct {
	Mode string `json:"mode"`
}

type toggleParams struct {
	Enabled bool `json:"enabled"`
}

type siteParams struct {
	Site string `json:"site"`
}

type eventsParams struct {
	Site  string `json:"site,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Since int64  `json:"since,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type receiptResult struct {
	Site    string          `json:"site"`
	Found   bool            `json:"found"`
	Receipt *domain.Receipt `json:"receipt,omitempty"`
}

type ruleStatsResult struct {
	Total   int64            `json:"total"`
	Matched int64            `json:"matched"`
	ByRule  map[string]int64 `json:"byRule"`
}

// handleAPI 处理 JSON 方法调用
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, &Response{Error: toErrorObject(ErrInvalidRequest.withError(err))})
		return
	}
	writeJSON(w, http.StatusOK, s.dispatch(r.Context(), &req))
}

// dispatch 根据 method 分发请求
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	var (
		result any
		err    *ErrorObject
	)
	switch req.Method {
	case "settings.get":
		result, err = s.handleSettingsGet(ctx)
	case "settings.setMode":
		result, err = s.handleSetMode(ctx, req.Params)
	case "settings.setNotify":
		err = s.handleToggle(ctx, req.Params, s.svc.SetNotifyEnabled)
	case "settings.setPrompt":
		err = s.handleToggle(ctx, req.Params, s.svc.SetPromptOnNewSites)
	case "trusted.list":
		result, err = s.handleTrustedList(ctx)
	case "trusted.add":
		result, err = s.handleTrustedAdd(ctx, req.Params)
	case "trusted.remove":
		err = s.handleTrustedRemove(ctx, req.Params)
	case "events.list":
		result, err = s.handleEventsList(ctx, req.Params)
	case "events.clear":
		err = internalError(s.svc.ClearEvents(ctx))
	case "receipts.get":
		result, err = s.handleReceiptGet(ctx, req.Params)
	case "receipts.list":
		result, err = s.handleReceiptsList(ctx)
	case "stats.get":
		result, err = s.handleStatsGet(ctx)
	case "rules.list":
		result = s.svc.Rules()
	case "rules.stats":
		result = s.handleRuleStats()
	case "rules.resetStats":
		s.svc.ResetRuleStats()
		result = s.handleRuleStats()
	case "preview.end":
		err = s.handlePreviewEnd(ctx)
	case "tabs.list":
		result = s.svc.Tabs()
	default:
		err = toErrorObject(ErrMethodNotFound)
	}
	return &Response{ID: req.ID, Result: result, Error: err}
}

// toErrorObject 转换错误为响应错误对象
func toErrorObject(e ApiError) *ErrorObject {
	msg := e.Code
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &ErrorObject{Code: e.Code, Message: msg}
}

func internalError(err error) *ErrorObject {
	if err == nil {
		return nil
	}
	return toErrorObject(ErrInternal.withError(err))
}

// paramError 将参数类错误与内部错误区分开
func paramError(err error) *ErrorObject {
	if errors.Is(err, domain.ErrInvalidMode) || errors.Is(err, service.ErrInvalidSite) {
		return toErrorObject(ErrInvalidParams.withError(err))
	}
	return internalError(err)
}

func decode(params json.RawMessage, out any) *ErrorObject {
	if len(params) == 0 {
		return toErrorObject(ErrInvalidParams.withError(errors.New("params is required")))
	}
	if err := json.Unmarshal(params, out); err != nil {
		return toErrorObject(ErrInvalidParams.withError(err))
	}
	return nil
}

func (s *Server) handleSettingsGet(ctx context.Context) (any, *ErrorObject) {
	snap, err := s.svc.Status(ctx)
	if err != nil {
		return nil, internalError(err)
	}
	return snap, nil
}

func (s *Server) handleSetMode(ctx context.Context, params json.RawMessage) (any, *ErrorObject) {
	var p modeParams
	if e := decode(params, &p); e != nil {
		return nil, e
	}
	active, err := s.svc.SetMode(ctx, p.Mode)
	if errors.Is(err, domain.ErrRuleRejected) {
		return map[string]any{"mode": active}, toErrorObject(ErrRejected.withError(err))
	}
	if err != nil {
		return nil, paramError(err)
	}
	return map[string]any{"mode": active}, nil
}

func (s *Server) handleToggle(ctx context.Context, params json.RawMessage, set func(context.Context, bool) error) *ErrorObject {
	var p toggleParams
	if e := decode(params, &p); e != nil {
		return e
	}
	return internalError(set(ctx, p.Enabled))
}

func (s *Server) handleTrustedList(ctx context.Context) (any, *ErrorObject) {
	list, err := s.svc.Trusted(ctx)
	if err != nil {
		return nil, internalError(err)
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

func (s *Server) handleTrustedAdd(ctx context.Context, params json.RawMessage) (any, *ErrorObject) {
	var p siteParams
	if e := decode(params, &p); e != nil {
		return nil, e
	}
	base, err := s.svc.AddTrusted(ctx, p.Site)
	if err != nil {
		return nil, paramError(err)
	}
	return map[string]string{"site": base}, nil
}

func (s *Server) handleTrustedRemove(ctx context.Context, params json.RawMessage) *ErrorObject {
	var p siteParams
	if e := decode(params, &p); e != nil {
		return e
	}
	return paramError(s.svc.RemoveTrusted(ctx, p.Site))
}

func (s *Server) handleEventsList(ctx context.Context, params json.RawMessage) (any, *ErrorObject) {
	var p eventsParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, toErrorObject(ErrInvalidParams.withError(err))
		}
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}
	evts, err := s.svc.Events(ctx, repo.QueryOptions{Site: p.Site, Kind: p.Kind, Since: p.Since, Limit: p.Limit})
	if err != nil {
		return nil, internalError(err)
	}
	if evts == nil {
		evts = []domain.MitigationEvent{}
	}
	return evts, nil
}

func (s *Server) handleReceiptGet(ctx context.Context, params json.RawMessage) (any, *ErrorObject) {
	var p siteParams
	if e := decode(params, &p); e != nil {
		return nil, e
	}
	rec, ok, err := s.svc.Receipt(ctx, p.Site)
	if err != nil {
		return nil, paramError(err)
	}
	res := receiptResult{Site: p.Site, Found: ok}
	if ok {
		res.Receipt = &rec
	}
	return res, nil
}

func (s *Server) handleReceiptsList(ctx context.Context) (any, *ErrorObject) {
	all, err := s.svc.Receipts(ctx)
	if err != nil {
		return nil, internalError(err)
	}
	return all, nil
}

func (s *Server) handleStatsGet(ctx context.Context) (any, *ErrorObject) {
	snap, err := s.svc.Status(ctx)
	if err != nil {
		return nil, internalError(err)
	}
	return domain.StatsMessage{Type: domain.MessageStats, Mode: snap.Mode, Stats: snap.Stats}, nil
}

func (s *Server) handleRuleStats() ruleStatsResult {
	st := s.svc.RuleStats()
	res := ruleStatsResult{Total: st.Total, Matched: st.Matched, ByRule: make(map[string]int64, len(st.ByRule))}
	for id, n := range st.ByRule {
		res.ByRule[strconv.Itoa(id)] = n
	}
	return res
}

func (s *Server) handlePreviewEnd(ctx context.Context) *ErrorObject {
	err := s.svc.EndPreview(ctx)
	if errors.Is(err, domain.ErrNoActivePreview) {
		return toErrorObject(ErrNoPreview)
	}
	return internalError(err)
}
