// Package httpapi 提供决策页、界面使用的 JSON 接口、消息流与指标端点
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"trackshield/internal/hub"
	"trackshield/internal/logger"
	"trackshield/pkg/api"
)

// 路由
const (
	PathInterstitial = "/interstitial"
	PathDecide       = "/interstitial/decide"
	PathAPI          = "/api"
	PathStatus       = "/api/status"
	PathEvents       = "/events"
	PathMetrics      = "/metrics"
)

// Options 参数
type Options struct {
	Hub     *hub.Hub     // 可为空，为空时不提供消息流
	Metrics http.Handler // 可为空
	Logger  logger.Logger
}

// Server HTTP 接口入口
type Server struct {
	svc     api.Service
	hub     *hub.Hub
	metrics http.Handler
	log     logger.Logger
	mux     *http.ServeMux
}

// NewServer 创建 HTTP 接口服务
func NewServer(svc api.Service, opts Options) *Server {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	s := &Server{svc: svc, hub: opts.Hub, metrics: opts.Metrics, log: l.With("component", "http"), mux: http.NewServeMux()}
	s.mux.HandleFunc(PathInterstitial, s.handleInterstitial)
	s.mux.HandleFunc(PathDecide, s.handleDecide)
	s.mux.HandleFunc(PathAPI, s.handleAPI)
	s.mux.HandleFunc(PathStatus, s.handleStatus)
	if s.hub != nil {
		s.mux.HandleFunc(PathEvents, s.handleStream)
	}
	if s.metrics != nil {
		s.mux.Handle(PathMetrics, s.metrics)
	}
	return s
}

// ServeHTTP 实现 http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe 监听 addr，ctx 取消后优雅关闭
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("HTTP 服务已启动", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// handleStatus 返回状态快照
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.svc.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, api.StatusUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, api.StatusOf(snap))
}

// handleStream 以 Server-Sent Events 推送广播消息
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, cancel := s.hub.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(append(append([]byte("data: "), msg...), '\n', '\n')); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
