package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"AgentPay-Chain/internal/audit"
	"AgentPay-Chain/internal/auth"
	"AgentPay-Chain/internal/orchestrator"
	"AgentPay-Chain/internal/task"
	"AgentPay-Chain/internal/workflow"
	"AgentPay-Chain/pkg/logger"
)

// RunExecutor 是同步运行接口依赖的编排能力。
type RunExecutor interface {
	Execute(ctx context.Context, input workflow.Input, opts ...orchestrator.ExecuteOption) (*workflow.RunResult, error)
	AuditTrail(ctx context.Context, runID string, limit int) ([]audit.Event, error)
}

// TaskService 是异步任务接口依赖的能力。
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// HTTPObserver 记录请求指标。
type HTTPObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

var (
	_ RunExecutor = (*orchestrator.Orchestrator)(nil)
	_ TaskService = (*task.Service)(nil)
)

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	runs            RunExecutor
	tasks           TaskService
	metrics         http.Handler
	observer        HTTPObserver
	auth            *auth.Service
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithTasks 启用异步任务接口。
func WithTasks(svc TaskService) Option {
	return func(s *Server) { s.tasks = svc }
}

// WithMetrics 在 /metrics 暴露指标，并用 observer 记录每个请求。
func WithMetrics(handler http.Handler, observer HTTPObserver) Option {
	return func(s *Server) {
		s.metrics = handler
		s.observer = observer
	}
}

// WithAuth 为 /api 路由启用 API Key 认证，/healthz 与 /metrics 保持公开。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runs RunExecutor, opts ...Option) *Server {
	s := &Server{addr: addr, runs: runs, shutdownTimeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	return s
}

// Handler 返回挂载了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/runs", "/api/v1/runs", s.handleCreateRun)
	s.route(mux, "GET /api/v1/runs/{id}/audit", "/api/v1/runs/{id}/audit", s.handleRunAudit)
	s.route(mux, "POST /api/v1/tasks", "/api/v1/tasks", s.handleCreateTask)
	s.route(mux, "GET /api/v1/tasks", "/api/v1/tasks", s.handleListTasks)
	s.route(mux, "GET /api/v1/tasks/stats", "/api/v1/tasks/stats", s.handleTaskStats)
	s.route(mux, "GET /api/v1/tasks/{id}", "/api/v1/tasks/{id}", s.handleTaskDetail)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	var handler http.Handler = mux
	if s.auth != nil {
		handler = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: auth.DefaultPermissions(),
			Public:              map[string]bool{"/healthz": true, "/metrics": true},
			WriteError:          writeError,
		})(mux)
	}
	return recoverPanics(s.logger, handler)
}

// Start 启动 HTTP 服务，直到 ctx 取消或监听出错。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, handler http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(name, handler))
}

func (s *Server) instrument(name string, next http.Handler) http.Handler {
	if s.observer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.observer.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func recoverPanics(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				log.Error("请求处理发生 panic", slog.Any("panic", v), slog.String("path", r.URL.Path))
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{Code: "INTERNAL", Message: "内部错误"}})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
