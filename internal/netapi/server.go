// Package netapi salt-api 的 HTTP 入口：lowstate 请求交给 LocalClient，结果按 salt 的格式返回。
package netapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"saltapi/internal/client"
	"saltapi/internal/jobcache"
	saltlog "saltapi/internal/log"
	"saltapi/pkg/model"
)

// Dispatcher 下发命令，*client.LocalClient 实现了它
type Dispatcher interface {
	Cmd(ctx context.Context, req client.CmdRequest) (*client.Result, error)
}

// NodeLister 列出已注册的 minion
type NodeLister interface {
	ListNodes(ctx context.Context) ([]*model.Node, error)
}

// JobCache 任务缓存，为空时 /jobs 不可用
type JobCache interface {
	SaveJob(ctx context.Context, job *model.Job, user string) error
	SaveResult(ctx context.Context, jid string, returns map[string]any) error
	ListJobs(ctx context.Context, limit int) ([]*jobcache.Job, error)
	GetJob(ctx context.Context, jid string) (*jobcache.Job, error)
}

// Config HTTP 服务配置
type Config struct {
	Listen      string
	CORSOrigins []string
}

type Server struct {
	config     Config
	dispatcher Dispatcher
	nodes      NodeLister
	cache      JobCache
	logger     *slog.Logger
	server     *http.Server
}

func New(config Config, dispatcher Dispatcher, nodes NodeLister, cache JobCache, logger *slog.Logger) *Server {
	return &Server{
		config:     config,
		dispatcher: dispatcher,
		nodes:      nodes,
		cache:      cache,
		logger:     saltlog.WithComponent(logger, "netapi"),
	}
}

// Run 阻塞直到 ctx 结束或者监听失败
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("salt-api starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("salt-api shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler 路由 + 中间件，配置了 cors_origin 时再包一层 CORS
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Post("/", s.handleLowstate)
	r.Get("/minions", s.handleMinions)
	r.Get("/minions/{mid}", s.handleMinions)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{jid}", s.handleGetJob)

	if len(s.config.CORSOrigins) == 0 {
		return r
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
