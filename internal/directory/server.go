package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nao1215/sitealert/pkg/logger"
	"github.com/nao1215/sitealert/pkg/middleware"
)

// ServerOptions はディレクトリサーバーの設定。
type ServerOptions struct {
	Port        string
	JWTSecret   string
	CORSOrigins []string
	// DevAuthEnabled は開発用トークン発行を有効にするか。本番環境では無効にする。
	DevAuthEnabled bool
	Registry       *prometheus.Registry
}

// Server はディレクトリサービスのHTTPサーバー。
type Server struct {
	router    *gin.Engine
	port      string
	store     *Store
	auditor   Auditor
	jwtSecret string
}

// NewServer はディレクトリサーバーを生成する。auditorはnil可。
func NewServer(opts ServerOptions, store *Store, auditor Auditor) *Server {
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger("/health", "/metrics"))
	router.Use(middleware.NewHTTPMetrics(opts.Registry, "directory").Middleware())
	router.Use(middleware.CORS(opts.CORSOrigins))

	s := &Server{
		router:    router,
		port:      opts.Port,
		store:     store,
		auditor:   auditor,
		jwtSecret: opts.JWTSecret,
	}
	s.setupRoutes(opts)
	return s
}

// Handler はルーターを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされたらグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           otelhttp.NewHandler(s.router, "directory"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.From(ctx).Info("HTTPサーバーを起動します", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(opts ServerOptions) {
	if opts.DevAuthEnabled {
		auth := s.router.Group("/auth")
		{
			// 開発用トークン発行
			auth.POST("/dev-token", s.handleDevToken())
		}
	}

	api := s.router.Group("/api/v1")
	authed := api.Group("")
	authed.Use(middleware.JWTAuth(s.jwtSecret))
	{
		authed.GET("/me", s.handleGetCurrentUser())
	}

	// 内部API。通知サービスからの検索と運用時のユーザー管理に使う。
	internal := api.Group("/internal")
	{
		internal.GET("/users", s.handleFindUsers())
		internal.POST("/users", s.handleCreateUser())
		internal.PUT("/users/:id/active", s.handleSetActive())
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "directory"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
}

// devTokenRequest は開発用トークン発行リクエスト。
type devTokenRequest struct {
	Email       string `json:"email" binding:"required,email"`
	DisplayName string `json:"display_name" binding:"max=100"`
	Role        string `json:"role" binding:"required,oneof=admin client site_manager civil_engineer safety_officer builder architect"`
}

// handleDevToken は開発用JWTトークンを発行するハンドラを返す。
// メールアドレスでユーザーを探し、無ければ作成する。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req devTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		ctx := c.Request.Context()
		u, created, err := s.store.UpsertDevUser(ctx, req.Email, req.DisplayName, req.Role)
		if err != nil {
			logger.From(ctx).Error("開発ユーザーの作成に失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー作成に失敗しました"})
			return
		}
		if !u.Active {
			c.JSON(http.StatusForbidden, gin.H{"error": "無効化されたユーザーです"})
			return
		}
		if created {
			s.audit(ctx, u)
		}

		token, err := middleware.GenerateJWT(s.jwtSecret, u.ID, u.Email, u.Role)
		if err != nil {
			logger.From(ctx).Error("JWTの生成に失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":   token,
			"user_id": u.ID,
			"role":    u.Role,
		})
	}
}

// handleGetCurrentUser は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleGetCurrentUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := s.store.Get(c.Request.Context(), middleware.GetUserID(c))
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			logger.From(c.Request.Context()).Error("ユーザーの取得に失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, u)
	}
}

// handleFindUsers は役割でユーザーを検索するハンドラを返す。
// rolesはカンマ区切り。activeを省略した場合は有効なユーザーのみ返す。
func (s *Server) handleFindUsers() gin.HandlerFunc {
	return func(c *gin.Context) {
		var roles []string
		for _, r := range strings.Split(c.Query("roles"), ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
		if len(roles) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "rolesを指定してください"})
			return
		}
		activeOnly := c.DefaultQuery("active", "true") != "false"

		users, err := s.store.FindByRoles(c.Request.Context(), roles, activeOnly)
		if err != nil {
			logger.From(c.Request.Context()).Error("ユーザーの検索に失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの検索に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, users)
	}
}

// createUserRequest はユーザー登録リクエスト。activeを省略した場合は有効とする。
type createUserRequest struct {
	Email       string `json:"email" binding:"required,email"`
	DisplayName string `json:"display_name" binding:"max=100"`
	Role        string `json:"role" binding:"required,oneof=admin client site_manager civil_engineer safety_officer builder architect"`
	Active      *bool  `json:"active"`
}

// handleCreateUser はユーザーを登録するハンドラを返す。
func (s *Server) handleCreateUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		u := &User{Email: req.Email, DisplayName: req.DisplayName, Role: req.Role, Active: true}
		if req.Active != nil {
			u.Active = *req.Active
		}

		ctx := c.Request.Context()
		if err := s.store.Create(ctx, u); err != nil {
			if errors.Is(err, ErrEmailTaken) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			logger.From(ctx).Error("ユーザーの登録に失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの登録に失敗しました"})
			return
		}
		s.audit(ctx, u)
		c.JSON(http.StatusCreated, u)
	}
}

// setActiveRequest は有効フラグの更新リクエスト。
type setActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// handleSetActive はユーザーの有効フラグを更新するハンドラを返す。
func (s *Server) handleSetActive() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req setActiveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		u, err := s.store.SetActive(c.Request.Context(), c.Param("id"), *req.Active)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			logger.From(c.Request.Context()).Error("有効フラグの更新に失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "有効フラグの更新に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, u)
	}
}

// audit はユーザー登録イベントを記録する。失敗してもリクエストは成功させる。
func (s *Server) audit(ctx context.Context, u *User) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.UserRegistered(ctx, u); err != nil {
		logger.From(ctx).Warn("監査イベントの記録に失敗しました",
			slog.String("user_id", u.ID), slog.String("error", err.Error()))
	}
}
