package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nao1215/sitealert/pkg/event"
	"github.com/nao1215/sitealert/pkg/logger"
	"github.com/nao1215/sitealert/pkg/middleware"
)

// ServerOptions は通知サーバーの設定。
type ServerOptions struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret はJWT検証用のシークレット。
	JWTSecret string
	// CORSOrigins はCORSで許可するオリジン。
	CORSOrigins []string
	// Registry は指標の登録先。/metricsで公開する。nilなら新規に作成する。
	Registry *prometheus.Registry
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	router     *gin.Engine
	port       string
	ledger     *Ledger
	prefs      *PreferenceStore
	dispatcher Triggerer
	hub        *Hub
}

// NewServer は通知サーバーを生成し、ルーティングを設定する。
// hubがnilの場合はWebSocketエンドポイントを公開しない。
func NewServer(opts ServerOptions, ledger *Ledger, prefs *PreferenceStore, dispatcher Triggerer, hub *Hub) *Server {
	registerValidators()
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger("/health", "/metrics"))
	router.Use(middleware.NewHTTPMetrics(opts.Registry, "notification").Middleware())
	router.Use(middleware.CORS(opts.CORSOrigins))

	s := &Server{
		router:     router,
		port:       opts.Port,
		ledger:     ledger,
		prefs:      prefs,
		dispatcher: dispatcher,
		hub:        hub,
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
		Handler:           otelhttp.NewHandler(s.router, "notification"),
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

	if s.hub != nil {
		s.hub.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(opts ServerOptions) {
	api := s.router.Group("/api/v1")

	notifications := api.Group("/notifications")
	notifications.Use(middleware.JWTAuth(opts.JWTSecret))
	{
		// 通知一覧取得
		notifications.GET("", s.handleList())
		// 未読通知一覧取得
		notifications.GET("/unread", s.handleListUnread())
		// 未読件数
		notifications.GET("/unread-count", s.handleUnreadCount())
		// 通知を既読にする
		notifications.PUT("/:id/read", s.handleMarkAsRead())
		// 全通知を既読にする
		notifications.PUT("/read-all", s.handleMarkAllAsRead())
		// 配信設定
		notifications.GET("/preferences", s.handleGetPreferences())
		notifications.PUT("/preferences", s.handlePutPreferences())
		// 運用確認用のテスト発火（管理者のみ）
		notifications.POST("/test", middleware.RequireRole(string(RoleAdmin)), s.handleTestTrigger())
		// リアルタイム通知
		if s.hub != nil {
			notifications.GET("/ws", s.handleWebSocket())
		}
	}

	// 内部API。信頼されたサービスからのイベント発火を受け付ける。
	internal := api.Group("/internal")
	{
		internal.POST("/trigger", s.handleTrigger())
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
}

// listQuery は通知一覧のクエリパラメータ。
type listQuery struct {
	// Limit は取得件数。上限を超える値は上限に丸める。
	Limit int `form:"limit" binding:"omitempty,min=1"`
	// Unread が true の場合は未読のみ返す。
	Unread bool `form:"unread"`
}

// handleList は認証済みユーザーの通知一覧を新しい順に返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		var q listQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("クエリパラメータが不正です: %v", err)})
			return
		}
		s.respondList(c, ListOptions{Limit: q.Limit, UnreadOnly: q.Unread})
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.respondList(c, ListOptions{UnreadOnly: true})
	}
}

func (s *Server) respondList(c *gin.Context, opts ListOptions) {
	userID := middleware.GetUserID(c)
	list, err := s.ledger.ListByRecipient(c.Request.Context(), userID, opts)
	if err != nil {
		logger.From(c.Request.Context()).Error("通知一覧の取得に失敗しました", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
		return
	}
	c.JSON(http.StatusOK, list)
}

// handleUnreadCount は未読件数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.ledger.CountUnread(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			logger.From(c.Request.Context()).Error("未読件数の取得に失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読件数の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": n})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 既読の通知に対しても成功を返す。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := middleware.GetUserID(c)
		id := c.Param("id")

		// 通知の存在確認と所有者チェック
		n, err := s.ledger.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}
		if err != nil {
			logger.From(ctx).Error("通知の取得に失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
			return
		}
		if n.RecipientID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
			return
		}

		updated, err := s.ledger.MarkRead(ctx, id)
		if err != nil {
			logger.From(ctx).Error("通知の既読処理に失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.ledger.MarkAllRead(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			logger.From(c.Request.Context()).Error("全通知の既読処理に失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": n})
	}
}

// handleGetPreferences は認証済みユーザーの配信設定一覧を返すハンドラ。
func (s *Server) handleGetPreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		prefs, err := s.prefs.List(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			logger.From(c.Request.Context()).Error("配信設定の取得に失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "配信設定の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"preferences": prefs})
	}
}

// preferencesRequest は配信設定の全置換リクエスト。
type preferencesRequest struct {
	Preferences []Preference `json:"preferences" binding:"required,dive"`
}

// handlePutPreferences は認証済みユーザーの配信設定を全置換するハンドラ。
func (s *Server) handlePutPreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req preferencesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		ctx := c.Request.Context()
		userID := middleware.GetUserID(c)
		if err := s.prefs.Set(ctx, userID, req.Preferences); err != nil {
			if errors.Is(err, ErrInvalidPreference) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			logger.From(ctx).Error("配信設定の保存に失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "配信設定の保存に失敗しました"})
			return
		}

		prefs, err := s.prefs.List(ctx, userID)
		if err != nil {
			logger.From(ctx).Error("配信設定の取得に失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "配信設定の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"preferences": prefs})
	}
}

// triggerRequest はイベント発火リクエスト。
// 内部APIでは未知のイベント種別も受け付け、受信者なしとして扱う。
type triggerRequest struct {
	EventType string         `json:"event_type" binding:"required"`
	Title     string         `json:"title" binding:"max=200"`
	Message   string         `json:"message" binding:"max=4000"`
	Priority  string         `json:"priority" binding:"omitempty,priority"`
	Metadata  map[string]any `json:"metadata"`
}

// testTriggerRequest はテスト発火リクエスト。既知のイベント種別のみ受け付ける。
type testTriggerRequest struct {
	EventType string `json:"event_type" binding:"required,event_type"`
	Title     string `json:"title" binding:"max=200"`
	Message   string `json:"message" binding:"max=4000"`
	Priority  string `json:"priority" binding:"omitempty,priority"`
}

// handleTrigger は内部APIからのイベント発火を受け付けるハンドラ。
func (s *Server) handleTrigger() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req triggerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		s.trigger(c, req.EventType, event.Payload{
			Title:    req.Title,
			Message:  req.Message,
			Priority: event.Priority(req.Priority),
			Metadata: req.Metadata,
		})
	}
}

// handleTestTrigger は管理者による運用確認用のイベント発火ハンドラ。
// 発火した管理者のIDをメタデータに残す。
func (s *Server) handleTestTrigger() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req testTriggerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		s.trigger(c, req.EventType, event.Payload{
			Title:    req.Title,
			Message:  req.Message,
			Priority: event.Priority(req.Priority),
			Metadata: map[string]any{"test": true, "triggered_by": middleware.GetUserID(c)},
		})
	}
}

func (s *Server) trigger(c *gin.Context, eventType string, payload event.Payload) {
	summary, err := s.dispatcher.Trigger(c.Request.Context(), eventType, payload)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "受信者の解決に失敗しました"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handleWebSocket は認証済みユーザーのWebSocket接続を受け付けるハンドラ。
func (s *Server) handleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.hub.Serve(c.Writer, c.Request, middleware.GetUserID(c)); err != nil {
			// Upgraderがエラーレスポンスを書き込み済み
			logger.From(c.Request.Context()).Warn("WebSocket接続に失敗しました", slog.String("error", err.Error()))
		}
	}
}
