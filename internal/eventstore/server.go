package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nao1215/sitealert/pkg/event"
	"github.com/nao1215/sitealert/pkg/logger"
	"github.com/nao1215/sitealert/pkg/middleware"
)

// Server はイベントストアサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port     string
	store    *Store
	registry *prometheus.Registry
	appended *prometheus.CounterVec
}

// NewServer は新しいイベントストアサーバーを生成する。regがnilの場合は専用のレジストリを作る。
func NewServer(port string, store *Store, reg *prometheus.Registry) *Server {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger("/health", "/metrics"))
	router.Use(middleware.NewHTTPMetrics(reg, "eventstore").Middleware())

	s := &Server{
		router:   router,
		port:     port,
		store:    store,
		registry: reg,
		appended: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitealert",
			Subsystem: "eventstore",
			Name:      "events_appended_total",
			Help:      "追記されたイベント数",
		}, []string{"event_type"}),
	}
	s.setupRoutes()
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
		Handler:           otelhttp.NewHandler(s.router, "eventstore"),
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
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		events := api.Group("/events")
		{
			// イベントの追記
			events.POST("", s.handleAppendEvent())
			// 全イベント取得
			events.GET("", s.handleGetAllEvents())
			// AggregateIDによるイベント取得
			events.GET("/aggregate/:aggregate_id", s.handleGetEventsByAggregateID())
			// イベントタイプによるイベント取得
			events.GET("/type/:event_type", s.handleGetEventsByType())
			// 日時指定によるイベント取得（クエリパラメータ: since）
			events.GET("/since", s.handleGetEventsSince())
			// AggregateIDの最新バージョン取得
			events.GET("/aggregate/:aggregate_id/version", s.handleGetLatestVersion())
		}
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "eventstore"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
}

// appendEventRequest はイベント追記リクエスト。versionを省略すると次の連番を割り当てる。
type appendEventRequest struct {
	ID            string          `json:"id" binding:"omitempty,uuid"`
	AggregateID   string          `json:"aggregate_id" binding:"required"`
	AggregateType string          `json:"aggregate_type" binding:"required"`
	EventType     string          `json:"event_type" binding:"required"`
	Data          json.RawMessage `json:"data" binding:"required"`
	Version       int64           `json:"version" binding:"min=0"`
}

// handleAppendEvent はイベントの追記を処理するハンドラを返す。
func (s *Server) handleAppendEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req appendEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		e := &event.Envelope{
			ID:            req.ID,
			AggregateID:   req.AggregateID,
			AggregateType: event.AggregateType(req.AggregateType),
			EventType:     event.RecordType(req.EventType),
			Data:          req.Data,
			Version:       req.Version,
		}
		ctx := c.Request.Context()
		if err := s.store.Append(ctx, e); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			logger.From(ctx).Error("イベントの追記に失敗しました",
				slog.String("aggregate_id", req.AggregateID), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの追記に失敗しました"})
			return
		}

		s.appended.WithLabelValues(req.EventType).Inc()
		c.JSON(http.StatusCreated, e)
	}
}

// handleGetAllEvents は全イベントを返すハンドラを返す。
func (s *Server) handleGetAllEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.respond(c, func(ctx context.Context) ([]event.Envelope, error) {
			return s.store.All(ctx)
		})
	}
}

// handleGetEventsByAggregateID はAggregateIDによるイベント取得を処理するハンドラを返す。
func (s *Server) handleGetEventsByAggregateID() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.respond(c, func(ctx context.Context) ([]event.Envelope, error) {
			return s.store.ByAggregate(ctx, c.Param("aggregate_id"))
		})
	}
}

// handleGetEventsByType はイベントタイプによるイベント取得を処理するハンドラを返す。
func (s *Server) handleGetEventsByType() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.respond(c, func(ctx context.Context) ([]event.Envelope, error) {
			return s.store.ByType(ctx, c.Param("event_type"))
		})
	}
}

// handleGetEventsSince は日時指定によるイベント取得を処理するハンドラを返す。
// sinceはRFC3339形式。
func (s *Server) handleGetEventsSince() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Query("since")
		if raw == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sinceを指定してください"})
			return
		}
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sinceはRFC3339形式で指定してください"})
			return
		}
		s.respond(c, func(ctx context.Context) ([]event.Envelope, error) {
			return s.store.Since(ctx, since)
		})
	}
}

// handleGetLatestVersion はAggregateIDの最新バージョン取得を処理するハンドラを返す。
func (s *Server) handleGetLatestVersion() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("aggregate_id")
		v, err := s.store.LatestVersion(c.Request.Context(), id)
		if err != nil {
			logger.From(c.Request.Context()).Error("最新バージョンの取得に失敗しました", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "最新バージョンの取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"aggregate_id": id, "version": v})
	}
}

func (s *Server) respond(c *gin.Context, fetch func(context.Context) ([]event.Envelope, error)) {
	events, err := fetch(c.Request.Context())
	if err != nil {
		logger.From(c.Request.Context()).Error("イベントの取得に失敗しました", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの取得に失敗しました"})
		return
	}
	c.JSON(http.StatusOK, events)
}
