package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/safetrack/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// ヘルスチェックとメトリクス
	HealthChecker  HealthChecker
	Connections    ConnectionCounter
	MetricsHandler http.Handler

	// WebSocket
	WebSocket *WebSocketHandler

	// REST
	SOSService SOSService
	History    HistoryLister
	Audit      AuditLister
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → CORS
//
// /api/users/* と /api/history/* にはさらにクライアントIPごとのレート制限を適用する。SOS関連のルートは制限しない。
// /ws のイベントごとのレート制限はDispatcherが行う。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.Connections))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	if deps.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", deps.WebSocket)
	}

	sosHandler := NewSOSHandler(deps.SOSService)
	userHandler := NewUserHandler(deps.History, deps.Audit)

	// SOSアラート（レート制限の対象外）
	r.Route("/api/sos/{id}", func(r chi.Router) {
		r.Post("/media", sosHandler.AttachMedia)
		r.Post("/resolve", sosHandler.Resolve)
	})

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.HTTPMiddleware())
		}

		// 履歴と監査ログ
		r.Route("/api/users/{username}", func(r chi.Router) {
			r.Get("/history", userHandler.ListHistory)
			r.Get("/audit", userHandler.ListAudit)
		})
		r.Get("/api/history/{id}", userHandler.GetHistory)
	})

	return r
}
