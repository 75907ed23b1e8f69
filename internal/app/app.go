package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/safetrack/internal/audit"
	"github.com/hitoshi/safetrack/internal/config"
	"github.com/hitoshi/safetrack/internal/database"
	"github.com/hitoshi/safetrack/internal/escalation"
	"github.com/hitoshi/safetrack/internal/graph"
	"github.com/hitoshi/safetrack/internal/handler"
	"github.com/hitoshi/safetrack/internal/logger"
	"github.com/hitoshi/safetrack/internal/metrics"
	"github.com/hitoshi/safetrack/internal/middleware"
	"github.com/hitoshi/safetrack/internal/otp"
	"github.com/hitoshi/safetrack/internal/prediction"
	"github.com/hitoshi/safetrack/internal/presence"
	"github.com/hitoshi/safetrack/internal/repository"
	"github.com/hitoshi/safetrack/internal/retry"
	"github.com/hitoshi/safetrack/internal/security"
	"github.com/hitoshi/safetrack/internal/sharing"
	"github.com/hitoshi/safetrack/internal/sos"
	"github.com/hitoshi/safetrack/internal/worker/cleanup"
	"github.com/hitoshi/safetrack/internal/worker/expiry"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップ
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.Bool("prediction_enabled", cfg.PredictionEnabled()),
		slog.Bool("email_enabled", cfg.EmailEnabled()),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(context.Background(), db, 5*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーとバックグラウンドジョブを起動する。
// 位置共有セッションとSOSアラートはこのプロセスのメモリ上にあるため、
// OTP期限切れの監視と保留セッションの再永続化もこのプロセスで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	base := slog.Default()

	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	friendRepo := repository.NewPostgresFriendRepo(db)
	historyRepo := repository.NewPostgresHistoryRepo(db)
	alertRepo := repository.NewPostgresAlertRepo(db)
	auditRepo := repository.NewPostgresAuditRepo(db)

	// 4. 監査ログ（非同期書き込み）
	recorder := audit.NewRecorder(auditRepo, cfg.AuditQueueSize, collector, logger.Component(base, "audit"))
	auditDone := make(chan struct{})
	go func() {
		recorder.Run(ctx)
		close(auditDone)
	}()

	// 5. 友人関係とプレゼンス
	friends := graph.NewCachingGateway(graph.NewRepositoryGateway(friendRepo), cfg.FriendsCacheTTL)
	presenceRegistry := presence.NewRegistry(
		logger.Component(base, "presence"),
		presence.WithFanoutConcurrency(cfg.FanoutConcurrency),
		presence.WithMetrics(collector),
	)

	// 6. 経路予測
	guard := security.NewOutboundGuard(false)
	var forecaster prediction.Forecaster = prediction.UnavailableForecaster{}
	if cfg.PredictionEnabled() {
		forecaster = prediction.NewOpenAIForecaster(
			cfg.PredictionAPIKey, cfg.PredictionBaseURL, cfg.PredictionModel,
			guard.Client(cfg.PredictionTimeout),
		)
	}
	predictor := prediction.NewAdapter(forecaster, cfg.PredictionTimeout, collector, logger.Component(base, "prediction"))

	// 7. OTP送信
	var sender otp.Sender = otp.NewLogSender(logger.Component(base, "otp"))
	if cfg.EmailEnabled() {
		sender = otp.NewResendSender(cfg.ResendAPIKey, cfg.OTPEmailFrom, cfg.OTPEmailFromName, userRepo)
	}

	// 8. ドメインサービス
	policy := retry.Policy{
		MaxAttempts:    cfg.PersistMaxAttempts,
		InitialBackoff: cfg.PersistInitialBackoff,
		MaxBackoff:     cfg.PersistMaxBackoff,
		AttemptTimeout: cfg.PersistAttemptTimeout,
	}
	sharingManager := sharing.NewManager(friends, presenceRegistry, historyRepo, predictor, recorder,
		sharing.WithRetryPolicy(policy),
		sharing.WithMetrics(collector),
		sharing.WithLogger(logger.Component(base, "sharing")),
	)
	coordinator := sos.NewCoordinator(alertRepo, friends, presenceRegistry, sender, recorder,
		sos.WithRetryPolicy(policy),
		sos.WithMetrics(collector),
		sos.WithLogger(logger.Component(base, "sos")),
		sos.WithOTPTTL(cfg.OTPTTL),
		sos.WithBcryptCost(cfg.OTPBcryptCost),
	)

	restored, err := coordinator.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore active alerts: %w", err)
	}
	slog.Info("active SOS alerts restored", slog.Int("count", restored))

	// 9. 期限切れ監視と保留セッションの再永続化
	var notifier escalation.Notifier = escalation.NopNotifier{}
	if cfg.EscalationWebhookURL != "" {
		webhook, err := escalation.NewWebhookNotifier(cfg.EscalationWebhookURL, guard)
		if err != nil {
			return fmt.Errorf("invalid escalation webhook: %w", err)
		}
		notifier = webhook
	}
	scheduler := expiry.NewScheduler(coordinator, sharingManager, notifier, logger.Component(base, "expiry"), 0)
	go scheduler.Start(ctx, cfg.ExpirySweepInterval, cfg.PendingFlushInterval)

	// 10. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.EventRate = rate.Limit(cfg.EventRatePerSec)
	rateLimiterCfg.EventBurst = cfg.EventBurst
	rateLimiterCfg.PredictionRate = rate.Limit(float64(cfg.PredictionRatePerMin) / 60.0)
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	dispatcher := handler.NewDispatcher(presenceRegistry, sharingManager, coordinator, rateLimiter, logger.Component(base, "dispatch"))

	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            base,
		HealthChecker:     db,
		Connections:       presenceRegistry,
		MetricsHandler:    metrics.Handler(registry),
		WebSocket:         handler.NewWebSocketHandler(dispatcher, cfg.CORSAllowedOrigin, cfg.WSSendBuffer, logger.Component(base, "ws")),
		SOSService:        coordinator,
		History:           historyRepo,
		Audit:             auditRepo,
	})

	// 11. HTTPサーバーの起動
	// WebSocketは長時間接続のため、WriteTimeoutは設定しない（書き込み期限はコネクションごとに設定する）
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		slog.Error("server listen error", slog.String("error", err.Error()))
		return fmt.Errorf("server listen failed: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 停止前に永続化待ちのセッションを最後に1回再試行する
	if n := sharingManager.FlushPending(shutdownCtx); n > 0 {
		slog.Info("pending sessions persisted on shutdown", slog.Int("count", n))
	}
	if n := sharingManager.PendingCount(); n > 0 {
		slog.Error("sessions could not be persisted before shutdown", slog.Int("count", n))
	}

	cancel()
	<-auditDone

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 監査ログの保持期間ジョブを日次で実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. 監査ログの保持期間ジョブの初期化
	retentionJob := cleanup.NewAuditRetentionJob(db, logger.Component(slog.Default(), "cleanup"), cfg.AuditRetentionDays)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Int("audit_retention_days", retentionJob.RetentionDays),
	)

	// 保持期間ジョブをメインgoroutineで実行（ブロッキング）
	retentionJob.Start(ctx, 24*time.Hour)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
