package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/safetrack/internal/model"
)

// LimitClass はレート制限の種別を表す。種別ごとに独立したリミッターを持つ。
type LimitClass string

const (
	// ClassEvent は位置共有などのWebSocketイベント全般の制限。
	ClassEvent LimitClass = "event"
	// ClassPrediction は経路予測要求の制限。外部API呼び出しを伴うため厳しく設定する。
	ClassPrediction LimitClass = "prediction"
	// ClassHTTP はREST APIの制限。クライアントIPごとに適用する。
	ClassHTTP LimitClass = "http"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	EventRate       rate.Limit    // イベントのレート（events/sec）
	EventBurst      int           // イベントのバーストサイズ
	PredictionRate  rate.Limit    // 経路予測のレート（req/sec）
	PredictionBurst int           // 経路予測のバーストサイズ
	HTTPRate        rate.Limit    // REST APIのレート（req/sec）
	HTTPBurst       int           // REST APIのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// イベント 10/sec（バースト20）、経路予測 6/min、REST API 120/min。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		EventRate:       rate.Limit(10),
		EventBurst:      20,
		PredictionRate:  rate.Limit(6.0 / 60.0),
		PredictionBurst: 2,
		HTTPRate:        rate.Limit(120.0 / 60.0),
		HTTPBurst:       120,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyedLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type limiterKey struct {
	class LimitClass
	key   string
}

// RateLimiter はユーザー名やクライアントIPをキーとしたレート制限を管理する。
// SOS関連のイベントには適用しない（呼び出し側で判定する）。
type RateLimiter struct {
	config RateLimiterConfig

	mu       sync.Mutex
	limiters map[limiterKey]*keyedLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
	now      func() time.Time
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:   config,
		limiters: make(map[limiterKey]*keyedLimiter),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼び出しても安全。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Allow はkeyの種別classについてトークンを1つ消費できればtrueを返す。
func (rl *RateLimiter) Allow(key string, class LimitClass) bool {
	return rl.getOrCreate(key, class).Allow()
}

// RetryAfter は種別classで1トークンが補充されるまでの推定秒数を返す。
func (rl *RateLimiter) RetryAfter(class LimitClass) int {
	r, _ := rl.settings(class)
	if r <= 0 {
		return 1
	}
	sec := int(math.Ceil(1.0 / float64(r)))
	if sec < 1 {
		sec = 1
	}
	return sec
}

// Len は現在管理されているリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// HTTPMiddleware はクライアントIPごとのREST APIレート制限ミドルウェアを返す。
// chiのRealIPミドルウェアの後に配置するとプロキシ越しのIPで判定される。
func (rl *RateLimiter) HTTPMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			if !rl.Allow(key, ClassHTTP) {
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", key),
					slog.String("limit_type", string(ClassHTTP)),
				)
				w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter(ClassHTTP)))
				WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) settings(class LimitClass) (rate.Limit, int) {
	switch class {
	case ClassPrediction:
		return rl.config.PredictionRate, rl.config.PredictionBurst
	case ClassHTTP:
		return rl.config.HTTPRate, rl.config.HTTPBurst
	default:
		return rl.config.EventRate, rl.config.EventBurst
	}
}

// getOrCreate はキーと種別に対応するリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreate(key string, class LimitClass) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	k := limiterKey{class: class, key: key}
	if kl, ok := rl.limiters[k]; ok {
		kl.lastAccess = rl.now()
		return kl.limiter
	}

	r, burst := rl.settings(class)
	kl := &keyedLimiter{
		limiter:    rate.NewLimiter(r, burst),
		lastAccess: rl.now(),
	}
	rl.limiters[k] = kl
	return kl.limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, kl := range rl.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(rl.limiters, k)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
