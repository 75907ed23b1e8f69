// Package audit はセキュリティ上重要な状態遷移をベストエフォートで記録する。
// 記録の失敗が主処理を失敗させることはない。
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/safetrack/internal/metrics"
	"github.com/hitoshi/safetrack/internal/model"
	"github.com/hitoshi/safetrack/internal/repository"
)

// defaultQueueSize はキューのデフォルト容量。
const defaultQueueSize = 1024

// writeTimeout は1件の書き込みに許す時間。
const writeTimeout = 5 * time.Second

// Recorder は監査ログを非同期に書き込む。
// Recordは呼び出し元をブロックせず、キューが満杯の場合は破棄して警告を出す。
type Recorder struct {
	repo    repository.AuditRepository
	queue   chan *model.AuditEntry
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewRecorder はRecorderを生成する。queueSizeが0以下の場合はデフォルト値を使用する。
func NewRecorder(repo repository.AuditRepository, queueSize int, m metrics.MetricsCollector, logger *slog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if m == nil {
		m = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo:    repo,
		queue:   make(chan *model.AuditEntry, queueSize),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Record は監査ログをキューに積む。CreatedAtが未設定の場合は現在時刻を設定する。
func (r *Recorder) Record(entry model.AuditEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(&entry, "closed")
		return
	}

	select {
	case r.queue <- &entry:
	default:
		r.drop(&entry, "queue_full")
	}
}

func (r *Recorder) drop(entry *model.AuditEntry, reason string) {
	r.metrics.RecordAuditDropped()
	r.logger.Warn("監査ログを破棄しました",
		slog.String("reason", reason),
		slog.String("user", entry.Username),
		slog.String("event_type", string(entry.EventType)),
		slog.String("action", entry.Action),
	)
}

// Run はキューの監査ログをリポジトリに書き込む。
// ctxのキャンセルまたはCloseの後、キューに残ったログを書き込んでから返る。
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case entry, ok := <-r.queue:
			if !ok {
				return
			}
			r.write(entry)
		case <-ctx.Done():
			r.Close()
			for entry := range r.queue {
				r.write(entry)
			}
			return
		}
	}
}

func (r *Recorder) write(entry *model.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.repo.Insert(ctx, entry); err != nil {
		r.logger.Error("監査ログの書き込みに失敗しました",
			slog.String("user", entry.Username),
			slog.String("event_type", string(entry.EventType)),
			slog.String("action", entry.Action),
			slog.String("error", err.Error()),
		)
	}
}

// Close は新規の記録を停止する。複数回呼び出しても安全。
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.queue)
}
