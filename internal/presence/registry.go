// Package presence はユーザーと生存中のコネクションの対応を管理し、イベントを配信する。
package presence

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/safetrack/internal/metrics"
	"github.com/hitoshi/safetrack/internal/model"
)

// defaultFanoutConcurrency はDeliverManyの同時送信数のデフォルト値。
const defaultFanoutConcurrency = 16

// Connection はイベントを受け取れる生存中のコネクション。
// Sendはブロックせず、送信できない場合はエラーを返すこと。
type Connection interface {
	ID() string
	Send(ctx context.Context, event model.Event) error
}

// Registry はユーザーとコネクションの対応表。
// 1ユーザーは複数のコネクションを持てるが、1コネクションは高々1ユーザーに属する。
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Connection
	owner  map[string]string

	concurrency int
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
}

// Option はRegistryの設定を変更する関数。
type Option func(*Registry)

// WithFanoutConcurrency はDeliverManyの同時送信数を設定する。
func WithFanoutConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithMetrics はメトリクスコレクターを設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRegistry はRegistryを生成する。
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		byUser:      make(map[string]map[string]Connection),
		owner:       make(map[string]string),
		concurrency: defaultFanoutConcurrency,
		metrics:     metrics.NopCollector{},
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register はコネクションをユーザーに紐付ける。
// すでに別ユーザーに紐付いている場合は付け替える。
func (r *Registry) Register(user string, conn Connection) {
	id := conn.ID()

	r.mu.Lock()
	if prev, ok := r.owner[id]; ok && prev != user {
		r.removeLocked(prev, id)
	}
	conns, ok := r.byUser[user]
	if !ok {
		conns = make(map[string]Connection)
		r.byUser[user] = conns
	}
	conns[id] = conn
	r.owner[id] = user
	n := len(r.owner)
	r.mu.Unlock()

	r.metrics.SetConnections(n)
	r.logger.Debug("コネクションを登録しました",
		slog.String("user", user),
		slog.String("connection_id", id),
	)
}

// Unregister はコネクションの紐付けを解除する。
// 紐付いていたユーザーと、それがそのユーザーの最後のコネクションだったかを返す。
// 位置共有セッションには影響しない。
func (r *Registry) Unregister(conn Connection) (user string, last bool) {
	id := conn.ID()

	r.mu.Lock()
	user, ok := r.owner[id]
	if ok {
		last = r.removeLocked(user, id)
	}
	n := len(r.owner)
	r.mu.Unlock()

	if !ok {
		return "", false
	}
	r.metrics.SetConnections(n)
	r.logger.Debug("コネクションの登録を解除しました",
		slog.String("user", user),
		slog.String("connection_id", id),
		slog.Bool("last", last),
	)
	return user, last
}

// removeLocked はr.muを保持した状態で呼び出すこと。
func (r *Registry) removeLocked(user, id string) (last bool) {
	delete(r.owner, id)
	conns := r.byUser[user]
	delete(conns, id)
	if len(conns) == 0 {
		delete(r.byUser, user)
		return true
	}
	return false
}

// connectionsOf はユーザーのコネクションのスナップショットを返す。
func (r *Registry) connectionsOf(user string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[user]
	out := make([]Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Deliver はユーザーの全コネクションにイベントを送信し、送信できたコネクション数を返す。
// コネクションがない場合は何もしない（イベントは破棄される）。
func (r *Registry) Deliver(ctx context.Context, user string, event model.Event) int {
	delivered := 0
	for _, c := range r.connectionsOf(user) {
		if err := c.Send(ctx, event); err != nil {
			r.logger.Warn("イベントの送信に失敗しました",
				slog.String("user", user),
				slog.String("connection_id", c.ID()),
				slog.String("event_type", string(event.Type)),
				slog.String("error", err.Error()),
			)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		r.metrics.RecordDelivery(string(event.Type), delivered)
	}
	return delivered
}

// DeliverMany は複数ユーザーへ同じイベントを並行して配信し、送信できたコネクション数の合計を返す。
// 同時送信数はWithFanoutConcurrencyで制限される。レジストリのロックは送信中に保持しない。
func (r *Registry) DeliverMany(ctx context.Context, users []string, event model.Event) int {
	if len(users) == 0 {
		return 0
	}

	var (
		mu    sync.Mutex
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, u := range users {
		g.Go(func() error {
			n := r.Deliver(gctx, u, event)
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return total
}

// ConnectionCount は登録中のコネクション数を返す。ヘルスチェックの応答に含める。
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owner)
}
