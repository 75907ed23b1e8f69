// Package retry は永続化など安全上重要な操作のための、上限付きリトライと指数バックオフを提供する。
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// defaultMaxAttempts はリトライを含む最大試行回数のデフォルト値。
	defaultMaxAttempts = 5
	// defaultInitialBackoff は指数バックオフの初回遅延のデフォルト値。
	defaultInitialBackoff = 200 * time.Millisecond
	// defaultMaxBackoff は指数バックオフの最大遅延のデフォルト値。
	defaultMaxBackoff = 5 * time.Second
	// defaultAttemptTimeout は1回の試行の上限時間のデフォルト値。
	defaultAttemptTimeout = 5 * time.Second
)

// Policy はリトライの試行回数とバックオフを定義する。
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// AttemptTimeout は1回の試行に与える上限時間。
	// 呼び出し元がcontext.WithoutCancelで期限を外しても、各試行はこの時間で打ち切られる。
	AttemptTimeout time.Duration
}

// DefaultPolicy はデフォルトのリトライポリシーを返す。
// 初回200ms、2倍ずつ増加、最大5秒、最大5回試行、1回あたり5秒。
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    defaultMaxAttempts,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
		AttemptTimeout: defaultAttemptTimeout,
	}
}

// normalized はゼロ値のフィールドをデフォルト値で補完したポリシーを返す。
func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = defaultAttemptTimeout
	}
	return p
}

// CalculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// failuresが0のとき初回遅延を返し、以降2倍ずつ増加してMaxBackoffで頭打ちになる。
func (p Policy) CalculateBackoff(failures int) time.Duration {
	p = p.normalized()
	delay := p.InitialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return delay
}

// ExhaustedError はリトライ上限に達したことを表すエラー。
// 最後に発生したエラーをラップする。
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

// Error はerrorインターフェースを実装する。
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d回試行しましたが失敗しました: %v", e.Operation, e.Attempts, e.Err)
}

// Unwrap は最後に発生したエラーを返す。
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do はfnが成功するまで、ポリシーに従ってバックオフしながら再試行する。
// ctxがキャンセルされた場合は待機を中断し、最後のエラーを返す。
// キャンセルさせたくない呼び出し元はcontext.WithoutCancelで渡すこと。
// onRetryがnilでない場合、再試行の前に失敗回数とエラーを渡して呼び出す。
func Do(ctx context.Context, p Policy, logger *slog.Logger, operation string, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	p = p.normalized()
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = runAttempt(ctx, p.AttemptTimeout, fn)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("リトライにより操作が成功しました",
					slog.String("operation", operation),
					slog.Int("attempt", attempt),
				)
			}
			return nil
		}

		if attempt == p.MaxAttempts {
			break
		}

		delay := p.CalculateBackoff(attempt - 1)
		logger.Warn("操作に失敗したため再試行します",
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", lastErr.Error()),
		)
		if onRetry != nil {
			onRetry(attempt, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &ExhaustedError{Operation: operation, Attempts: attempt, Err: lastErr}
		case <-timer.C:
		}
	}

	return &ExhaustedError{Operation: operation, Attempts: p.MaxAttempts, Err: lastErr}
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
