// Package prediction は直近の位置サンプル列から今後の経路を予測する外部サービスとの境界を提供する。
package prediction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hitoshi/safetrack/internal/metrics"
	"github.com/hitoshi/safetrack/internal/model"
)

// MinSamples は経路予測に必要な最小サンプル数。
const MinSamples = 3

// defaultTimeout は予測呼び出しのデフォルトのタイムアウト。
const defaultTimeout = 15 * time.Second

// Forecaster は外部の予測サービスを呼び出すインターフェース。
type Forecaster interface {
	Forecast(ctx context.Context, samples []model.LocationSample) ([]model.LocationSample, error)
}

// ErrorKind は予測失敗の分類。
type ErrorKind string

const (
	// KindUnavailable は予測サービスに到達できない、または未設定の状態。
	KindUnavailable ErrorKind = "unavailable"
	// KindTimeout はタイムアウトした状態。
	KindTimeout ErrorKind = "timeout"
	// KindBadResponse は応答が解釈できない、空、または範囲外の状態。
	KindBadResponse ErrorKind = "bad_response"
)

// PredictionError は予測失敗を表すエラー。部分的な結果は返さない。
type PredictionError struct {
	Kind ErrorKind
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *PredictionError) Error() string {
	return fmt.Sprintf("prediction %s: %v", e.Kind, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *PredictionError) Unwrap() error {
	return e.Err
}

// NewBadResponseError は応答不正のPredictionErrorを生成する。
func NewBadResponseError(format string, args ...any) *PredictionError {
	return &PredictionError{Kind: KindBadResponse, Err: fmt.Errorf(format, args...)}
}

// Adapter はForecasterの呼び出しに最小サンプル数、タイムアウト、結果検証を適用する。
type Adapter struct {
	forecaster Forecaster
	timeout    time.Duration
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewAdapter はAdapterを生成する。timeoutが0以下の場合はデフォルト値を使用する。
func NewAdapter(f Forecaster, timeout time.Duration, m metrics.MetricsCollector, logger *slog.Logger) *Adapter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if m == nil {
		m = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{forecaster: f, timeout: timeout, metrics: m, logger: logger}
}

// Predict はサンプル列から予測経路を返す。
// サンプルがMinSamples未満の場合は外部呼び出しを行わずInsufficientDataエラーを返す。
// 失敗はすべて*PredictionErrorとして返す。
func (a *Adapter) Predict(ctx context.Context, samples []model.LocationSample) ([]model.LocationSample, error) {
	if len(samples) < MinSamples {
		return nil, model.NewInsufficientDataError(len(samples), MinSamples)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	predicted, err := a.forecaster.Forecast(ctx, samples)
	elapsed := time.Since(start)

	if err == nil {
		err = validate(predicted)
	}
	if err != nil {
		perr := classify(ctx, err)
		a.metrics.RecordPrediction(string(perr.Kind), elapsed)
		a.logger.Warn("経路予測に失敗しました",
			slog.String("kind", string(perr.Kind)),
			slog.Int("sample_count", len(samples)),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return nil, perr
	}

	a.metrics.RecordPrediction("success", elapsed)
	return predicted, nil
}

// classify はエラーをPredictionErrorに変換する。
func classify(ctx context.Context, err error) *PredictionError {
	var perr *PredictionError
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &PredictionError{Kind: KindTimeout, Err: err}
	}
	return &PredictionError{Kind: KindUnavailable, Err: err}
}

// validate は予測結果が空でなく、すべての座標が有効範囲にあることを検証する。
func validate(predicted []model.LocationSample) error {
	if len(predicted) == 0 {
		return NewBadResponseError("empty prediction")
	}
	for i, p := range predicted {
		if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) ||
			math.IsInf(p.Latitude, 0) || math.IsInf(p.Longitude, 0) {
			return NewBadResponseError("non-finite coordinate at %d", i)
		}
		if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
			return NewBadResponseError("coordinate out of range at %d: (%f, %f)", i, p.Latitude, p.Longitude)
		}
	}
	return nil
}

// UnavailableForecaster は予測サービスが設定されていない場合に使用するForecaster。
type UnavailableForecaster struct{}

// Forecast は常にKindUnavailableのエラーを返す。
func (UnavailableForecaster) Forecast(context.Context, []model.LocationSample) ([]model.LocationSample, error) {
	return nil, &PredictionError{Kind: KindUnavailable, Err: errors.New("prediction service is not configured")}
}
