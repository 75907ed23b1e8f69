package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/safetrack/internal/middleware"
	"github.com/hitoshi/safetrack/internal/model"
	"github.com/hitoshi/safetrack/internal/presence"
	"github.com/hitoshi/safetrack/internal/sharing"
	"github.com/hitoshi/safetrack/internal/sos"
)

// 受信イベントの種別。
const (
	eventJoin            = "join"
	eventStartSharing    = "startSharing"
	eventShareLocation   = "shareLocation"
	eventStopSharing     = "stopSharing"
	eventSimulateOffline = "simulateOffline"
	eventTriggerSOS      = "triggerSOS"
	eventAttachSOSMedia  = "attachSOSMedia"
	eventResolveSOS      = "resolveSOS"
	eventReissueSOSOtp   = "reissueSOSOtp"
)

// SharingService はディスパッチャーが必要とする位置共有のインターフェース。
type SharingService interface {
	StartSharing(ctx context.Context, user string) (bool, error)
	RecordSample(ctx context.Context, user string, sample model.LocationSample) (int, error)
	StopSharing(ctx context.Context, user string) (*model.SessionSummary, error)
	RequestPredictedPath(ctx context.Context, user string) (*sharing.PredictionOutcome, error)
}

// SOSService はディスパッチャーとRESTハンドラーが必要とするSOSのインターフェース。
type SOSService interface {
	Trigger(ctx context.Context, user string, location model.GeoPoint) (*sos.TriggerResult, error)
	AttachMedia(ctx context.Context, alertID string, kind model.MediaKind, reference string) error
	Resolve(ctx context.Context, alertID, suppliedOTP, resolvedBy string) error
	ReissueOTP(ctx context.Context, alertID string) error
}

// PresenceRegistry はコネクションの登録と解除を行う。
type PresenceRegistry interface {
	Register(user string, conn presence.Connection)
	Unregister(conn presence.Connection) (user string, last bool)
}

// EventLimiter はユーザーごとの受信イベントのレート制限を行う。
type EventLimiter interface {
	Allow(key string, class middleware.LimitClass) bool
}

// inboundEvent は受信イベントの封筒。
type inboundEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckPayload は要求元へ返す成功応答のペイロード。
type AckPayload struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ErrorPayload は要求元へ返すエラー応答のペイロード。
type ErrorPayload struct {
	Event    string `json:"event"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

// PredictionResultPayload はsimulateOfflineの結果として要求元へ返すペイロード。
type PredictionResultPayload struct {
	Success     bool   `json:"success"`
	SampleCount int    `json:"sampleCount"`
	Delivered   int    `json:"delivered"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

type userPayload struct {
	User string `json:"user" validate:"required,max=64"`
}

type shareLocationPayload struct {
	User      string   `json:"user" validate:"required,max=64"`
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
	PlaceName string   `json:"placeName" validate:"max=512"`
}

type triggerSOSPayload struct {
	User      string   `json:"user" validate:"required,max=64"`
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
}

// attachMediaPayload のkindとreferenceはCoordinatorが検証する。
type attachMediaPayload struct {
	AlertID   string `json:"alertId" validate:"required,max=64"`
	Kind      string `json:"kind"`
	Reference string `json:"reference"`
}

type resolveSOSPayload struct {
	AlertID string `json:"alertId" validate:"required,max=64"`
	OTP     string `json:"otp" validate:"required,max=16"`
}

type alertPayload struct {
	AlertID string `json:"alertId" validate:"required,max=64"`
}

// Client はトランスポートに依存しない1コネクション分の状態。
// joinしたユーザー名を保持する。
type Client struct {
	conn presence.Connection

	mu   sync.RWMutex
	user string
}

// NewClient はコネクションをラップしたClientを生成する。
func NewClient(conn presence.Connection) *Client {
	return &Client{conn: conn}
}

// User はjoin済みのユーザー名を返す。未joinの場合は空文字列。
func (c *Client) User() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *Client) setUser(user string) {
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
}

// eventHandler はイベント種別ごとの処理。戻り値は要求元へ返すイベント。
type eventHandler struct {
	handle func(ctx context.Context, c *Client, raw json.RawMessage) (model.Event, error)
	// requireJoin がtrueの場合、join前のコネクションからのイベントを拒否する。
	requireJoin bool
	// limits は適用するレート制限の種別。SOS関連のイベントは空。
	limits []middleware.LimitClass
}

// Dispatcher は受信イベントを種別ごとの処理へ振り分ける。
type Dispatcher struct {
	table    map[string]eventHandler
	presence PresenceRegistry
	sharing  SharingService
	sos      SOSService
	limiter  EventLimiter
	validate *validator.Validate
	timeout  time.Duration
	logger   *slog.Logger
}

// NewDispatcher はDispatcherを生成する。limiterがnilの場合はレート制限を行わない。
func NewDispatcher(
	registry PresenceRegistry,
	sharingSvc SharingService,
	sosSvc SOSService,
	limiter EventLimiter,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		presence: registry,
		sharing:  sharingSvc,
		sos:      sosSvc,
		limiter:  limiter,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		timeout:  30 * time.Second,
		logger:   logger,
	}
	d.table = d.dispatchTable()
	return d
}

// dispatchTable はイベント種別と処理の対応表を返す。
func (d *Dispatcher) dispatchTable() map[string]eventHandler {
	events := []middleware.LimitClass{middleware.ClassEvent}
	return map[string]eventHandler{
		eventJoin:            {handle: d.handleJoin},
		eventStartSharing:    {handle: d.handleStartSharing, requireJoin: true, limits: events},
		eventShareLocation:   {handle: d.handleShareLocation, requireJoin: true, limits: events},
		eventStopSharing:     {handle: d.handleStopSharing, requireJoin: true, limits: events},
		eventSimulateOffline: {handle: d.handleSimulateOffline, requireJoin: true, limits: []middleware.LimitClass{middleware.ClassEvent, middleware.ClassPrediction}},
		eventTriggerSOS:      {handle: d.handleTriggerSOS, requireJoin: true},
		eventAttachSOSMedia:  {handle: d.handleAttachMedia, requireJoin: true},
		eventResolveSOS:      {handle: d.handleResolveSOS, requireJoin: true},
		eventReissueSOSOtp:   {handle: d.handleReissueOTP, requireJoin: true},
	}
}

// Dispatch は1件の受信メッセージを処理し、応答を要求元のコネクションへ送信する。
// 処理中のpanicは回復し、そのイベントのみを失敗として扱う。
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, msg []byte) {
	var in inboundEvent
	if err := json.Unmarshal(msg, &in); err != nil {
		d.reply(ctx, c, errorEvent("", model.NewInvalidEventError("メッセージの解析に失敗しました")))
		return
	}

	h, ok := d.table[in.Type]
	if !ok {
		d.reply(ctx, c, errorEvent(in.Type, model.NewInvalidEventError(fmt.Sprintf("未知のイベント種別です: %q", in.Type))))
		return
	}

	if h.requireJoin && c.User() == "" {
		d.reply(ctx, c, errorEvent(in.Type, model.NewNotJoinedError()))
		return
	}

	if d.limiter != nil {
		key := c.User()
		if key == "" {
			key = c.conn.ID()
		}
		for _, class := range h.limits {
			if !d.limiter.Allow(key, class) {
				d.logger.Warn("rate limit exceeded",
					slog.String("user", key),
					slog.String("event", in.Type),
					slog.String("limit_type", string(class)),
				)
				d.reply(ctx, c, errorEvent(in.Type, model.NewRateLimitedError()))
				return
			}
		}
	}

	d.reply(ctx, c, d.run(ctx, c, in.Type, h, in.Payload))
}

// run はpanicを回復しつつ処理を実行し、要求元へ返すイベントを生成する。
func (d *Dispatcher) run(ctx context.Context, c *Client, eventType string, h eventHandler, raw json.RawMessage) (resp model.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("panic recovered in event handler",
				slog.Any("panic", rec),
				slog.String("event", eventType),
				slog.String("user", c.User()),
				slog.String("stack", string(debug.Stack())),
			)
			resp = errorEvent(eventType, middleware.InternalError())
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, err := h.handle(ctx, c, raw)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return errorEvent(eventType, apiErr)
		}
		d.logger.Error("イベントの処理に失敗しました",
			slog.String("event", eventType),
			slog.String("user", c.User()),
			slog.String("error", err.Error()),
		)
		return errorEvent(eventType, middleware.InternalError())
	}
	return out
}

// Disconnect はコネクションの登録を解除する。位置共有セッションは終了しない。
func (d *Dispatcher) Disconnect(c *Client) {
	user, last := d.presence.Unregister(c.conn)
	if user != "" && last {
		d.logger.Info("ユーザーの最後のコネクションが切断されました",
			slog.String("user", user),
		)
	}
}

func (d *Dispatcher) reply(ctx context.Context, c *Client, event model.Event) {
	if err := c.conn.Send(ctx, event); err != nil {
		d.logger.Warn("応答の送信に失敗しました",
			slog.String("connection_id", c.conn.ID()),
			slog.String("event_type", string(event.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// decode はペイロードを構造体に展開して検証する。
func (d *Dispatcher) decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return model.NewInvalidEventError("payloadがありません")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return model.NewInvalidEventError("payloadの形式が不正です")
	}
	if err := d.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return model.NewInvalidEventError(fmt.Sprintf("%sが不正です (%s)", verrs[0].Field(), verrs[0].Tag()))
		}
		return model.NewInvalidEventError(err.Error())
	}
	return nil
}

// checkUser はペイロードのユーザーがjoin済みのユーザーと一致するかを確認する。
func checkUser(c *Client, user string) error {
	if user != c.User() {
		return model.NewInvalidEventError("payloadのuserがjoinしたユーザーと一致しません")
	}
	return nil
}

func (d *Dispatcher) handleJoin(ctx context.Context, c *Client, raw json.RawMessage) (model.Event, error) {
	var p userPayload
	if err := d.decode(raw, &p); err != nil {
		return model.Event{}, err
	}
	c.setUser(p.User)
	d.presence.Register(p.User, c.conn)
	return ackEvent(eventJoin, map[string]string{"user": p.User}), nil
}

func (d *Dispatcher) handleStartSharing(ctx context.Context, c *Client, raw json.RawMessage) (model.Event, error) {
	var p userPayload
	if err := d.decode(raw, &p); err != nil {
		return model.Event{}, err
	}
	if err := checkUser(c, p.User); err != nil {
		return model.Event{}, err
	}
	started, err := d.sharing.StartSharing(ctx, p.User)
	if err != nil {
		return model.Event{}, err
	}
	return ackEvent(eventStartSharing, map[string]bool{"started": started}), nil
}

func (d *Dispatcher) handleShareLocation(ctx context.Context, c *Client, raw json.RawMessage) (model.Event, error) {
	var p shareLocationPayload
	if err := d.decode(raw, &p); err != nil {
		return model.Event{}, err
	}
	if err := checkUser(c, p.User); err != nil {
		return model.Event{}, err
	}
	delivered, err := d.sharing.RecordSample(ctx, p.User, model.LocationSample{
		Latitude:  *p.Latitude,
		Longitude: *p.Longitude,
		PlaceName: p.PlaceName,
	})
	if err != nil {
		return model.Event{}, err
	}
	return ackEvent(eventShareLocation, map[string]int{"delivered": delivered}), nil
}

func (d *Dispatcher) handleStopSharing(ctx context.Context, c *Client, raw json.RawMessage) (model.Event, error) {
	var p userPayload
	if err := d.decode(raw, &p); err != nil {
		return model.Event{}, err
	}
	if err := checkUser(c, p.User); err != nil {
		return model.Event{}, err
	}
	summary, err := d.sharing.StopSharing(ctx, p.User)
	if err != nil {
		return model.Event{}, err
	}
	if summary == nil {
		return ackEvent(eventStopSharing, map[string]bool{"stopped": false}), nil
	}
	return ackEvent(eventStopSharing, summary), nil
}

// handleSimulateOffline は経路予測を要求する。結果は成否にかかわらずpredictionResultで返す。
func (d *Dispatcher) handleSimulateOffline(ctx context.Context, c *Client, raw json.RawMessage) (model.Event, error) {
	var p userPayload
	if err := d.decode(raw, &p); err != nil {
		return model.Event{}, err
	}
	if err := checkUser(c, p.User); err != nil {
		return model.Event{}, err
	}

	outcome, err := d.sharing.RequestPredictedPath(ctx, p.User)
	if err != nil {
		result := PredictionResultPayload{Success: false}
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			return model.Event{}, err
		}
		result.Code = apiErr.Code
		result.Message = apiErr.Message
		return model.Event{Type: model.EventPredictionResult, Payload: result}, nil
	}
	return model.Event{
		Type: model.EventPredictionResult,
		Payload: PredictionResultPayload{
			Success:     true,
			SampleCount: len(outcome.Path.Predicted),
			Delivered:   outcome.Delivered,
		},
	}, nil
}

func (d *Dispatcher) handleTriggerSOS(ctx context.Context, c *Client, raw json.RawMessage) (model.Event, error) {
	var p triggerSOSPayload
	if err := d.decode(raw, &p); err != nil {
		return model.Event{}, err
	}
	if err := checkUser(c, p.User); err != nil {
		return model.Event{}, err
	}
	res, err := d.sos.Trigger(ctx, p.User, model.GeoPoint{Latitude: *p.Latitude, Longitude: *p.Longitude})
	if err != nil {
		return model.Event{}, err
	}
	return ackEvent(eventTriggerSOS, map[string]any{
		"alertId":      res.AlertID,
		"otpDelivered": res.OTPDelivered,
		"notified":     res.Notified,
	}), nil
}

func (d *Dispatcher) handleAttachMedia(ctx context.Context, c *Client, raw json.RawMessage) (model.Event, error) {
	var p attachMediaPayload
	if err := d.decode(raw, &p); err != nil {
		return model.Event{}, err
	}
	if err := d.sos.AttachMedia(ctx, p.AlertID, model.MediaKind(p.Kind), p.Reference); err != nil {
		return model.Event{}, err
	}
	return ackEvent(eventAttachSOSMedia, map[string]string{"alertId": p.AlertID}), nil
}

func (d *Dispatcher) handleResolveSOS(ctx context.Context, c *Client, raw json.RawMessage) (model.Event, error) {
	var p resolveSOSPayload
	if err := d.decode(raw, &p); err != nil {
		return model.Event{}, err
	}
	if err := d.sos.Resolve(ctx, p.AlertID, p.OTP, c.User()); err != nil {
		return model.Event{}, err
	}
	return ackEvent(eventResolveSOS, map[string]string{"alertId": p.AlertID}), nil
}

func (d *Dispatcher) handleReissueOTP(ctx context.Context, c *Client, raw json.RawMessage) (model.Event, error) {
	var p alertPayload
	if err := d.decode(raw, &p); err != nil {
		return model.Event{}, err
	}
	if err := d.sos.ReissueOTP(ctx, p.AlertID); err != nil {
		return model.Event{}, err
	}
	return ackEvent(eventReissueSOSOtp, map[string]string{"alertId": p.AlertID}), nil
}

func ackEvent(event string, data any) model.Event {
	return model.Event{Type: model.EventAck, Payload: AckPayload{Event: event, Data: data}}
}

func errorEvent(event string, apiErr *model.APIError) model.Event {
	return model.Event{
		Type: model.EventError,
		Payload: ErrorPayload{
			Event:    event,
			Code:     apiErr.Code,
			Message:  apiErr.Message,
			Category: apiErr.Category,
		},
	}
}
