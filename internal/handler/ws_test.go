package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/safetrack/internal/graph"
	"github.com/hitoshi/safetrack/internal/model"
	"github.com/hitoshi/safetrack/internal/presence"
	"github.com/hitoshi/safetrack/internal/retry"
	"github.com/hitoshi/safetrack/internal/sharing"
	"github.com/hitoshi/safetrack/internal/sos"
)

// memHistoryRepo はrepository.HistoryRepositoryのインメモリ実装。
type memHistoryRepo struct {
	mu      sync.Mutex
	records []*model.HistoryRecord
}

func (r *memHistoryRepo) Save(ctx context.Context, record *model.HistoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *memHistoryRepo) FindByID(ctx context.Context, id string) (*model.HistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, nil
}

func (r *memHistoryRepo) ListByUser(ctx context.Context, username string, limit int) ([]*model.HistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.HistoryRecord
	for _, rec := range r.records {
		if rec.Owner == username {
			out = append(out, rec)
		}
	}
	return out, nil
}

// memAlertRepo はrepository.AlertRepositoryのインメモリ実装。
type memAlertRepo struct {
	mu     sync.Mutex
	alerts map[string]*model.SOSAlert
}

func (r *memAlertRepo) Save(ctx context.Context, alert *model.SOSAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts[alert.ID] = alert.Clone()
	return nil
}

func (r *memAlertRepo) Update(ctx context.Context, alert *model.SOSAlert) error {
	return r.Save(ctx, alert)
}

func (r *memAlertRepo) AddMedia(ctx context.Context, alertID string, media model.MediaRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.alerts[alertID]; ok {
		a.Media = append(a.Media, media)
	}
	return nil
}

func (r *memAlertRepo) FindByID(ctx context.Context, id string) (*model.SOSAlert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.alerts[id]; ok {
		return a.Clone(), nil
	}
	return nil, nil
}

func (r *memAlertRepo) ListActive(ctx context.Context) ([]*model.SOSAlert, error) {
	return nil, nil
}

// nopSender はOTPを送信しないotp.Sender。
type nopSender struct{}

func (nopSender) Send(ctx context.Context, user, code string, expiresAt time.Time) error { return nil }

// wireEvent はクライアント側で受信するイベント。
type wireEvent struct {
	Type    model.EventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type e2eServer struct {
	server  *httptest.Server
	history *memHistoryRepo
}

func newE2EServer(t *testing.T) *e2eServer {
	t.Helper()
	return newE2EServerWithOrigin(t, "")
}

// newE2EServerWithOrigin はCORSとWebSocketのOrigin検証にallowedOriginを設定したサーバーを起動する。
func newE2EServerWithOrigin(t *testing.T, allowedOrigin string) *e2eServer {
	t.Helper()

	registry := presence.NewRegistry(nil)
	friends := graph.StaticGateway{"alice": {"bob"}, "bob": {"alice"}}
	history := &memHistoryRepo{}
	policy := retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	manager := sharing.NewManager(friends, registry, history, nil, nil, sharing.WithRetryPolicy(policy))
	coordinator := sos.NewCoordinator(
		&memAlertRepo{alerts: make(map[string]*model.SOSAlert)},
		friends, registry, nopSender{}, nil,
		sos.WithRetryPolicy(policy),
		sos.WithBcryptCost(bcrypt.MinCost),
		sos.WithCodeGenerator(func() (string, error) { return "123456", nil }),
	)

	dispatcher := NewDispatcher(registry, manager, coordinator, nil, nil)
	router := NewRouter(&RouterDeps{
		CORSAllowedOrigin: allowedOrigin,
		WebSocket:         NewWebSocketHandler(dispatcher, allowedOrigin, 64, nil),
		SOSService:        coordinator,
		History:           history,
		Audit:             &mockAuditLister{},
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &e2eServer{server: srv, history: history}
}

func (s *e2eServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": eventType, "payload": payload}); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

// readUntil は指定種別のイベントを受信するまで読み進め、途中で受信したイベントも含めて返す。
func readUntil(t *testing.T, conn *websocket.Conn, want model.EventType) (wireEvent, []wireEvent) {
	t.Helper()
	var seen []wireEvent
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("%s を待機中に読み込みに失敗しました: %v (受信済み: %d件)", want, err, len(seen))
		}
		if ev.Type == want {
			return ev, seen
		}
		seen = append(seen, ev)
	}
}

// readAck は次のackまたはerrorを読み、ackであることを確認する。
func readAck(t *testing.T, conn *websocket.Conn, event string) AckPayload {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("%s のackを待機中に読み込みに失敗しました: %v", event, err)
		}
		switch ev.Type {
		case model.EventAck:
			var p AckPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				t.Fatalf("unmarshal ack: %v", err)
			}
			if p.Event != event {
				t.Fatalf("ack event = %q, want %q", p.Event, event)
			}
			return p
		case model.EventError:
			t.Fatalf("%s がエラーになりました: %s", event, ev.Payload)
		}
	}
}

func join(t *testing.T, conn *websocket.Conn, user string) {
	t.Helper()
	sendEvent(t, conn, eventJoin, map[string]string{"user": user})
	readAck(t, conn, eventJoin)
}

func TestWebSocket_OriginCheck(t *testing.T) {
	const allowed = "http://localhost:3000"
	srv := newE2EServerWithOrigin(t, allowed)
	url := "ws" + strings.TrimPrefix(srv.server.URL, "http") + "/ws"

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"許可されたOrigin", allowed, true},
		{"Originヘッダーなし", "", true},
		{"異なるOrigin", "https://evil.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if tt.ok {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				conn.Close()
				return
			}
			if err == nil {
				conn.Close()
				t.Fatal("異なるOriginからの接続は拒否されるべき")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Fatalf("resp = %v, want status 403", resp)
			}
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != allowed {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, allowed)
			}
		})
	}
}

func TestWebSocket_SharingScenario(t *testing.T) {
	s := newE2EServer(t)
	alice := s.dial(t)
	bob := s.dial(t)
	join(t, alice, "alice")
	join(t, bob, "bob")

	sendEvent(t, alice, eventStartSharing, map[string]string{"user": "alice"})
	readAck(t, alice, eventStartSharing)

	coords := [][2]float64{{35.6812, 139.7671}, {35.6815, 139.7675}, {35.6820, 139.7680}}
	for _, c := range coords {
		sendEvent(t, alice, eventShareLocation, map[string]any{"user": "alice", "latitude": c[0], "longitude": c[1]})
		readAck(t, alice, eventShareLocation)
	}

	sendEvent(t, alice, eventStopSharing, map[string]string{"user": "alice"})
	readAck(t, alice, eventStopSharing)

	ended, before := readUntil(t, bob, model.EventSharingEnded)
	var updates []model.LocationUpdatePayload
	for _, ev := range before {
		if ev.Type != model.EventLocationUpdate {
			continue
		}
		var p model.LocationUpdatePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		updates = append(updates, p)
	}
	if len(updates) != 3 {
		t.Fatalf("bobが受信したlocationUpdate = %d件, want 3", len(updates))
	}
	for i, u := range updates {
		if u.User != "alice" || u.Latitude != coords[i][0] || u.Longitude != coords[i][1] {
			t.Errorf("update[%d] = %+v, want %v", i, u, coords[i])
		}
	}

	var endedPayload model.SharingEndedPayload
	if err := json.Unmarshal(ended.Payload, &endedPayload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if endedPayload.User != "alice" || endedPayload.Summary.SampleCount != 3 {
		t.Errorf("sharingEnded = %+v", endedPayload)
	}

	records, _ := s.history.ListByUser(context.Background(), "alice", 10)
	if len(records) != 1 || len(records[0].Samples) != 3 {
		t.Fatalf("履歴 = %+v, want 1件3サンプル", records)
	}
	for i, sample := range records[0].Samples {
		if sample.Latitude != coords[i][0] {
			t.Errorf("samples[%d] の順序が保持されていない: %+v", i, sample)
		}
	}
}

func TestWebSocket_SOSScenario(t *testing.T) {
	s := newE2EServer(t)
	alice := s.dial(t)
	bob := s.dial(t)
	join(t, alice, "alice")
	join(t, bob, "bob")

	sendEvent(t, alice, eventTriggerSOS, map[string]any{"user": "alice", "latitude": 35.0, "longitude": 139.0})
	ack := readAck(t, alice, eventTriggerSOS)
	data, _ := ack.Data.(map[string]any)
	alertID, _ := data["alertId"].(string)
	if alertID == "" {
		t.Fatalf("ackにalertIdが含まれていない: %+v", ack)
	}

	triggered, _ := readUntil(t, bob, model.EventSOSTriggered)
	var tp model.SOSTriggeredPayload
	if err := json.Unmarshal(triggered.Payload, &tp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tp.AlertID != alertID || tp.User != "alice" {
		t.Errorf("sosTriggered = %+v", tp)
	}

	sendEvent(t, bob, eventResolveSOS, map[string]any{"alertId": alertID, "otp": "000000"})
	errEv, _ := readUntil(t, bob, model.EventError)
	var ep ErrorPayload
	if err := json.Unmarshal(errEv.Payload, &ep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ep.Code != model.ErrCodeOTPInvalid {
		t.Errorf("code = %q, want %q", ep.Code, model.ErrCodeOTPInvalid)
	}

	sendEvent(t, alice, eventResolveSOS, map[string]any{"alertId": alertID, "otp": "123456"})
	readAck(t, alice, eventResolveSOS)

	resolved, _ := readUntil(t, bob, model.EventSOSResolved)
	var rp model.SOSResolvedPayload
	if err := json.Unmarshal(resolved.Payload, &rp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rp.AlertID != alertID {
		t.Errorf("sosResolved alertId = %q, want %q", rp.AlertID, alertID)
	}

	// 解除済みのアラートは再度解除できない
	sendEvent(t, alice, eventResolveSOS, map[string]any{"alertId": alertID, "otp": "123456"})
	errEv, _ = readUntil(t, alice, model.EventError)
	if err := json.Unmarshal(errEv.Payload, &ep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ep.Code != model.ErrCodeAlertFinalized {
		t.Errorf("code = %q, want %q", ep.Code, model.ErrCodeAlertFinalized)
	}
}

func TestWebSocket_DisconnectKeepsSession(t *testing.T) {
	s := newE2EServer(t)
	alice := s.dial(t)
	bob := s.dial(t)
	join(t, alice, "alice")
	join(t, bob, "bob")

	sendEvent(t, alice, eventStartSharing, map[string]string{"user": "alice"})
	readAck(t, alice, eventStartSharing)
	alice.Close()

	// 再接続後も同じセッションにサンプルを追加できる
	alice2 := s.dial(t)
	join(t, alice2, "alice")
	sendEvent(t, alice2, eventShareLocation, map[string]any{"user": "alice", "latitude": 1.0, "longitude": 2.0})
	readAck(t, alice2, eventShareLocation)

	update, _ := readUntil(t, bob, model.EventLocationUpdate)
	var p model.LocationUpdatePayload
	if err := json.Unmarshal(update.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Latitude != 1.0 || p.Longitude != 2.0 {
		t.Errorf("locationUpdate = %+v", p)
	}
}

func TestWSConnection_SendDropsWhenBufferFull(t *testing.T) {
	c := &wsConnection{id: "c1", send: make(chan model.Event, 1), done: make(chan struct{})}

	if err := c.Send(context.Background(), model.Event{Type: model.EventAck}); err != nil {
		t.Fatalf("1件目の送信に失敗: %v", err)
	}
	if err := c.Send(context.Background(), model.Event{Type: model.EventAck}); err != ErrSendBufferFull {
		t.Errorf("err = %v, want ErrSendBufferFull", err)
	}

	c.close()
	if err := c.Send(context.Background(), model.Event{Type: model.EventAck}); err != ErrConnectionClosed {
		t.Errorf("err = %v, want ErrConnectionClosed", err)
	}
}
