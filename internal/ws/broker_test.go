package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/JanDub-code/tasknotify/internal/domain"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type fakeConn struct {
	mu      sync.Mutex
	frames  []frame
	sendErr error
	closed  bool
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) received() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) texts(t *testing.T, event string) []string {
	t.Helper()
	var texts []string
	for _, f := range c.received() {
		if f.Event != event {
			continue
		}
		var data struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(f.Data, &data); err != nil {
			t.Fatalf("decode %s data: %v", event, err)
		}
		texts = append(texts, data.Text)
	}
	return texts
}

func newTestBroker() *Broker {
	return NewBroker(slog.New(slog.DiscardHandler))
}

func notificationAt(team, text string, at time.Time) domain.Notification {
	return domain.Notification{
		ID:        team + "-" + text,
		TeamID:    team,
		UserID:    "user-1",
		Text:      text,
		CreatedAt: at,
	}
}

func TestRegisterRejectsDuplicateConnection(t *testing.T) {
	broker := newTestBroker()
	if err := broker.Register("sock-1", &fakeConn{}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := broker.Register("sock-1", &fakeConn{})
	if !errors.Is(err, ErrDuplicateConn) {
		t.Fatalf("expected ErrDuplicateConn, got %v", err)
	}
}

func TestUnregisterAbsentIsNoOp(t *testing.T) {
	broker := newTestBroker()
	broker.Unregister("never-registered")
	broker.Unregister("never-registered")
}

func TestSubscribeIsIdempotent(t *testing.T) {
	broker := newTestBroker()
	conn := &fakeConn{}
	if err := broker.Register("sock-1", conn); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	broker.Subscribe("T1", "sock-1")
	broker.Subscribe("T1", "sock-1")

	if got := broker.Subscribers("T1"); len(got) != 1 {
		t.Fatalf("expected one subscriber, got %v", got)
	}
	broker.BroadcastNotification("T1", notificationAt("T1", "msg-A", time.Now()))
	if got := conn.texts(t, EventNotification); len(got) != 1 {
		t.Fatalf("expected single delivery, got %v", got)
	}
}

func TestDisconnectPurgesEveryTeam(t *testing.T) {
	broker := newTestBroker()
	conn := &fakeConn{}
	if err := broker.Register("sock-1", conn); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	broker.Subscribe("T1", "sock-1")
	broker.Subscribe("T2", "sock-1")

	broker.Disconnect("sock-1")

	for _, team := range []string{"T1", "T2"} {
		if got := broker.Subscribers(team); len(got) != 0 {
			t.Fatalf("expected no subscribers for %s after disconnect, got %v", team, got)
		}
	}
	broker.BroadcastNotification("T1", notificationAt("T1", "msg-A", time.Now()))
	broker.BroadcastWarning(domain.Warning{Message: "maintenance"})
	if got := conn.received(); len(got) != 0 {
		t.Fatalf("expected zero deliveries after disconnect, got %v", got)
	}
}

func TestBroadcastNotificationReachesOnlySubscribers(t *testing.T) {
	broker := newTestBroker()
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	for id, conn := range map[string]*fakeConn{"sock-a": a, "sock-b": b, "sock-c": c} {
		if err := broker.Register(id, conn); err != nil {
			t.Fatalf("register %s failed: %v", id, err)
		}
	}
	broker.Subscribe("T1", "sock-a")
	broker.Subscribe("T1", "sock-b")
	broker.Subscribe("T2", "sock-c")

	broker.BroadcastNotification("T1", notificationAt("T1", "msg-A", time.Now()))

	for name, conn := range map[string]*fakeConn{"a": a, "b": b} {
		if got := conn.texts(t, EventNotification); len(got) != 1 || got[0] != "msg-A" {
			t.Fatalf("subscriber %s expected msg-A, got %v", name, got)
		}
	}
	if got := c.received(); len(got) != 0 {
		t.Fatalf("non-subscriber received deliveries: %v", got)
	}
}

func TestBroadcastWarningReachesAllConnections(t *testing.T) {
	broker := newTestBroker()
	conns := map[string]*fakeConn{"sock-a": {}, "sock-b": {}, "sock-c": {}}
	for id, conn := range conns {
		if err := broker.Register(id, conn); err != nil {
			t.Fatalf("register %s failed: %v", id, err)
		}
	}
	broker.Subscribe("T1", "sock-a")

	broker.BroadcastWarning(domain.Warning{Message: "disk pressure", IssuedAt: time.Now()})

	for id, conn := range conns {
		frames := conn.received()
		if len(frames) != 1 || frames[0].Event != EventWarning {
			t.Fatalf("connection %s expected one warning, got %v", id, frames)
		}
	}
}

func TestSendHistoryIsOneEventNewestFirst(t *testing.T) {
	broker := newTestBroker()
	conn := &fakeConn{}
	if err := broker.Register("sock-1", conn); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	t1 := time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	broker.SendHistory("sock-1", []domain.Notification{
		notificationAt("T1", "msg-B", t2),
		notificationAt("T1", "msg-A", t1),
	})

	frames := conn.received()
	if len(frames) != 1 {
		t.Fatalf("expected exactly one history event, got %d", len(frames))
	}
	if frames[0].Event != EventNotificationHistory {
		t.Fatalf("unexpected event name %q", frames[0].Event)
	}
	var items []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(frames[0].Data, &items); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(items) != 2 || items[0].Text != "msg-B" || items[1].Text != "msg-A" {
		t.Fatalf("expected newest-first [msg-B msg-A], got %v", items)
	}
}

func TestSendHistoryToVanishedConnectionIsSilent(t *testing.T) {
	broker := newTestBroker()
	broker.SendHistory("gone", []domain.Notification{notificationAt("T1", "msg-A", time.Now())})
}

func TestFailedSendIsSkippedOthersStillDelivered(t *testing.T) {
	broker := newTestBroker()
	broken := &fakeConn{sendErr: errors.New("write timeout")}
	healthy := &fakeConn{}
	if err := broker.Register("sock-broken", broken); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := broker.Register("sock-healthy", healthy); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	broker.Subscribe("T1", "sock-broken")
	broker.Subscribe("T1", "sock-healthy")

	broker.BroadcastNotification("T1", notificationAt("T1", "msg-A", time.Now()))

	if got := healthy.texts(t, EventNotification); len(got) != 1 {
		t.Fatalf("healthy connection expected delivery, got %v", got)
	}
	// The failing connection stays registered; its own read loop tears it down.
	if got := broker.Subscribers("T1"); len(got) != 2 {
		t.Fatalf("expected both subscribers to remain, got %v", got)
	}
}

func TestSameTeamDeliveryOrderPreserved(t *testing.T) {
	broker := newTestBroker()
	conn := &fakeConn{}
	if err := broker.Register("sock-1", conn); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	broker.Subscribe("T1", "sock-1")

	base := time.Now().UTC()
	for i := 0; i < 100; i++ {
		broker.BroadcastNotification("T1", notificationAt("T1", fmt.Sprintf("msg-%03d", i), base.Add(time.Duration(i)*time.Millisecond)))
	}

	texts := conn.texts(t, EventNotification)
	if len(texts) != 100 {
		t.Fatalf("expected 100 deliveries, got %d", len(texts))
	}
	for i, text := range texts {
		if want := fmt.Sprintf("msg-%03d", i); text != want {
			t.Fatalf("delivery %d out of order: got %s want %s", i, text, want)
		}
	}
}

func TestConcurrentLifecycleAndBroadcast(t *testing.T) {
	broker := newTestBroker()
	stable := &fakeConn{}
	if err := broker.Register("sock-stable", stable); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	broker.Subscribe("T1", "sock-stable")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id := fmt.Sprintf("sock-%d", idx)
			if err := broker.Register(id, &fakeConn{}); err != nil {
				t.Errorf("register %s: %v", id, err)
				return
			}
			broker.Subscribe("T1", id)
			broker.Subscribe("T2", id)
			broker.Disconnect(id)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			broker.BroadcastNotification("T1", notificationAt("T1", fmt.Sprintf("live-%02d", i), time.Now()))
			broker.BroadcastWarning(domain.Warning{Message: "load"})
		}
	}()
	wg.Wait()

	// Churned connections must leave no residue.
	if got := broker.Subscribers("T2"); len(got) != 0 {
		t.Fatalf("expected T2 empty after churn, got %v", got)
	}
	if got := broker.Subscribers("T1"); len(got) != 1 || got[0] != "sock-stable" {
		t.Fatalf("expected only the stable subscriber on T1, got %v", got)
	}
	texts := stable.texts(t, EventNotification)
	if len(texts) != 50 {
		t.Fatalf("stable subscriber expected 50 notifications, got %d", len(texts))
	}
	for i, text := range texts {
		if want := fmt.Sprintf("live-%02d", i); text != want {
			t.Fatalf("delivery %d out of order: got %s want %s", i, text, want)
		}
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	broker := newTestBroker()
	conn := &fakeConn{}
	if err := broker.Register("sock-1", conn); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	broker.Subscribe("T1", "sock-1")

	broker.Close()

	if !conn.closed {
		t.Fatal("expected connection to be closed on broker shutdown")
	}
	if got := broker.ConnectionIDs(); len(got) != 0 {
		t.Fatalf("expected empty registry after close, got %v", got)
	}
	if got := broker.Subscribers("T1"); len(got) != 0 {
		t.Fatalf("expected empty index after close, got %v", got)
	}
	if err := broker.Register("sock-2", &fakeConn{}); !errors.Is(err, ErrBrokerClosed) {
		t.Fatalf("expected ErrBrokerClosed, got %v", err)
	}
}
