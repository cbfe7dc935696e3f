package ws

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/JanDub-code/tasknotify/internal/domain"
)

// Conn is the transport handle for one live session. Implementations must
// tolerate concurrent Send calls and bound each write internally so a hung
// peer cannot stall fan-out to the rest.
type Conn interface {
	Send(payload []byte) error
	Close()
}

// ErrDuplicateConn reports a connection identifier that is already registered.
// A correct transport layer never produces one; the check is defensive.
var ErrDuplicateConn = errors.New("ws: connection id already registered")

// ErrBrokerClosed reports a register attempt after shutdown.
var ErrBrokerClosed = errors.New("ws: broker closed")

// Broker owns all live-connection state: the registry mapping connection
// identifiers to transport handles, and the subscription index mapping team
// identifiers to subscriber sets. The index holds identifiers only; handles
// live exclusively in the registry. Delivery is best effort: a registry miss
// or a failed write is a normal, silent skip, never an error to the caller.
type Broker struct {
	logger *slog.Logger

	connMu sync.RWMutex
	conns  map[string]Conn
	closed bool

	subMu sync.RWMutex
	subs  map[string]map[string]struct{}
}

// NewBroker creates an initialized Broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger: logger,
		conns:  make(map[string]Conn),
		subs:   make(map[string]map[string]struct{}),
	}
}

// Register records a newly connected client under its identifier.
func (b *Broker) Register(connID string, conn Conn) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if _, ok := b.conns[connID]; ok {
		return ErrDuplicateConn
	}
	b.conns[connID] = conn
	connectionsGauge.Inc()
	b.logger.Info("client connected", "conn_id", connID)
	return nil
}

// Unregister drops a connection from the registry. Absent identifiers are a
// no-op: transports may fire their disconnect handler more than once.
func (b *Broker) Unregister(connID string) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if _, ok := b.conns[connID]; !ok {
		return
	}
	delete(b.conns, connID)
	connectionsGauge.Dec()
	b.logger.Info("client disconnected", "conn_id", connID)
}

// Subscribe adds a connection to a team's subscriber set. Subscribing twice
// has the same effect as once.
func (b *Broker) Subscribe(teamID, connID string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	set, ok := b.subs[teamID]
	if !ok {
		set = make(map[string]struct{})
		b.subs[teamID] = set
	}
	set[connID] = struct{}{}
}

// Disconnect tears down a connection: it is purged from every team's
// subscriber set first, then removed from the registry, so no broadcast can
// observe a subscription without a handle behind it.
func (b *Broker) Disconnect(connID string) {
	b.unsubscribeAll(connID)
	b.Unregister(connID)
}

func (b *Broker) unsubscribeAll(connID string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for teamID, set := range b.subs {
		delete(set, connID)
		if len(set) == 0 {
			delete(b.subs, teamID)
		}
	}
}

// Subscribers returns a point-in-time snapshot of a team's subscriber set.
func (b *Broker) Subscribers(teamID string) []string {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	set := b.subs[teamID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// ConnectionIDs returns a snapshot of every registered connection identifier.
func (b *Broker) ConnectionIDs() []string {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	ids := make([]string, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	return ids
}

// SendHistory delivers a team's persisted notifications to a single
// connection as one notificationHistory event, newest first.
func (b *Broker) SendHistory(connID string, notifications []domain.Notification) {
	payload, err := marshalNotificationHistory(notifications)
	if err != nil {
		b.logger.Warn("failed to marshal history payload", "error", err)
		return
	}
	b.deliver(connID, EventNotificationHistory, payload)
}

// BroadcastNotification fans a freshly persisted notification out to every
// connection subscribed to its team.
func (b *Broker) BroadcastNotification(teamID string, notification domain.Notification) {
	payload, err := marshalNotification(notification)
	if err != nil {
		b.logger.Warn("failed to marshal notification payload", "error", err)
		return
	}
	for _, connID := range b.Subscribers(teamID) {
		b.deliver(connID, EventNotification, payload)
	}
}

// BroadcastWarning pushes a system-wide warning to every connected client,
// regardless of team subscriptions.
func (b *Broker) BroadcastWarning(warning domain.Warning) {
	payload, err := marshalWarning(warning)
	if err != nil {
		b.logger.Warn("failed to marshal warning payload", "error", err)
		return
	}
	for _, connID := range b.ConnectionIDs() {
		b.deliver(connID, EventWarning, payload)
	}
}

// deliver pushes a payload to one connection. A connection that vanished
// between snapshot and push, or whose write fails, is skipped; its read loop
// handles the actual teardown.
func (b *Broker) deliver(connID, event string, payload []byte) {
	b.connMu.RLock()
	conn, ok := b.conns[connID]
	b.connMu.RUnlock()
	if !ok {
		deliverySkipsTotal.WithLabelValues(event, "missing").Inc()
		return
	}
	if err := conn.Send(payload); err != nil {
		deliverySkipsTotal.WithLabelValues(event, "send_failed").Inc()
		b.logger.Warn("delivery skipped", "event", event, "conn_id", connID, "error", err)
		return
	}
	deliveriesTotal.WithLabelValues(event).Inc()
}

// Close shuts the broker down: all connections are released and both indices
// cleared. Subsequent Register calls fail with ErrBrokerClosed.
func (b *Broker) Close() {
	b.connMu.Lock()
	if b.closed {
		b.connMu.Unlock()
		return
	}
	b.closed = true
	conns := make([]Conn, 0, len(b.conns))
	for _, conn := range b.conns {
		conns = append(conns, conn)
	}
	b.conns = make(map[string]Conn)
	connectionsGauge.Sub(float64(len(conns)))
	b.connMu.Unlock()

	b.subMu.Lock()
	b.subs = make(map[string]map[string]struct{})
	b.subMu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
