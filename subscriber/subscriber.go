// Package subscriber manages live client subscriptions: room access checks,
// per-subscription filtering, delivery with acknowledgment timeouts, and
// replay of recent room history to newly-created subscriptions.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"realtime-service/broker"
	"realtime-service/domain"
)

// Delivery channels distinguish backlog from live traffic on the wire.
const (
	ChannelEvent  = "event"
	ChannelReplay = "replay"
)

// Connection is the transport-level handle to one client. Send blocks until
// the client acknowledges the frame or the context expires; for SSE
// transports a successful write and flush counts as the acknowledgment.
type Connection interface {
	ID() string
	Principal() domain.Principal
	Alive() bool
	Send(ctx context.Context, channel string, payload []byte) error
}

// Config tunes subscription limits, delivery, and health checking.
type Config struct {
	MaxSubscriptionsPerUser int
	AckTimeout              time.Duration
	HealthInterval          time.Duration
	DefaultReplayCount      int
	MaxReplayCount          int
}

func (c *Config) applyDefaults() {
	if c.MaxSubscriptionsPerUser <= 0 {
		c.MaxSubscriptionsPerUser = 10
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.DefaultReplayCount <= 0 {
		c.DefaultReplayCount = 20
	}
	if c.MaxReplayCount <= 0 {
		c.MaxReplayCount = 100
	}
}

// SubscribeRequest is a client's interest declaration.
type SubscribeRequest struct {
	EventTypes    []domain.EventType `json:"eventTypes"`
	Rooms         []string           `json:"rooms"`
	Filters       *domain.Filters    `json:"filters,omitempty"`
	ReplayHistory bool               `json:"replayHistory,omitempty"`
	ReplayCount   int                `json:"replayCount,omitempty"`
}

// SubscribeResult confirms or rejects a subscribe request.
type SubscribeResult struct {
	Success        bool               `json:"success"`
	SubscriptionID string             `json:"subscriptionId,omitempty"`
	EventTypes     []domain.EventType `json:"eventTypes,omitempty"`
	Rooms          []string           `json:"rooms,omitempty"`
	EventsReplayed int                `json:"eventsReplayed"`
	Error          string             `json:"error,omitempty"`
}

type subEntry struct {
	mu            sync.Mutex
	sub           *domain.Subscription
	conn          Connection
	pendingReplay []*domain.Event
}

func (e *subEntry) recordDelivery(latency time.Duration) {
	e.mu.Lock()
	e.sub.EventsReceived++
	ms := float64(latency) / float64(time.Millisecond)
	n := float64(e.sub.EventsReceived)
	e.sub.AverageLatency += (ms - e.sub.AverageLatency) / n
	e.sub.LastActivity = time.Now().UTC()
	e.mu.Unlock()
}

func (e *subEntry) recordFiltered() {
	e.mu.Lock()
	e.sub.EventsFiltered++
	e.mu.Unlock()
}

// snapshot copies the subscription under the entry lock so matching never
// races a concurrent filter update.
func (e *subEntry) snapshot() domain.Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.sub
}

// Subscriber owns the canonical subscription registry. All mutation funnels
// through its methods under one lock.
type Subscriber struct {
	cfg    Config
	broker *broker.Broker
	logger *log.Logger

	mu        sync.RWMutex
	subs      map[string]*subEntry
	byConn    map[string]map[string]*subEntry
	byRoom    map[string]map[string]*subEntry
	bindings  map[string]*broker.RoomSubscription
	conns     map[string]Connection
	userCount map[string]int
	healthPct float64

	delivered atomic.Uint64
	filtered  atomic.Uint64
	failures  atomic.Uint64
	replayed  atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates and starts a subscriber over the given broker.
func New(b *broker.Broker, logger *log.Logger, cfg Config) *Subscriber {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Subscriber{
		cfg:       cfg,
		broker:    b,
		logger:    logger,
		subs:      make(map[string]*subEntry),
		byConn:    make(map[string]map[string]*subEntry),
		byRoom:    make(map[string]map[string]*subEntry),
		bindings:  make(map[string]*broker.RoomSubscription),
		conns:     make(map[string]Connection),
		userCount: make(map[string]int),
		healthPct: 100,
		stopCh:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.healthLoop()
	return s
}

// Subscribe validates the request against the connection's principal,
// registers the subscription, lazily opens the broker-level room
// subscriptions, and optionally stages recent history for replay. The staged
// backlog is delivered by StartReplay once the caller has confirmed the
// subscription to the client.
func (s *Subscriber) Subscribe(ctx context.Context, conn Connection, req SubscribeRequest) SubscribeResult {
	p := conn.Principal()
	if p.ID == "" || p.OrganizationID == "" {
		return SubscribeResult{Success: false, Error: "missing principal"}
	}
	if len(req.Rooms) == 0 {
		return SubscribeResult{Success: false, Error: "at least one room is required"}
	}
	for _, t := range req.EventTypes {
		if !t.Valid() {
			return SubscribeResult{Success: false, Error: fmt.Sprintf("unknown event type %q", t)}
		}
		if t.Restricted() && !p.Role.Elevated() {
			return SubscribeResult{Success: false, Error: fmt.Sprintf("event type %q requires admin or manager role", t)}
		}
	}
	for _, room := range req.Rooms {
		if err := domain.CheckRoomAccess(room, p); err != nil {
			return SubscribeResult{Success: false, Error: err.Error()}
		}
	}

	sub := &domain.Subscription{
		ID:             uuid.NewString(),
		ConnectionID:   conn.ID(),
		UserID:         p.ID,
		OrganizationID: p.OrganizationID,
		Role:           p.Role,
		EventTypes:     req.EventTypes,
		Rooms:          req.Rooms,
		CreatedAt:      time.Now().UTC(),
		LastActivity:   time.Now().UTC(),
	}
	if req.Filters != nil {
		sub.Filters = *req.Filters
	}
	entry := &subEntry{sub: sub, conn: conn}

	s.mu.Lock()
	if s.userCount[p.ID] >= s.cfg.MaxSubscriptionsPerUser {
		s.mu.Unlock()
		return SubscribeResult{Success: false, Error: "Subscription limit exceeded"}
	}
	var opened []string
	for _, room := range req.Rooms {
		if _, bound := s.bindings[room]; bound {
			continue
		}
		binding, err := s.broker.Subscribe(context.Background(), room, s.roomHandler(room))
		if err != nil {
			var undo []*broker.RoomSubscription
			for _, r := range opened {
				undo = append(undo, s.bindings[r])
				delete(s.bindings, r)
			}
			s.mu.Unlock()
			s.closeBindings(undo)
			return SubscribeResult{Success: false, Error: fmt.Sprintf("broker subscribe failed: %v", err)}
		}
		s.bindings[room] = binding
		opened = append(opened, room)
	}
	s.subs[sub.ID] = entry
	if s.byConn[conn.ID()] == nil {
		s.byConn[conn.ID()] = make(map[string]*subEntry)
	}
	s.byConn[conn.ID()][sub.ID] = entry
	for _, room := range req.Rooms {
		if s.byRoom[room] == nil {
			s.byRoom[room] = make(map[string]*subEntry)
		}
		s.byRoom[room][sub.ID] = entry
	}
	s.conns[conn.ID()] = conn
	s.userCount[p.ID]++
	s.mu.Unlock()

	s.persistSubscription(ctx, sub)

	replayedCount := 0
	if req.ReplayHistory {
		staged := s.collectReplay(ctx, entry, req.ReplayCount)
		entry.mu.Lock()
		entry.pendingReplay = staged
		entry.mu.Unlock()
		replayedCount = len(staged)
	}

	s.logger.WithFields(log.Fields{
		"subscription": sub.ID,
		"connection":   conn.ID(),
		"user":         p.ID,
		"rooms":        len(req.Rooms),
		"replayed":     replayedCount,
	}).Debug("subscription created")

	return SubscribeResult{
		Success:        true,
		SubscriptionID: sub.ID,
		EventTypes:     sub.EventTypes,
		Rooms:          sub.Rooms,
		EventsReplayed: replayedCount,
	}
}

func (s *Subscriber) persistSubscription(ctx context.Context, sub *domain.Subscription) {
	payload, err := sonic.Marshal(sub)
	if err != nil {
		return
	}
	if err := s.broker.SaveSubscription(ctx, sub.ID, payload); err != nil {
		s.logger.WithError(err).WithField("subscription", sub.ID).Warn("subscription record not persisted")
	}
}

// collectReplay reads the most recent history entries and returns the events
// matching the new subscription, oldest first. Delivery is deferred so the
// client sees the subscription confirmation before any backlog. Overlapping
// subscriptions on the same connection may stage the same event more than
// once; replay does not deduplicate across subscriptions.
func (s *Subscriber) collectReplay(ctx context.Context, entry *subEntry, count int) []*domain.Event {
	if count <= 0 {
		count = s.cfg.DefaultReplayCount
	}
	if count > s.cfg.MaxReplayCount {
		count = s.cfg.MaxReplayCount
	}
	sub := entry.snapshot()
	var staged []*domain.Event
	for _, room := range sub.Rooms {
		payloads, err := s.broker.RecentHistory(ctx, room, int64(count))
		if err != nil {
			s.logger.WithError(err).WithField("room", room).Warn("history read failed")
			continue
		}
		for _, payload := range payloads {
			events, err := domain.DecodeChannelPayload(payload)
			if err != nil {
				continue
			}
			for _, ev := range events {
				if Matches(&sub, ev) {
					staged = append(staged, ev)
				}
			}
		}
	}
	return staged
}

// StartReplay delivers the backlog staged at subscribe time on the replay
// channel and returns how many frames were sent. Callers invoke it after the
// subscription confirmation has reached the client, so backlog frames never
// precede the confirmation that announces them.
func (s *Subscriber) StartReplay(subscriptionID string) int {
	s.mu.RLock()
	entry, ok := s.subs[subscriptionID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	entry.mu.Lock()
	staged := entry.pendingReplay
	entry.pendingReplay = nil
	entry.mu.Unlock()

	sent := 0
	for _, ev := range staged {
		if err := s.deliver(entry, ev, ChannelReplay); err == nil {
			sent++
			s.replayed.Add(1)
		}
	}
	return sent
}

// roomHandler builds the broker message handler for one room. Dispatch
// iterates only the subscriptions registered for that room. Each subscription
// gets one goroutine per payload: a slow subscriber never blocks the rest of
// the room, and the events of a batch envelope reach every receiver in the
// order the flush packed them.
func (s *Subscriber) roomHandler(room string) func([]byte) {
	return func(payload []byte) {
		events, err := domain.DecodeChannelPayload(payload)
		if err != nil {
			s.logger.WithError(err).WithField("room", room).Error("undecodable broker payload")
			return
		}
		s.mu.RLock()
		entries := make([]*subEntry, 0, len(s.byRoom[room]))
		for _, e := range s.byRoom[room] {
			entries = append(entries, e)
		}
		s.mu.RUnlock()

		var dead []string
		for _, entry := range entries {
			if !entry.conn.Alive() {
				dead = append(dead, entry.conn.ID())
				continue
			}
			go s.dispatch(entry, events)
		}
		for _, connID := range dead {
			s.removeConnection(connID)
		}
	}
}

// dispatch delivers one payload's events to one subscription sequentially,
// matching against a snapshot of the subscription taken once per payload.
func (s *Subscriber) dispatch(entry *subEntry, events []*domain.Event) {
	sub := entry.snapshot()
	for _, ev := range events {
		if ev.OrganizationID != sub.OrganizationID {
			continue
		}
		if !Matches(&sub, ev) {
			entry.recordFiltered()
			s.filtered.Add(1)
			continue
		}
		_ = s.deliver(entry, ev, ChannelEvent)
	}
}

// deliver sends one event and waits for acknowledgment up to the configured
// timeout. A timeout is a failed delivery, not a dead subscriber: the
// subscription stays registered.
func (s *Subscriber) deliver(entry *subEntry, ev *domain.Event, channel string) error {
	payload, err := sonic.Marshal(domain.NewWireMessage(ev))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AckTimeout)
	defer cancel()
	start := time.Now()
	if err := entry.conn.Send(ctx, channel, payload); err != nil {
		s.failures.Add(1)
		s.logger.WithError(err).WithFields(log.Fields{
			"subscription": entry.sub.ID,
			"event":        ev.ID,
		}).Warn("delivery failed")
		return err
	}
	entry.recordDelivery(time.Since(start))
	s.delivered.Add(1)
	return nil
}

// Unsubscribe removes one subscription, or every subscription on the
// connection when subscriptionID is empty. Rooms left without subscribers
// lose their broker-level binding.
func (s *Subscriber) Unsubscribe(connectionID, subscriptionID string) error {
	if subscriptionID == "" {
		if removed := s.removeConnection(connectionID); removed == 0 {
			return fmt.Errorf("no subscriptions for connection %s", connectionID)
		}
		return nil
	}
	s.mu.Lock()
	entry, ok := s.subs[subscriptionID]
	if !ok || entry.sub.ConnectionID != connectionID {
		s.mu.Unlock()
		return fmt.Errorf("subscription %s not found for connection %s", subscriptionID, connectionID)
	}
	closers := s.removeEntryLocked(entry)
	s.mu.Unlock()
	s.closeBindings(closers)
	s.deletePersisted(subscriptionID)
	return nil
}

// UpdateSubscriptionFilters replaces a subscription's filters in place
// without touching its room bindings.
func (s *Subscriber) UpdateSubscriptionFilters(connectionID, subscriptionID string, filters domain.Filters) error {
	s.mu.RLock()
	entry, ok := s.subs[subscriptionID]
	s.mu.RUnlock()
	if !ok || entry.sub.ConnectionID != connectionID {
		return errors.New("subscription not found")
	}
	entry.mu.Lock()
	entry.sub.Filters = filters
	entry.sub.LastActivity = time.Now().UTC()
	entry.mu.Unlock()
	s.persistSubscription(context.Background(), entry.sub)
	return nil
}

// removeEntryLocked unlinks an entry from every index and returns the room
// bindings that became empty. Callers close them after releasing the lock.
func (s *Subscriber) removeEntryLocked(entry *subEntry) []*broker.RoomSubscription {
	sub := entry.sub
	delete(s.subs, sub.ID)
	if m := s.byConn[sub.ConnectionID]; m != nil {
		delete(m, sub.ID)
		if len(m) == 0 {
			delete(s.byConn, sub.ConnectionID)
			delete(s.conns, sub.ConnectionID)
		}
	}
	if s.userCount[sub.UserID] > 0 {
		s.userCount[sub.UserID]--
		if s.userCount[sub.UserID] == 0 {
			delete(s.userCount, sub.UserID)
		}
	}
	var closers []*broker.RoomSubscription
	for _, room := range sub.Rooms {
		if m := s.byRoom[room]; m != nil {
			delete(m, sub.ID)
			if len(m) == 0 {
				delete(s.byRoom, room)
				if binding, ok := s.bindings[room]; ok {
					delete(s.bindings, room)
					closers = append(closers, binding)
				}
			}
		}
	}
	return closers
}

func (s *Subscriber) closeBindings(bindings []*broker.RoomSubscription) {
	for _, b := range bindings {
		if err := b.Close(); err != nil {
			s.logger.WithError(err).Warn("broker unsubscribe failed")
		}
	}
}

func (s *Subscriber) deletePersisted(subscriptionID string) {
	if err := s.broker.DeleteSubscription(context.Background(), subscriptionID); err != nil {
		s.logger.WithError(err).WithField("subscription", subscriptionID).Debug("persisted record not deleted")
	}
}

// removeConnection purges every subscription held by a connection and
// returns how many were removed.
func (s *Subscriber) removeConnection(connectionID string) int {
	s.mu.Lock()
	entries := make([]*subEntry, 0, len(s.byConn[connectionID]))
	for _, e := range s.byConn[connectionID] {
		entries = append(entries, e)
	}
	var closers []*broker.RoomSubscription
	var ids []string
	for _, e := range entries {
		closers = append(closers, s.removeEntryLocked(e)...)
		ids = append(ids, e.sub.ID)
	}
	s.mu.Unlock()

	s.closeBindings(closers)
	for _, id := range ids {
		s.deletePersisted(id)
	}
	return len(entries)
}

func (s *Subscriber) healthLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep purges subscriptions whose connections died and recomputes the
// aggregate health percentage.
func (s *Subscriber) sweep() {
	s.mu.RLock()
	total := len(s.conns)
	var dead []string
	for id, conn := range s.conns {
		if !conn.Alive() {
			dead = append(dead, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range dead {
		s.removeConnection(id)
	}

	health := 100.0
	if total > 0 {
		health = float64(total-len(dead)) / float64(total) * 100
	}
	s.mu.Lock()
	s.healthPct = health
	s.mu.Unlock()

	if len(dead) > 0 {
		s.logger.WithFields(log.Fields{"purged": len(dead), "health": health}).Info("health sweep purged stale connections")
	}
}

// Shutdown stops the health loop and closes every room binding.
func (s *Subscriber) Shutdown() {
	close(s.stopCh)
	s.wg.Wait()
	s.mu.Lock()
	bindings := make([]*broker.RoomSubscription, 0, len(s.bindings))
	for room, b := range s.bindings {
		bindings = append(bindings, b)
		delete(s.bindings, room)
	}
	s.mu.Unlock()
	s.closeBindings(bindings)
}

// Stats is a point-in-time snapshot of subscriber health.
type Stats struct {
	Subscriptions int     `json:"subscriptions"`
	Connections   int     `json:"connections"`
	Rooms         int     `json:"rooms"`
	Delivered     uint64  `json:"delivered"`
	Filtered      uint64  `json:"filtered"`
	Failures      uint64  `json:"failures"`
	Replayed      uint64  `json:"replayed"`
	HealthPct     float64 `json:"healthPct"`
}

// Stats reports registry sizes and delivery counters.
func (s *Subscriber) Stats() Stats {
	s.mu.RLock()
	st := Stats{
		Subscriptions: len(s.subs),
		Connections:   len(s.conns),
		Rooms:         len(s.byRoom),
		HealthPct:     s.healthPct,
	}
	s.mu.RUnlock()
	st.Delivered = s.delivered.Load()
	st.Filtered = s.filtered.Load()
	st.Failures = s.failures.Load()
	st.Replayed = s.replayed.Load()
	return st
}

// Subscription returns a copy of the tracked subscription, for handlers that
// report subscription state.
func (s *Subscriber) Subscription(id string) (domain.Subscription, bool) {
	s.mu.RLock()
	entry, ok := s.subs[id]
	s.mu.RUnlock()
	if !ok {
		return domain.Subscription{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return *entry.sub, true
}
