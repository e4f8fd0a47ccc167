// Package publisher accepts typed business events and fans them out through
// the broker. Critical events publish synchronously; everything else is
// micro-batched to trade latency for throughput. Failed publishes land in a
// dead-letter queue with bounded retry.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"realtime-service/broker"
	"realtime-service/domain"
)

const eventVersion = "1"

// Config tunes the publisher's batching, retry, and retention behavior.
type Config struct {
	BatchSize        int
	FlushInterval    time.Duration
	MaxRetries       int
	RetryInterval    time.Duration
	HistoryRetention time.Duration
	DLQRetention     time.Duration
	CleanupInterval  time.Duration
	PublishTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = time.Hour
	}
	if c.DLQRetention <= 0 {
		c.DLQRetention = 10 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
}

// EventSpec describes one event to publish.
type EventSpec struct {
	Type           domain.EventType `json:"type"`
	Source         string           `json:"source"`
	OrganizationID string           `json:"organizationId"`
	UserID         string           `json:"userId,omitempty"`
	Data           json.RawMessage  `json:"data,omitempty"`
	Priority       domain.Priority  `json:"priority,omitempty"`
	CorrelationID  string           `json:"correlationId,omitempty"`
	TTLSeconds     int64            `json:"ttl,omitempty"`
	Tags           []string         `json:"tags,omitempty"`
	Rooms          []string         `json:"rooms,omitempty"`
	TargetUserIDs  []string         `json:"userIds,omitempty"`
	TargetRoles    []string         `json:"roles,omitempty"`
	ExcludeUsers   []string         `json:"excludeUsers,omitempty"`
}

// PublishResult reports the outcome of one publish call.
type PublishResult struct {
	Success        bool   `json:"success"`
	EventID        string `json:"eventId,omitempty"`
	Published      bool   `json:"published"`
	Queued         bool   `json:"queued"`
	RecipientCount int64  `json:"recipientCount,omitempty"`
	Error          string `json:"error,omitempty"`
}

// BatchResult aggregates outcomes of a bulk publish. Partial failure never
// fails the whole batch; failures are itemized by event id.
type BatchResult struct {
	Total      int               `json:"total"`
	Successful int               `json:"successful"`
	Queued     int               `json:"queued"`
	Failed     int               `json:"failed"`
	Errors     map[string]string `json:"errors,omitempty"`
}

type deadLetter struct {
	event   *domain.Event
	rooms   []string
	addedAt time.Time
	lastErr string
}

type historyEntry struct {
	event    *domain.Event
	storedAt time.Time
}

var errShutdown = errors.New("publisher is shut down")

// Publisher owns the publish queue, dead-letter queue, and event history.
// All three are mutated only under its mutex.
type Publisher struct {
	cfg     Config
	broker  *broker.Broker
	deduper Deduper
	logger  *log.Logger

	mu      sync.Mutex
	queue   []*domain.Event
	dlq     []*deadLetter
	history map[string]historyEntry
	closing bool

	flushCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	published    atomic.Uint64
	queued       atomic.Uint64
	deduplicated atomic.Uint64
	retried      atomic.Uint64
	dropped      atomic.Uint64
	started      time.Time
}

// New creates and starts a publisher. Callers must Shutdown it to flush any
// pending batch.
func New(b *broker.Broker, deduper Deduper, logger *log.Logger, cfg Config) *Publisher {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.StandardLogger()
	}
	p := &Publisher{
		cfg:     cfg,
		broker:  b,
		deduper: deduper,
		logger:  logger,
		history: make(map[string]historyEntry),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		started: time.Now().UTC(),
	}
	p.wg.Add(3)
	go p.flushLoop()
	go p.retryLoop()
	go p.housekeepLoop()
	return p
}

// Publish accepts one event spec. Critical events go to the broker
// synchronously; others are queued for the next batch flush. A duplicate
// inside the dedup window is an idempotent no-op reported as success.
func (p *Publisher) Publish(ctx context.Context, spec EventSpec) PublishResult {
	ev, err := p.buildEvent(spec)
	if err != nil {
		return PublishResult{Success: false, Error: err.Error()}
	}

	if p.deduper != nil {
		fresh, derr := p.deduper.Add(ctx, fingerprint(spec))
		if derr != nil {
			p.logger.WithError(derr).Warn("dedup check failed, publishing anyway")
		} else if !fresh {
			p.deduplicated.Add(1)
			return PublishResult{Success: true, EventID: ev.ID, Published: false}
		}
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return PublishResult{Success: false, EventID: ev.ID, Error: errShutdown.Error()}
	}
	p.history[ev.ID] = historyEntry{event: ev, storedAt: time.Now().UTC()}
	p.mu.Unlock()

	if ev.Metadata.Priority == domain.PriorityCritical {
		return p.publishNow(ctx, ev)
	}

	p.mu.Lock()
	// closing can flip between the history insert and here; once it is set
	// the final flush may already have run, so an append would be lost.
	if p.closing {
		delete(p.history, ev.ID)
		p.mu.Unlock()
		return PublishResult{Success: false, EventID: ev.ID, Error: errShutdown.Error()}
	}
	p.queue = append(p.queue, ev)
	full := len(p.queue) >= p.cfg.BatchSize
	p.mu.Unlock()
	p.queued.Add(1)
	if full {
		select {
		case p.flushCh <- struct{}{}:
		default:
		}
	}
	return PublishResult{Success: true, EventID: ev.ID, Queued: true}
}

// PublishBatch runs every spec through Publish concurrently and tallies the
// outcomes with all-settled semantics.
func (p *Publisher) PublishBatch(ctx context.Context, specs []EventSpec) BatchResult {
	res := BatchResult{Total: len(specs), Errors: make(map[string]string)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range specs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			r := p.Publish(ctx, specs[idx])
			mu.Lock()
			defer mu.Unlock()
			switch {
			case r.Success && r.Queued:
				res.Queued++
			case r.Success:
				res.Successful++
			default:
				res.Failed++
				key := r.EventID
				if key == "" {
					key = fmt.Sprintf("spec[%d]", idx)
				}
				res.Errors[key] = r.Error
			}
		}(i)
	}
	wg.Wait()
	if len(res.Errors) == 0 {
		res.Errors = nil
	}
	return res
}

func (p *Publisher) buildEvent(spec EventSpec) (*domain.Event, error) {
	if !spec.Type.Valid() {
		return nil, fmt.Errorf("unknown event type %q", spec.Type)
	}
	if spec.OrganizationID == "" {
		return nil, errors.New("organizationId is required")
	}
	priority := spec.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q", spec.Priority)
	}
	rooms := spec.Rooms
	if len(rooms) == 0 {
		rooms = []string{domain.OrgRoom(spec.OrganizationID)}
	}
	return &domain.Event{
		ID:             uuid.NewString(),
		Type:           spec.Type,
		Source:         spec.Source,
		OrganizationID: spec.OrganizationID,
		UserID:         spec.UserID,
		Data:           spec.Data,
		Metadata: domain.Metadata{
			Version:       eventVersion,
			CreatedAt:     time.Now().UTC(),
			CorrelationID: spec.CorrelationID,
			Priority:      priority,
			TTLSeconds:    spec.TTLSeconds,
			Tags:          spec.Tags,
		},
		Routing: domain.Routing{
			Rooms:        rooms,
			UserIDs:      spec.TargetUserIDs,
			Roles:        spec.TargetRoles,
			ExcludeUsers: spec.ExcludeUsers,
		},
	}, nil
}

// publishNow sends a critical event to every room synchronously. Rooms that
// fail are carried on the dead-letter entry so a retry never re-publishes to
// rooms that already succeeded.
func (p *Publisher) publishNow(ctx context.Context, ev *domain.Event) PublishResult {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		return PublishResult{Success: false, EventID: ev.ID, Error: err.Error()}
	}

	var recipients int64
	var failed []string
	var lastErr error
	for _, room := range ev.Routing.Rooms {
		if perr := p.broker.Publish(ctx, room, payload); perr != nil {
			failed = append(failed, room)
			lastErr = perr
			continue
		}
		if n, cerr := p.broker.SubscriberCount(ctx, room); cerr == nil {
			recipients += n
		}
		if herr := p.broker.AppendHistory(ctx, room, payload); herr != nil {
			p.logger.WithError(herr).WithField("room", room).Warn("history append failed")
		}
	}
	if terr := p.broker.AppendTimeline(ctx, ev.OrganizationID, ev.Metadata.CreatedAt, payload); terr != nil {
		p.logger.WithError(terr).Warn("timeline append failed")
	}

	if len(failed) > 0 {
		p.deadLetter(ev, failed, lastErr)
		if len(failed) == len(ev.Routing.Rooms) {
			return PublishResult{Success: false, EventID: ev.ID, Error: lastErr.Error()}
		}
	}
	p.published.Add(1)
	return PublishResult{Success: true, EventID: ev.ID, Published: true, RecipientCount: recipients}
}

func (p *Publisher) flushLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.flush()
		case <-p.flushCh:
			p.flush()
		case <-p.stopCh:
			return
		}
	}
}

// flush drains the queue and publishes one batch envelope per room. Events
// keep their relative order within a flush.
func (p *Publisher) flush() {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.queue
	p.queue = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()

	byRoom := make(map[string][]*domain.Event)
	for _, ev := range batch {
		for _, room := range ev.Routing.Rooms {
			byRoom[room] = append(byRoom[room], ev)
		}
	}

	for room, events := range byRoom {
		payload, err := sonic.Marshal(domain.NewBatchEnvelope(events))
		if err != nil {
			p.logger.WithError(err).WithField("room", room).Error("batch envelope marshal failed")
			continue
		}
		if err := p.broker.Publish(ctx, room, payload); err != nil {
			p.logger.WithError(err).WithFields(log.Fields{"room": room, "events": len(events)}).Error("batch publish failed")
			for _, ev := range events {
				p.deadLetter(ev, []string{room}, err)
			}
			continue
		}
		p.published.Add(uint64(len(events)))
		p.appendRoomHistory(ctx, room, events)
	}
	for _, ev := range batch {
		if payload, err := sonic.Marshal(ev); err == nil {
			if terr := p.broker.AppendTimeline(ctx, ev.OrganizationID, ev.Metadata.CreatedAt, payload); terr != nil {
				p.logger.WithError(terr).Debug("timeline append failed")
			}
		}
	}
}

func (p *Publisher) appendRoomHistory(ctx context.Context, room string, events []*domain.Event) {
	payloads := make([][]byte, 0, len(events))
	for _, ev := range events {
		data, err := sonic.Marshal(ev)
		if err != nil {
			continue
		}
		payloads = append(payloads, data)
	}
	if err := p.broker.AppendHistory(ctx, room, payloads...); err != nil {
		p.logger.WithError(err).WithField("room", room).Warn("history append failed")
	}
}

// deadLetter records a failed publish for bounded retry. Events past the
// retry ceiling are dropped; the drop is visible only through stats and logs.
func (p *Publisher) deadLetter(ev *domain.Event, rooms []string, cause error) {
	ev.Metadata.RetryCount++
	if ev.Metadata.RetryCount > p.cfg.MaxRetries {
		p.dropped.Add(1)
		p.logger.WithFields(log.Fields{
			"event":   ev.ID,
			"type":    ev.Type,
			"retries": ev.Metadata.RetryCount - 1,
			"rooms":   strings.Join(rooms, ","),
		}).Error("event dropped after exhausting retries")
		return
	}
	entry := &deadLetter{event: ev, rooms: rooms, addedAt: time.Now().UTC()}
	if cause != nil {
		entry.lastErr = cause.Error()
	}
	p.mu.Lock()
	p.dlq = append(p.dlq, entry)
	p.mu.Unlock()
}

func (p *Publisher) retryLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.retryDeadLetters()
		case <-p.stopCh:
			return
		}
	}
}

// retryDeadLetters re-attempts every queued entry once, publishing only to
// the rooms that previously failed.
func (p *Publisher) retryDeadLetters() {
	p.mu.Lock()
	pending := p.dlq
	p.dlq = nil
	p.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()

	for _, entry := range pending {
		payload, err := sonic.Marshal(entry.event)
		if err != nil {
			p.dropped.Add(1)
			continue
		}
		var failed []string
		var lastErr error
		for _, room := range entry.rooms {
			if perr := p.broker.Publish(ctx, room, payload); perr != nil {
				failed = append(failed, room)
				lastErr = perr
				continue
			}
			if herr := p.broker.AppendHistory(ctx, room, payload); herr != nil {
				p.logger.WithError(herr).WithField("room", room).Debug("history append failed on retry")
			}
		}
		if len(failed) == 0 {
			p.retried.Add(1)
			p.published.Add(1)
			continue
		}
		p.deadLetter(entry.event, failed, lastErr)
	}
}

func (p *Publisher) housekeepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.housekeep()
		case <-p.stopCh:
			return
		}
	}
}

// housekeep evicts history past retention and dead letters past their own
// retention, independent of publish traffic.
func (p *Publisher) housekeep() {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, entry := range p.history {
		if now.Sub(entry.storedAt) > p.cfg.HistoryRetention {
			delete(p.history, id)
		}
	}
	kept := p.dlq[:0]
	for _, entry := range p.dlq {
		if now.Sub(entry.addedAt) > p.cfg.DLQRetention {
			p.dropped.Add(1)
			p.logger.WithField("event", entry.event.ID).Warn("dead letter expired")
			continue
		}
		kept = append(kept, entry)
	}
	p.dlq = kept
}

// Shutdown stops the background loops and flushes any pending batch
// synchronously. No queued event is lost on a clean shutdown.
func (p *Publisher) Shutdown() {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.closing = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	p.flush()
}

// Stats is a point-in-time snapshot of publisher health.
type Stats struct {
	QueueDepth   int       `json:"queueDepth"`
	DLQDepth     int       `json:"dlqDepth"`
	HistorySize  int       `json:"historySize"`
	Published    uint64    `json:"published"`
	Queued       uint64    `json:"queued"`
	Deduplicated uint64    `json:"deduplicated"`
	Retried      uint64    `json:"retried"`
	Dropped      uint64    `json:"dropped"`
	StartedAt    time.Time `json:"startedAt"`
}

// Stats reports queue depths and counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	queueDepth := len(p.queue)
	dlqDepth := len(p.dlq)
	historySize := len(p.history)
	p.mu.Unlock()
	return Stats{
		QueueDepth:   queueDepth,
		DLQDepth:     dlqDepth,
		HistorySize:  historySize,
		Published:    p.published.Load(),
		Queued:       p.queued.Load(),
		Deduplicated: p.deduplicated.Load(),
		Retried:      p.retried.Load(),
		Dropped:      p.dropped.Load(),
		StartedAt:    p.started,
	}
}
