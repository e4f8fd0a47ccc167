package publisher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"realtime-service/broker"
	"realtime-service/domain"
)

type capture struct {
	mu       sync.Mutex
	payloads []string
}

func (c *capture) add(p string) {
	c.mu.Lock()
	c.payloads = append(c.payloads, p)
	c.mu.Unlock()
}

func (c *capture) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...)
}

func testSetup(t *testing.T, cfg Config) (*Publisher, *broker.Broker, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rc.Close() })
	b := broker.New(rc, broker.Options{})
	p := New(b, NewRedisDeduper(rc, time.Minute), log.New(), cfg)
	t.Cleanup(p.Shutdown)
	return p, b, rc, m
}

func listen(t *testing.T, rc *redis.Client, channel string) *capture {
	t.Helper()
	c := &capture{}
	pubsub := rc.Subscribe(context.Background(), channel)
	if _, err := pubsub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { pubsub.Close() })
	go func() {
		for msg := range pubsub.Channel() {
			c.add(msg.Payload)
		}
	}()
	return c
}

func TestCriticalPublishIsImmediate(t *testing.T) {
	p, _, rc, _ := testSetup(t, Config{FlushInterval: time.Minute})
	got := listen(t, rc, "events:org:org1")

	res := p.Publish(context.Background(), EventSpec{
		Type:           domain.SystemAlert,
		Source:         "test",
		OrganizationID: "org1",
		Priority:       domain.PriorityCritical,
		Data:           json.RawMessage(`{"cpu":99}`),
	})
	if !res.Success || !res.Published || res.Queued {
		t.Fatalf("unexpected result %+v", res)
	}
	time.Sleep(100 * time.Millisecond)

	payloads := got.snapshot()
	if len(payloads) != 1 {
		t.Fatalf("expected 1 broker publish, got %d", len(payloads))
	}
	var ev domain.Event
	if err := json.Unmarshal([]byte(payloads[0]), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ID != res.EventID || ev.Type != domain.SystemAlert {
		t.Fatalf("unexpected event %+v", ev)
	}

	history, err := rc.LRange(context.Background(), domain.HistoryKey("org:org1"), 0, -1).Result()
	if err != nil || len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d (err %v)", len(history), err)
	}
}

func TestDeduplicationIsIdempotent(t *testing.T) {
	p, _, rc, _ := testSetup(t, Config{FlushInterval: time.Minute})
	got := listen(t, rc, "events:org:org1")

	spec := EventSpec{
		Type:           domain.MetricsUpdated,
		Source:         "collector",
		OrganizationID: "org1",
		Priority:       domain.PriorityCritical,
		Data:           json.RawMessage(`{"v":1}`),
		CorrelationID:  "c1",
	}
	first := p.Publish(context.Background(), spec)
	second := p.Publish(context.Background(), spec)
	if !first.Success || !second.Success {
		t.Fatalf("both publishes must succeed: %+v %+v", first, second)
	}
	if !first.Published || second.Published {
		t.Fatalf("expected exactly the first publish to reach the broker: %+v %+v", first, second)
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(got.snapshot()); n != 1 {
		t.Fatalf("expected exactly 1 broker publish, got %d", n)
	}
	if s := p.Stats(); s.Deduplicated != 1 {
		t.Fatalf("expected 1 deduplicated event, got %d", s.Deduplicated)
	}
}

func TestBatchFlushGroupsByRoom(t *testing.T) {
	p, _, rc, _ := testSetup(t, Config{BatchSize: 100, FlushInterval: 50 * time.Millisecond})
	got := listen(t, rc, "events:org:org1")

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		res := p.Publish(context.Background(), EventSpec{
			Type:           domain.UserActivity,
			Source:         "test",
			OrganizationID: "org1",
			Data:           json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
		})
		if !res.Success || !res.Queued {
			t.Fatalf("expected queued result, got %+v", res)
		}
		ids = append(ids, res.EventID)
	}
	time.Sleep(200 * time.Millisecond)

	payloads := got.snapshot()
	if len(payloads) != 1 {
		t.Fatalf("expected a single batch envelope, got %d messages", len(payloads))
	}
	var env domain.BatchEnvelope
	if err := json.Unmarshal([]byte(payloads[0]), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != domain.BatchEnvelopeType || len(env.Events) != 3 {
		t.Fatalf("unexpected envelope %+v", env)
	}
	for i, ev := range env.Events {
		if ev.ID != ids[i] {
			t.Fatalf("batch order broken at %d: %s != %s", i, ev.ID, ids[i])
		}
	}
}

func TestBatchSizeTriggersEarlyFlush(t *testing.T) {
	p, _, rc, _ := testSetup(t, Config{BatchSize: 2, FlushInterval: time.Minute})
	got := listen(t, rc, "events:org:org1")

	for i := 0; i < 2; i++ {
		p.Publish(context.Background(), EventSpec{
			Type:           domain.PresenceUpdate,
			Source:         "test",
			OrganizationID: "org1",
			Data:           json.RawMessage(`{}`),
			CorrelationID:  string(rune('a' + i)),
		})
	}
	time.Sleep(200 * time.Millisecond)
	if n := len(got.snapshot()); n != 1 {
		t.Fatalf("expected early flush to publish 1 envelope, got %d", n)
	}
}

func TestShutdownFlushesPendingBatch(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()
	b := broker.New(rc, broker.Options{})
	p := New(b, nil, log.New(), Config{BatchSize: 100, FlushInterval: time.Minute})
	got := listen(t, rc, "events:org:org1")

	p.Publish(context.Background(), EventSpec{
		Type:           domain.Notification,
		Source:         "test",
		OrganizationID: "org1",
		Data:           json.RawMessage(`{"msg":"bye"}`),
	})
	p.Shutdown()
	time.Sleep(100 * time.Millisecond)

	if n := len(got.snapshot()); n != 1 {
		t.Fatalf("expected pending batch flushed on shutdown, got %d messages", n)
	}
}

func TestPublishAfterShutdownIsRejected(t *testing.T) {
	p, _, rc, _ := testSetup(t, Config{BatchSize: 100, FlushInterval: time.Minute})
	got := listen(t, rc, "events:org:org1")

	p.Shutdown()
	res := p.Publish(context.Background(), EventSpec{
		Type:           domain.Notification,
		Source:         "test",
		OrganizationID: "org1",
		Data:           json.RawMessage(`{"msg":"late"}`),
	})
	if res.Success || res.Queued {
		t.Fatalf("publish after shutdown must be rejected, got %+v", res)
	}
	// Nothing may linger in the queue: no loop will ever drain it again.
	if s := p.Stats(); s.QueueDepth != 0 || s.HistorySize != 0 {
		t.Fatalf("rejected event left state behind: %+v", s)
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(got.snapshot()); n != 0 {
		t.Fatalf("expected no broker publish after shutdown, got %d", n)
	}
}

func TestCriticalBypassesPendingBatch(t *testing.T) {
	p, _, rc, _ := testSetup(t, Config{BatchSize: 100, FlushInterval: time.Minute})
	got := listen(t, rc, "events:org:org1")

	queued := p.Publish(context.Background(), EventSpec{
		Type:           domain.UserActivity,
		Source:         "test",
		OrganizationID: "org1",
		Data:           json.RawMessage(`{"n":1}`),
	})
	if !queued.Success || !queued.Queued {
		t.Fatalf("expected queued result, got %+v", queued)
	}
	critical := p.Publish(context.Background(), EventSpec{
		Type:           domain.SystemAlert,
		Source:         "test",
		OrganizationID: "org1",
		Priority:       domain.PriorityCritical,
		Data:           json.RawMessage(`{"sev":"high"}`),
	})
	if !critical.Success || !critical.Published {
		t.Fatalf("expected immediate publish, got %+v", critical)
	}
	time.Sleep(100 * time.Millisecond)

	// The critical event reaches the broker while the batch is still pending.
	payloads := got.snapshot()
	if len(payloads) != 1 {
		t.Fatalf("expected only the critical publish, got %d messages", len(payloads))
	}
	events, err := domain.DecodeChannelPayload([]byte(payloads[0]))
	if err != nil || len(events) != 1 || events[0].ID != critical.EventID {
		t.Fatalf("first message is not the critical event: %v (%v)", payloads[0], err)
	}

	// The queued event may only follow, inside the next flush.
	p.Shutdown()
	time.Sleep(100 * time.Millisecond)
	payloads = got.snapshot()
	if len(payloads) != 2 {
		t.Fatalf("expected flush after the critical publish, got %d messages", len(payloads))
	}
	events, err = domain.DecodeChannelPayload([]byte(payloads[1]))
	if err != nil || len(events) != 1 || events[0].ID != queued.EventID {
		t.Fatalf("flush does not carry the queued event: %v (%v)", payloads[1], err)
	}
}

func TestDeadLetterRetryAfterBrokerRecovery(t *testing.T) {
	p, _, rc, m := testSetup(t, Config{
		FlushInterval: time.Minute,
		RetryInterval: 50 * time.Millisecond,
		MaxRetries:    5,
	})

	m.SetError("broker unavailable")
	res := p.Publish(context.Background(), EventSpec{
		Type:           domain.SystemAlert,
		Source:         "test",
		OrganizationID: "org1",
		Priority:       domain.PriorityCritical,
		Data:           json.RawMessage(`{"sev":"high"}`),
	})
	if res.Success {
		t.Fatalf("expected failure while broker is down, got %+v", res)
	}
	if s := p.Stats(); s.DLQDepth != 1 {
		t.Fatalf("expected 1 dead letter, got %d", s.DLQDepth)
	}

	m.SetError("")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := p.Stats(); s.Retried == 1 && s.DLQDepth == 0 {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	s := p.Stats()
	if s.Retried != 1 || s.DLQDepth != 0 {
		t.Fatalf("expected retry to drain the DLQ, stats %+v", s)
	}

	history, err := rc.LRange(context.Background(), domain.HistoryKey("org:org1"), 0, -1).Result()
	if err != nil || len(history) != 1 {
		t.Fatalf("expected retried event in history, got %d (err %v)", len(history), err)
	}
	var ev domain.Event
	if err := json.Unmarshal([]byte(history[0]), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Metadata.RetryCount != 1 {
		t.Fatalf("expected retryCount 1, got %d", ev.Metadata.RetryCount)
	}
}

func TestPublishBatchAllSettled(t *testing.T) {
	p, _, _, _ := testSetup(t, Config{BatchSize: 100, FlushInterval: 50 * time.Millisecond})

	res := p.PublishBatch(context.Background(), []EventSpec{
		{Type: domain.UserActivity, Source: "a", OrganizationID: "org1", Data: json.RawMessage(`{"i":0}`)},
		{Type: domain.EventType("bogus"), Source: "b", OrganizationID: "org1"},
		{Type: domain.DashboardChanged, Source: "c", OrganizationID: "org1", Data: json.RawMessage(`{"i":2}`)},
	})
	if res.Total != 3 || res.Queued != 2 || res.Failed != 1 {
		t.Fatalf("unexpected aggregate %+v", res)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 itemized error, got %v", res.Errors)
	}
}

func TestCollaborationWrapperExcludesActor(t *testing.T) {
	p, _, rc, _ := testSetup(t, Config{BatchSize: 100, FlushInterval: 25 * time.Millisecond})
	got := listen(t, rc, "events:collab:org1:doc1")

	res := p.PublishCollaborationEvent(context.Background(), "org1", "actor1", "doc1", json.RawMessage(`{"op":"edit"}`))
	if !res.Success {
		t.Fatalf("publish failed: %+v", res)
	}
	time.Sleep(150 * time.Millisecond)

	payloads := got.snapshot()
	if len(payloads) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(payloads))
	}
	events, err := domain.DecodeChannelPayload([]byte(payloads[0]))
	if err != nil || len(events) != 1 {
		t.Fatalf("decode: %v (%d events)", err, len(events))
	}
	ev := events[0]
	if len(ev.Routing.ExcludeUsers) != 1 || ev.Routing.ExcludeUsers[0] != "actor1" {
		t.Fatalf("actor not excluded: %+v", ev.Routing)
	}
	if ev.Type != domain.CollaborationEvent {
		t.Fatalf("unexpected type %s", ev.Type)
	}
}

func TestPublishValidation(t *testing.T) {
	p, _, _, _ := testSetup(t, Config{FlushInterval: time.Minute})

	cases := []struct {
		name string
		spec EventSpec
	}{
		{"unknown type", EventSpec{Type: "nope", OrganizationID: "org1"}},
		{"missing org", EventSpec{Type: domain.Notification}},
		{"unknown priority", EventSpec{Type: domain.Notification, OrganizationID: "org1", Priority: "urgent"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := p.Publish(context.Background(), tc.spec)
			if res.Success || res.Error == "" {
				t.Fatalf("expected validation failure, got %+v", res)
			}
		})
	}
}
