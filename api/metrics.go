package api

import (
	"time"

	log "github.com/sirupsen/logrus"

	"realtime-service/publisher"
)

type publishRequestMetrics struct {
	logger          *log.Logger
	route           string
	start           time.Time
	authDuration    time.Duration
	publishDuration time.Duration
	published       bool
	queued          bool
	recipients      int64
	errorStage      string
}

func newPublishRequestMetrics(logger *log.Logger, route string) *publishRequestMetrics {
	return &publishRequestMetrics{
		logger: logger,
		route:  route,
		start:  time.Now(),
	}
}

func (m *publishRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *publishRequestMetrics) ObservePublish(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.publishDuration = duration
}

func (m *publishRequestMetrics) SetOutcome(res publisher.PublishResult) {
	m.published = res.Published
	m.queued = res.Queued
	m.recipients = res.RecipientCount
}

func (m *publishRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *publishRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":     m.route,
		"status":    status,
		"total_ms":  durationToMillis(time.Since(m.start)),
		"published": m.published,
		"queued":    m.queued,
	}

	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.publishDuration > 0 {
		fields["publish_ms"] = durationToMillis(m.publishDuration)
	}
	if m.recipients > 0 {
		fields["recipients"] = m.recipients
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	m.logger.WithFields(fields).Info("events.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
