package domain

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of business event flowing through the
// distribution pipeline. The set is closed; producers may not invent types.
type EventType string

const (
	MetricsUpdated      EventType = "metrics_updated"
	DashboardChanged    EventType = "dashboard_changed"
	UserActivity        EventType = "user_activity"
	SystemAlert         EventType = "system_alert"
	CollaborationEvent  EventType = "collaboration_event"
	Notification        EventType = "notification"
	PresenceUpdate      EventType = "presence_update"
	RealTimeData        EventType = "real_time_data"
	ConfigurationChange EventType = "configuration_change"
	SecurityEvent       EventType = "security_event"
)

var eventTypes = map[EventType]struct{}{
	MetricsUpdated:      {},
	DashboardChanged:    {},
	UserActivity:        {},
	SystemAlert:         {},
	CollaborationEvent:  {},
	Notification:        {},
	PresenceUpdate:      {},
	RealTimeData:        {},
	ConfigurationChange: {},
	SecurityEvent:       {},
}

// Valid reports whether t is a member of the closed event type set.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// Restricted reports whether subscribing to t requires an elevated role.
func (t EventType) Restricted() bool {
	switch t {
	case SystemAlert, ConfigurationChange, SecurityEvent:
		return true
	}
	return false
}

// Priority orders events for routing: critical events bypass batching.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Metadata carries delivery bookkeeping for an event. RetryCount is the only
// field mutated after creation.
type Metadata struct {
	Version       string    `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Priority      Priority  `json:"priority"`
	TTLSeconds    int64     `json:"ttl,omitempty"`
	RetryCount    int       `json:"retryCount"`
	Tags          []string  `json:"tags,omitempty"`
}

// Routing names the logical channels and target principals for an event.
type Routing struct {
	Rooms        []string `json:"rooms"`
	UserIDs      []string `json:"userIds,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	ExcludeUsers []string `json:"excludeUsers,omitempty"`
}

// Event is the unit of distribution. OrganizationID scopes every routing and
// filtering decision: an event is never delivered to a subscription whose
// organization differs.
type Event struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	Source         string          `json:"source"`
	OrganizationID string          `json:"organizationId"`
	UserID         string          `json:"userId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Metadata       Metadata        `json:"metadata"`
	Routing        Routing         `json:"routing"`
}
