package domain

import "time"

// TimeRange bounds event creation times. A zero bound is open.
type TimeRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Filters narrow which events a subscription receives. All configured
// dimensions must pass for delivery.
type Filters struct {
	Priorities     []Priority     `json:"priorities,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Sources        []string       `json:"sources,omitempty"`
	UserIDs        []string       `json:"userIds,omitempty"`
	ExcludeUserIDs []string       `json:"excludeUserIds,omitempty"`
	TimeRange      *TimeRange     `json:"timeRange,omitempty"`
	DataFilters    map[string]any `json:"dataFilters,omitempty"`
}

// Subscription is a live client's interest declaration. Counters are
// maintained by the subscriber that owns the registry.
type Subscription struct {
	ID             string      `json:"id"`
	ConnectionID   string      `json:"connectionId"`
	UserID         string      `json:"userId"`
	OrganizationID string      `json:"organizationId"`
	Role           Role        `json:"role"`
	EventTypes     []EventType `json:"eventTypes"`
	Rooms          []string    `json:"rooms"`
	Filters        Filters     `json:"filters"`
	CreatedAt      time.Time   `json:"createdAt"`
	LastActivity   time.Time   `json:"lastActivity"`
	EventsReceived uint64      `json:"eventsReceived"`
	EventsFiltered uint64      `json:"eventsFiltered"`
	AverageLatency float64     `json:"averageLatencyMs"`
}
