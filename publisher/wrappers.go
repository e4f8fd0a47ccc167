package publisher

import (
	"context"
	"encoding/json"

	"realtime-service/domain"
)

// Convenience constructors over Publish. Each fixes the event type, a
// default priority, and the room naming convention for its domain.

// PublishDashboardUpdate announces a dashboard change to the dashboard's own
// room and the organization room.
func (p *Publisher) PublishDashboardUpdate(ctx context.Context, orgID, userID, dashboardID string, data json.RawMessage) PublishResult {
	return p.Publish(ctx, EventSpec{
		Type:           domain.DashboardChanged,
		Source:         "dashboard-service",
		OrganizationID: orgID,
		UserID:         userID,
		Data:           data,
		Priority:       domain.PriorityHigh,
		Tags:           []string{"dashboard"},
		Rooms:          []string{domain.DashboardRoom(orgID, dashboardID), domain.OrgRoom(orgID)},
	})
}

// PublishMetricsUpdate announces fresh metric values on the metric's room.
func (p *Publisher) PublishMetricsUpdate(ctx context.Context, orgID, metricType string, data json.RawMessage) PublishResult {
	return p.Publish(ctx, EventSpec{
		Type:           domain.MetricsUpdated,
		Source:         "metrics-service",
		OrganizationID: orgID,
		Data:           data,
		Priority:       domain.PriorityMedium,
		Tags:           []string{"metrics", metricType},
		Rooms:          []string{domain.MetricsRoom(orgID, metricType), domain.OrgRoom(orgID)},
	})
}

// PublishUserActivity records a low-priority activity event on the
// organization room.
func (p *Publisher) PublishUserActivity(ctx context.Context, orgID, userID string, data json.RawMessage) PublishResult {
	return p.Publish(ctx, EventSpec{
		Type:           domain.UserActivity,
		Source:         "activity-feed",
		OrganizationID: orgID,
		UserID:         userID,
		Data:           data,
		Priority:       domain.PriorityLow,
		Tags:           []string{"activity"},
		Rooms:          []string{domain.OrgRoom(orgID)},
	})
}

// PublishSystemAlert raises an alert on the organization room. Critical
// severity bypasses batching entirely.
func (p *Publisher) PublishSystemAlert(ctx context.Context, orgID, severity string, data json.RawMessage) PublishResult {
	priority := domain.PriorityHigh
	if severity == "critical" {
		priority = domain.PriorityCritical
	}
	return p.Publish(ctx, EventSpec{
		Type:           domain.SystemAlert,
		Source:         "alerting",
		OrganizationID: orgID,
		Data:           data,
		Priority:       priority,
		Tags:           []string{"alert", severity},
		Rooms:          []string{domain.OrgRoom(orgID)},
	})
}

// PublishCollaborationEvent announces a collaboration action to the target's
// collab room. The actor is excluded so it never receives its own echo.
func (p *Publisher) PublishCollaborationEvent(ctx context.Context, orgID, actorID, targetID string, data json.RawMessage) PublishResult {
	return p.Publish(ctx, EventSpec{
		Type:           domain.CollaborationEvent,
		Source:         "collaboration",
		OrganizationID: orgID,
		UserID:         actorID,
		Data:           data,
		Priority:       domain.PriorityMedium,
		Tags:           []string{"collaboration"},
		Rooms:          []string{domain.CollabRoom(orgID, targetID), domain.OrgRoom(orgID)},
		ExcludeUsers:   []string{actorID},
	})
}
