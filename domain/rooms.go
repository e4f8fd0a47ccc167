package domain

import (
	"fmt"
	"strings"
)

// Rooms are logical routing channels whose names embed tenant scope. Tenant
// isolation is a naming convention enforced by CheckRoomAccess, not by the
// broker itself.

const (
	roomPrefixOrg       = "org"
	roomPrefixDashboard = "dashboard"
	roomPrefixMetrics   = "metrics"
	roomPrefixCollab    = "collab"
)

// OrgRoom names the organization-wide room.
func OrgRoom(orgID string) string {
	return roomPrefixOrg + ":" + orgID
}

// DashboardRoom names the room for a single dashboard.
func DashboardRoom(orgID, dashboardID string) string {
	return roomPrefixDashboard + ":" + orgID + ":" + dashboardID
}

// MetricsRoom names the room for one metric type.
func MetricsRoom(orgID, metricType string) string {
	return roomPrefixMetrics + ":" + orgID + ":" + metricType
}

// CollabRoom names a role-gated collaboration room.
func CollabRoom(orgID, targetID string) string {
	return roomPrefixCollab + ":" + orgID + ":" + targetID
}

// EventsChannel maps a room to its live pub/sub channel.
func EventsChannel(room string) string {
	return "events:" + room
}

// HistoryKey maps a room to its time-ordered history list.
func HistoryKey(room string) string {
	return "event_history:" + room
}

// TimelineKey maps an organization to its time-scored activity set.
func TimelineKey(orgID string) string {
	return "timeline:" + orgID
}

// SubscriptionKey maps a subscription id to its persisted record.
func SubscriptionKey(id string) string {
	return "subscription:" + id
}

// CheckRoomAccess validates that the principal may join the room. The
// organization segment of the room name must match the principal's
// organization, and collab rooms additionally require an elevated role.
func CheckRoomAccess(room string, p Principal) error {
	parts := strings.Split(room, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("malformed room name %q", room)
	}
	switch parts[0] {
	case roomPrefixOrg, roomPrefixDashboard, roomPrefixMetrics:
		if parts[1] != p.OrganizationID {
			return fmt.Errorf("room %q is outside organization %s", room, p.OrganizationID)
		}
	case roomPrefixCollab:
		if !p.Role.Elevated() {
			return fmt.Errorf("room %q requires admin or manager role", room)
		}
		if parts[1] != p.OrganizationID {
			return fmt.Errorf("room %q is outside organization %s", room, p.OrganizationID)
		}
	default:
		return fmt.Errorf("unknown room prefix %q", parts[0])
	}
	return nil
}
