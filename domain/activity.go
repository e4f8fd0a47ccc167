package domain

import "time"

// ActivityType names a human-facing action tracked by the activity feed.
type ActivityType string

const (
	ActivityDashboardCreate    ActivityType = "dashboard_create"
	ActivityDashboardEdit      ActivityType = "dashboard_edit"
	ActivityDashboardView      ActivityType = "dashboard_view"
	ActivityDashboardShare     ActivityType = "dashboard_share"
	ActivityDashboardDelete    ActivityType = "dashboard_delete"
	ActivityReportCreate       ActivityType = "report_create"
	ActivityReportView         ActivityType = "report_view"
	ActivityReportExport       ActivityType = "report_export"
	ActivityCommentAdd         ActivityType = "comment_add"
	ActivityCollaborationStart ActivityType = "collaboration_start"
	ActivityCollaborationEnd   ActivityType = "collaboration_end"
	ActivityAlertTriggered     ActivityType = "alert_triggered"
	ActivitySettingsChange     ActivityType = "settings_change"
)

// Collaborative reports whether the type involves multiple participants.
func (t ActivityType) Collaborative() bool {
	switch t {
	case ActivityCollaborationStart, ActivityCollaborationEnd, ActivityCommentAdd:
		return true
	}
	return false
}

// Visibility controls which feeds an activity may surface in.
type Visibility string

const (
	VisibilityPublic       Visibility = "public"
	VisibilityOrganization Visibility = "organization"
	VisibilityTeam         Visibility = "team"
	VisibilityPrivate      Visibility = "private"
)

// ActivityEvent is a denormalized, human-facing projection of one or more
// underlying events. RelevanceScore is computed, never user-settable.
type ActivityEvent struct {
	ID             string       `json:"id"`
	Type           ActivityType `json:"type"`
	UserID         string       `json:"userId"`
	UserRole       Role         `json:"userRole"`
	OrganizationID string       `json:"organizationId"`
	TargetID       string       `json:"targetId"`
	TargetType     string       `json:"targetType"`
	TargetName     string       `json:"targetName,omitempty"`
	Description    string       `json:"description"`
	RelevanceScore int          `json:"relevanceScore"`
	Visibility     Visibility   `json:"visibility"`
	Failed         bool         `json:"failed,omitempty"`
	ParticipantIDs []string     `json:"participantIds,omitempty"`
	DurationMS     int64        `json:"durationMs,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}
