package activity

import (
	"time"

	"realtime-service/domain"
)

// Base relevance per activity type: alerts and creations score highest,
// passive views lowest. The constants are tunable; the clamp to [0,100] is
// the load-bearing contract.
var baseScores = map[domain.ActivityType]int{
	domain.ActivityAlertTriggered:     95,
	domain.ActivityDashboardCreate:    90,
	domain.ActivityReportCreate:       85,
	domain.ActivityDashboardDelete:    70,
	domain.ActivityCollaborationStart: 65,
	domain.ActivityDashboardShare:     60,
	domain.ActivityDashboardEdit:      55,
	domain.ActivityCommentAdd:         50,
	domain.ActivitySettingsChange:     45,
	domain.ActivityCollaborationEnd:   40,
	domain.ActivityReportExport:       35,
	domain.ActivityDashboardView:      10,
	domain.ActivityReportView:         10,
}

const defaultBaseScore = 30

// Score computes the relevance of an activity at the given moment.
func Score(ev *domain.ActivityEvent, now time.Time) int {
	score, ok := baseScores[ev.Type]
	if !ok {
		score = defaultBaseScore
	}

	switch ev.UserRole {
	case domain.RoleAdmin:
		score += 20
	case domain.RoleManager:
		score += 10
	}

	age := now.Sub(ev.CreatedAt)
	switch {
	case age < time.Hour:
		score += 20
	case age < 6*time.Hour:
		score += 10
	case age < 24*time.Hour:
		score += 5
	}

	// Failures are more noteworthy than successes.
	if ev.Failed {
		score += 15
	}

	if ev.Type.Collaborative() {
		score += 2 * len(ev.ParticipantIDs)
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
