package activity

import (
	"context"
	"sort"
	"time"

	"realtime-service/domain"
)

// UserCount ranks a user by activity volume.
type UserCount struct {
	UserID string `json:"userId"`
	Count  int    `json:"count"`
}

// TargetCount ranks a target by view and edit traffic.
type TargetCount struct {
	TargetID   string `json:"targetId"`
	TargetType string `json:"targetType"`
	Count      int    `json:"count"`
}

// CollaborationStats summarizes paired collaboration sessions.
type CollaborationStats struct {
	Sessions        int           `json:"sessions"`
	TotalDuration   time.Duration `json:"totalDuration"`
	AverageDuration time.Duration `json:"averageDuration"`
	Participants    int           `json:"participants"`
}

// Insights aggregates a time-bounded slice of activity history.
type Insights struct {
	Period          time.Duration               `json:"period"`
	TotalActivities int                         `json:"totalActivities"`
	ByType          map[domain.ActivityType]int `json:"byType"`
	ByHour          [24]int                     `json:"byHour"`
	TopUsers        []UserCount                 `json:"topUsers"`
	TopTargets      []TargetCount               `json:"topTargets"`
	Collaboration   CollaborationStats          `json:"collaboration"`
}

const topN = 10

// GetActivityInsights aggregates activity recorded inside the period:
// counts by type and hour of day, the ten most active users, the ten most
// viewed/edited targets, and collaboration session statistics computed by
// pairing start/end activities that share a target.
func (s *Service) GetActivityInsights(ctx context.Context, orgID string, period time.Duration) Insights {
	if period <= 0 {
		period = 24 * time.Hour
	}
	cutoff := s.now().UTC().Add(-period)

	s.mu.RLock()
	hist := s.history[orgID]
	window := make([]*domain.ActivityEvent, 0, len(hist))
	for _, ev := range hist {
		if !ev.CreatedAt.Before(cutoff) {
			window = append(window, ev)
		}
	}
	s.mu.RUnlock()

	in := Insights{
		Period: period,
		ByType: make(map[domain.ActivityType]int),
	}
	in.TotalActivities = len(window)

	userCounts := make(map[string]int)
	targetCounts := make(map[string]TargetCount)
	starts := make(map[string]*domain.ActivityEvent) // open sessions by target id
	participants := make(map[string]struct{})

	for _, ev := range window {
		in.ByType[ev.Type]++
		in.ByHour[ev.CreatedAt.Hour()]++
		userCounts[ev.UserID]++

		switch ev.Type {
		case domain.ActivityDashboardView, domain.ActivityDashboardEdit, domain.ActivityReportView:
			tc := targetCounts[ev.TargetID]
			tc.TargetID = ev.TargetID
			tc.TargetType = ev.TargetType
			tc.Count++
			targetCounts[ev.TargetID] = tc
		case domain.ActivityCollaborationStart:
			starts[ev.TargetID] = ev
		case domain.ActivityCollaborationEnd:
			start, ok := starts[ev.TargetID]
			if !ok {
				break
			}
			delete(starts, ev.TargetID)
			in.Collaboration.Sessions++
			in.Collaboration.TotalDuration += ev.CreatedAt.Sub(start.CreatedAt)
			// Both ends of the session contribute participants.
			for _, pid := range start.ParticipantIDs {
				participants[pid] = struct{}{}
			}
			participants[start.UserID] = struct{}{}
			for _, pid := range ev.ParticipantIDs {
				participants[pid] = struct{}{}
			}
			participants[ev.UserID] = struct{}{}
		}
	}

	if in.Collaboration.Sessions > 0 {
		in.Collaboration.AverageDuration = in.Collaboration.TotalDuration / time.Duration(in.Collaboration.Sessions)
	}
	in.Collaboration.Participants = len(participants)

	in.TopUsers = topUsers(userCounts)
	in.TopTargets = topTargets(targetCounts)
	return in
}

func topUsers(counts map[string]int) []UserCount {
	out := make([]UserCount, 0, len(counts))
	for id, n := range counts {
		out = append(out, UserCount{UserID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

func topTargets(counts map[string]TargetCount) []TargetCount {
	out := make([]TargetCount, 0, len(counts))
	for _, tc := range counts {
		out = append(out, tc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].TargetID < out[j].TargetID
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}
