package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"realtime-service/domain"
	"realtime-service/publisher"
)

type fakePub struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakePub) PublishUserActivity(ctx context.Context, orgID, userID string, data json.RawMessage) publisher.PublishResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return publisher.PublishResult{Success: false, Error: "broker down"}
	}
	return publisher.PublishResult{Success: true, Queued: true}
}

func (f *fakePub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testService(t *testing.T, cfg Config, pub Republisher) *Service {
	t.Helper()
	s := New(nil, pub, log.New(), cfg)
	t.Cleanup(s.Shutdown)
	return s
}

func addEdit(t *testing.T, s *Service, org, user, target string) AddActivityResult {
	t.Helper()
	res := s.AddActivity(context.Background(), AddActivityInput{
		Type:           domain.ActivityDashboardEdit,
		UserID:         user,
		UserRole:       domain.RoleMember,
		OrganizationID: org,
		TargetID:       target,
		TargetType:     "dashboard",
		Description:    "edited " + target,
	})
	if !res.Success {
		t.Fatalf("addActivity failed: %s", res.Error)
	}
	return res
}

func TestFeedCapacityMostRecentFirst(t *testing.T) {
	s := testService(t, Config{MaxFeedSize: 5, RelevanceThreshold: 10}, nil)

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	step := 0
	s.now = func() time.Time { return base.Add(time.Duration(step) * time.Minute) }

	var ids []string
	for i := 0; i < 8; i++ {
		step = i
		res := addEdit(t, s, "org1", "u1", fmt.Sprintf("d%d", i))
		ids = append(ids, res.ActivityID)
	}

	page := s.GetActivityFeed(context.Background(), "org1", "", FeedQuery{Limit: 10})
	if len(page.Feed) != 5 {
		t.Fatalf("expected feed capped at 5, got %d", len(page.Feed))
	}
	// Most recent first; the oldest three must be absent.
	for i, ev := range page.Feed {
		if ev.ID != ids[7-i] {
			t.Fatalf("feed order broken at %d: %s != %s", i, ev.ID, ids[7-i])
		}
	}
	if page.TotalCount != 8 {
		t.Fatalf("expected totalCount 8, got %d", page.TotalCount)
	}
}

func TestRelevanceThresholdKeepsHistoryOnly(t *testing.T) {
	s := testService(t, Config{RelevanceThreshold: 50}, nil)

	res := s.AddActivity(context.Background(), AddActivityInput{
		Type:           domain.ActivityDashboardView, // 10 + 20 recency = 30 < 50
		UserID:         "u1",
		UserRole:       domain.RoleViewer,
		OrganizationID: "org1",
		TargetID:       "d1",
		TargetType:     "dashboard",
	})
	if !res.Success || res.FeedsUpdated != 0 {
		t.Fatalf("expected success with no feeds updated, got %+v", res)
	}

	hist := s.RawHistory("org1")
	if len(hist) != 1 {
		t.Fatalf("expected activity in raw history, got %d", len(hist))
	}
	page := s.GetActivityFeed(context.Background(), "org1", "", FeedQuery{Limit: 10})
	if len(page.Feed) != 0 {
		t.Fatalf("low-relevance activity leaked into feed: %+v", page.Feed)
	}
}

func TestUnreadCountsPerUser(t *testing.T) {
	s := testService(t, Config{RelevanceThreshold: 10}, nil)

	for i := 0; i < 3; i++ {
		addEdit(t, s, "org1", "author", fmt.Sprintf("d%d", i))
	}

	if err := s.MarkActivitiesRead("org1", "alice", nil); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	alice := s.GetActivityFeed(context.Background(), "org1", "alice", FeedQuery{Limit: 10})
	bob := s.GetActivityFeed(context.Background(), "org1", "bob", FeedQuery{Limit: 10})
	if alice.UnreadCount != 0 {
		t.Fatalf("alice expected 0 unread, got %d", alice.UnreadCount)
	}
	if bob.UnreadCount != 3 {
		t.Fatalf("bob expected 3 unread, got %d", bob.UnreadCount)
	}
}

func TestPersonalFeedsIncludeParticipants(t *testing.T) {
	s := testService(t, Config{RelevanceThreshold: 10, PersonalFeeds: true}, nil)

	res := s.AddActivity(context.Background(), AddActivityInput{
		Type:           domain.ActivityCollaborationStart,
		UserID:         "u1",
		UserRole:       domain.RoleAdmin,
		OrganizationID: "org1",
		TargetID:       "doc1",
		TargetType:     "document",
		ParticipantIDs: []string{"u2"},
	})
	if !res.Success {
		t.Fatalf("addActivity failed: %s", res.Error)
	}
	// org feed + actor feed + one participant feed
	if res.FeedsUpdated != 3 {
		t.Fatalf("expected 3 feeds updated, got %d", res.FeedsUpdated)
	}

	for _, user := range []string{"u1", "u2"} {
		page := s.GetActivityFeed(context.Background(), "org1", user, FeedQuery{Limit: 10})
		if len(page.Feed) != 1 {
			t.Fatalf("user %s expected 1 entry, got %d", user, len(page.Feed))
		}
	}
}

func TestPrivateActivitySkipsOrgFeed(t *testing.T) {
	s := testService(t, Config{RelevanceThreshold: 10, PersonalFeeds: true}, nil)

	res := s.AddActivity(context.Background(), AddActivityInput{
		Type:           domain.ActivitySettingsChange,
		UserID:         "u1",
		UserRole:       domain.RoleAdmin,
		OrganizationID: "org1",
		TargetID:       "prefs",
		TargetType:     "settings",
		Visibility:     domain.VisibilityPrivate,
	})
	if !res.Success || res.FeedsUpdated != 1 {
		t.Fatalf("expected only the actor feed updated, got %+v", res)
	}
	org := s.GetActivityFeed(context.Background(), "org1", "", FeedQuery{Limit: 10})
	if len(org.Feed) != 0 {
		t.Fatalf("private activity leaked into org feed: %+v", org.Feed)
	}
}

func TestRepublishIsBestEffort(t *testing.T) {
	pub := &fakePub{fail: true}
	s := testService(t, Config{RelevanceThreshold: 10}, pub)

	res := addEdit(t, s, "org1", "u1", "d1")
	if !res.Success {
		t.Fatalf("republish failure must not fail addActivity: %+v", res)
	}
	if pub.count() != 1 {
		t.Fatalf("expected 1 republish attempt, got %d", pub.count())
	}
}

func TestGetActivityInsights(t *testing.T) {
	s := testService(t, Config{RelevanceThreshold: 10}, nil)

	base := time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)
	current := base
	s.now = func() time.Time { return current }

	add := func(in AddActivityInput) {
		in.OrganizationID = "org1"
		if in.UserRole == "" {
			in.UserRole = domain.RoleMember
		}
		if res := s.AddActivity(context.Background(), in); !res.Success {
			t.Fatalf("addActivity failed: %s", res.Error)
		}
	}

	add(AddActivityInput{Type: domain.ActivityDashboardView, UserID: "u1", TargetID: "d1", TargetType: "dashboard"})
	add(AddActivityInput{Type: domain.ActivityDashboardView, UserID: "u2", TargetID: "d1", TargetType: "dashboard"})
	add(AddActivityInput{Type: domain.ActivityDashboardEdit, UserID: "u1", TargetID: "d2", TargetType: "dashboard"})

	add(AddActivityInput{Type: domain.ActivityCollaborationStart, UserID: "u1", TargetID: "doc1", TargetType: "document", ParticipantIDs: []string{"u2", "u3"}})
	current = base.Add(30 * time.Minute)
	// The session may be closed by a different user than the one who opened it.
	add(AddActivityInput{Type: domain.ActivityCollaborationEnd, UserID: "u4", TargetID: "doc1", TargetType: "document"})

	in := s.GetActivityInsights(context.Background(), "org1", 24*time.Hour)
	if in.TotalActivities != 5 {
		t.Fatalf("expected 5 activities, got %d", in.TotalActivities)
	}
	if in.ByType[domain.ActivityDashboardView] != 2 {
		t.Fatalf("unexpected byType %v", in.ByType)
	}
	if in.ByHour[9] != 5 {
		t.Fatalf("unexpected byHour %v", in.ByHour)
	}
	if len(in.TopUsers) == 0 || in.TopUsers[0].UserID != "u1" || in.TopUsers[0].Count != 3 {
		t.Fatalf("unexpected top users %v", in.TopUsers)
	}
	if len(in.TopTargets) == 0 || in.TopTargets[0].TargetID != "d1" || in.TopTargets[0].Count != 2 {
		t.Fatalf("unexpected top targets %v", in.TopTargets)
	}
	if in.Collaboration.Sessions != 1 {
		t.Fatalf("expected 1 collaboration session, got %d", in.Collaboration.Sessions)
	}
	if in.Collaboration.TotalDuration != 30*time.Minute {
		t.Fatalf("expected 30m duration, got %v", in.Collaboration.TotalDuration)
	}
	// u1 opened with u2 and u3 present; u4 closed the session.
	if in.Collaboration.Participants != 4 {
		t.Fatalf("expected 4 participants, got %d", in.Collaboration.Participants)
	}
}
