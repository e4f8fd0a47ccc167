// Package activity turns selected events into scored, human-readable feed
// entries, maintains bounded per-tenant (and optional per-user) feeds, and
// aggregates insights over recent history.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"realtime-service/broker"
	"realtime-service/domain"
	"realtime-service/publisher"
)

// Republisher fans freshly-recorded activities back out as low-priority
// live events. Satisfied by *publisher.Publisher.
type Republisher interface {
	PublishUserActivity(ctx context.Context, orgID, userID string, data json.RawMessage) publisher.PublishResult
}

// Config tunes feed capacity, retention, and relevance gating.
type Config struct {
	MaxFeedSize        int
	HistoryRetention   time.Duration
	RelevanceThreshold int
	PersonalFeeds      bool
	CleanupInterval    time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxFeedSize <= 0 {
		c.MaxFeedSize = 100
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 24 * time.Hour
	}
	if c.RelevanceThreshold <= 0 {
		c.RelevanceThreshold = 30
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
}

type feedKey struct {
	orgID  string
	userID string // empty for the organization feed
}

type feedState struct {
	entries     []*domain.ActivityEvent // most recent first
	totalCount  int
	lastUpdated time.Time
}

// AddActivityResult reports the outcome of recording one activity.
type AddActivityResult struct {
	Success      bool   `json:"success"`
	ActivityID   string `json:"activityId,omitempty"`
	FeedsUpdated int    `json:"feedsUpdated"`
	Error        string `json:"error,omitempty"`
}

// FeedQuery narrows and pages a feed read.
type FeedQuery struct {
	Limit    int                   `json:"limit"`
	Offset   int                   `json:"offset"`
	Types    []domain.ActivityType `json:"types,omitempty"`
	MinScore int                   `json:"minScore,omitempty"`
	Since    time.Time             `json:"since,omitempty"`
}

// FeedPage is one page of a materialized feed.
type FeedPage struct {
	Feed        []*domain.ActivityEvent `json:"feed"`
	TotalCount  int                     `json:"totalCount"`
	UnreadCount int                     `json:"unreadCount"`
	HasMore     bool                    `json:"hasMore"`
	LastUpdated time.Time               `json:"lastUpdated"`
}

// Service owns activity history, materialized feeds, and per-user read
// state. All three are mutated only under its lock.
type Service struct {
	cfg    Config
	broker *broker.Broker
	pub    Republisher
	logger *log.Logger
	now    func() time.Time

	mu      sync.RWMutex
	history map[string][]*domain.ActivityEvent // orgID -> oldest first
	feeds   map[feedKey]*feedState
	read    map[feedKey]map[string]struct{} // reader -> read activity ids

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates and starts the activity service. The republisher may be nil;
// republication is best-effort either way.
func New(b *broker.Broker, pub Republisher, logger *log.Logger, cfg Config) *Service {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Service{
		cfg:     cfg,
		broker:  b,
		pub:     pub,
		logger:  logger,
		now:     time.Now,
		history: make(map[string][]*domain.ActivityEvent),
		feeds:   make(map[feedKey]*feedState),
		read:    make(map[feedKey]map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.housekeepLoop()
	return s
}

// AddActivityInput describes one tracked action.
type AddActivityInput struct {
	ID             string              `json:"id,omitempty"`
	Type           domain.ActivityType `json:"type"`
	UserID         string              `json:"userId"`
	UserRole       domain.Role         `json:"userRole"`
	OrganizationID string              `json:"organizationId"`
	TargetID       string              `json:"targetId"`
	TargetType     string              `json:"targetType"`
	TargetName     string              `json:"targetName,omitempty"`
	Description    string              `json:"description"`
	Visibility     domain.Visibility   `json:"visibility,omitempty"`
	Failed         bool                `json:"failed,omitempty"`
	ParticipantIDs []string            `json:"participantIds,omitempty"`
	DurationMS     int64               `json:"durationMs,omitempty"`
}

// AddActivity scores and records one activity, materializes it into the
// relevant feeds, and republishes it as a live low-priority event.
func (s *Service) AddActivity(ctx context.Context, input AddActivityInput) AddActivityResult {
	ev, err := s.buildActivity(input)
	if err != nil {
		return AddActivityResult{Success: false, Error: err.Error()}
	}
	ev.RelevanceScore = Score(ev, s.now())

	s.mu.Lock()
	s.history[ev.OrganizationID] = append(s.history[ev.OrganizationID], ev)
	feedsUpdated := 0
	if ev.RelevanceScore >= s.cfg.RelevanceThreshold {
		feedsUpdated = s.materializeLocked(ev)
	}
	s.mu.Unlock()

	if payload, merr := sonic.Marshal(ev); merr == nil {
		if s.broker != nil {
			if terr := s.broker.AppendTimeline(ctx, ev.OrganizationID, ev.CreatedAt, payload); terr != nil {
				s.logger.WithError(terr).Debug("activity timeline append failed")
			}
		}
		if s.pub != nil {
			if res := s.pub.PublishUserActivity(ctx, ev.OrganizationID, ev.UserID, payload); !res.Success {
				s.logger.WithFields(log.Fields{"activity": ev.ID, "error": res.Error}).Warn("activity republish failed")
			}
		}
	}

	return AddActivityResult{Success: true, ActivityID: ev.ID, FeedsUpdated: feedsUpdated}
}

func (s *Service) buildActivity(input AddActivityInput) (*domain.ActivityEvent, error) {
	if input.OrganizationID == "" {
		return nil, errors.New("organizationId is required")
	}
	if input.UserID == "" {
		return nil, errors.New("userId is required")
	}
	if input.Type == "" {
		return nil, errors.New("activity type is required")
	}
	id := input.ID
	if id == "" {
		id = newActivityID()
	}
	visibility := input.Visibility
	if visibility == "" {
		visibility = domain.VisibilityOrganization
	}
	return &domain.ActivityEvent{
		ID:             id,
		Type:           input.Type,
		UserID:         input.UserID,
		UserRole:       input.UserRole,
		OrganizationID: input.OrganizationID,
		TargetID:       input.TargetID,
		TargetType:     input.TargetType,
		TargetName:     input.TargetName,
		Description:    input.Description,
		Visibility:     visibility,
		Failed:         input.Failed,
		ParticipantIDs: input.ParticipantIDs,
		DurationMS:     input.DurationMS,
		CreatedAt:      s.now().UTC(),
	}, nil
}

// materializeLocked unshifts the activity onto every relevant feed. Private
// activities skip the organization feed and surface only to their actor.
func (s *Service) materializeLocked(ev *domain.ActivityEvent) int {
	updated := 0
	if ev.Visibility != domain.VisibilityPrivate {
		s.pushLocked(feedKey{orgID: ev.OrganizationID}, ev)
		updated++
	}
	if s.cfg.PersonalFeeds {
		seen := map[string]struct{}{ev.UserID: {}}
		s.pushLocked(feedKey{orgID: ev.OrganizationID, userID: ev.UserID}, ev)
		updated++
		if ev.Visibility != domain.VisibilityPrivate {
			for _, pid := range ev.ParticipantIDs {
				if _, dup := seen[pid]; dup {
					continue
				}
				seen[pid] = struct{}{}
				s.pushLocked(feedKey{orgID: ev.OrganizationID, userID: pid}, ev)
				updated++
			}
		}
	}
	return updated
}

// pushLocked prepends onto a fixed-capacity most-recent-first buffer,
// dropping the oldest entry when full.
func (s *Service) pushLocked(key feedKey, ev *domain.ActivityEvent) {
	f := s.feeds[key]
	if f == nil {
		f = &feedState{}
		s.feeds[key] = f
	}
	f.entries = append([]*domain.ActivityEvent{ev}, f.entries...)
	if len(f.entries) > s.cfg.MaxFeedSize {
		f.entries = f.entries[:s.cfg.MaxFeedSize]
	}
	f.totalCount++
	f.lastUpdated = s.now().UTC()
}

// GetActivityFeed returns one page of the organization feed, or of the
// user's personal feed when userID is set and personalization is enabled.
// Empty feeds are lazily materialized from history.
func (s *Service) GetActivityFeed(ctx context.Context, orgID, userID string, q FeedQuery) FeedPage {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	key := feedKey{orgID: orgID}
	if userID != "" && s.cfg.PersonalFeeds {
		key.userID = userID
	}

	s.mu.Lock()
	f := s.feeds[key]
	if f == nil {
		f = s.rebuildLocked(key)
	}
	entries := append([]*domain.ActivityEvent(nil), f.entries...)
	total := f.totalCount
	lastUpdated := f.lastUpdated
	readSet := s.read[feedKey{orgID: orgID, userID: userID}]
	unread := 0
	if userID != "" {
		for _, ev := range entries {
			if _, ok := readSet[ev.ID]; !ok {
				unread++
			}
		}
	}
	s.mu.Unlock()

	filtered := entries[:0:0]
	for _, ev := range entries {
		if len(q.Types) > 0 && !containsActivityType(q.Types, ev.Type) {
			continue
		}
		if q.MinScore > 0 && ev.RelevanceScore < q.MinScore {
			continue
		}
		if !q.Since.IsZero() && ev.CreatedAt.Before(q.Since) {
			continue
		}
		filtered = append(filtered, ev)
	}

	start := q.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + q.Limit
	if end > len(filtered) {
		end = len(filtered)
	}

	return FeedPage{
		Feed:        filtered[start:end],
		TotalCount:  total,
		UnreadCount: unread,
		HasMore:     end < len(filtered),
		LastUpdated: lastUpdated,
	}
}

// rebuildLocked materializes a feed from in-memory history, newest first.
func (s *Service) rebuildLocked(key feedKey) *feedState {
	f := &feedState{}
	hist := s.history[key.orgID]
	for i := len(hist) - 1; i >= 0 && len(f.entries) < s.cfg.MaxFeedSize; i-- {
		ev := hist[i]
		if ev.RelevanceScore < s.cfg.RelevanceThreshold {
			continue
		}
		if ev.Visibility == domain.VisibilityPrivate && ev.UserID != key.userID {
			continue
		}
		if key.userID != "" && !involves(ev, key.userID) {
			continue
		}
		f.entries = append(f.entries, ev)
		f.totalCount++
		if ev.CreatedAt.After(f.lastUpdated) {
			f.lastUpdated = ev.CreatedAt
		}
	}
	s.feeds[key] = f
	return f
}

func involves(ev *domain.ActivityEvent, userID string) bool {
	if ev.UserID == userID {
		return true
	}
	for _, pid := range ev.ParticipantIDs {
		if pid == userID {
			return true
		}
	}
	return false
}

// MarkActivitiesRead records the given activities as read for one user. An
// empty id list marks everything currently in the user's view of the feed.
// Read state is per user, so the same feed shows different unread counts to
// different readers.
func (s *Service) MarkActivitiesRead(orgID, userID string, activityIDs []string) error {
	if userID == "" {
		return errors.New("userId is required")
	}
	readerKey := feedKey{orgID: orgID, userID: userID}

	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.read[readerKey]
	if set == nil {
		set = make(map[string]struct{})
		s.read[readerKey] = set
	}
	if len(activityIDs) == 0 {
		viewKey := feedKey{orgID: orgID}
		if s.cfg.PersonalFeeds {
			if _, ok := s.feeds[feedKey{orgID: orgID, userID: userID}]; ok {
				viewKey.userID = userID
			}
		}
		if f := s.feeds[viewKey]; f != nil {
			for _, ev := range f.entries {
				set[ev.ID] = struct{}{}
			}
		}
		return nil
	}
	for _, id := range activityIDs {
		set[id] = struct{}{}
	}
	return nil
}

// RawHistory returns the retained history slice for an organization, oldest
// first. Activities below the relevance threshold appear here even though
// they never reach a feed.
func (s *Service) RawHistory(orgID string) []*domain.ActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*domain.ActivityEvent(nil), s.history[orgID]...)
}

func (s *Service) housekeepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.housekeep()
		case <-s.stopCh:
			return
		}
	}
}

// housekeep trims per-organization history past retention, in memory and on
// the broker timeline.
func (s *Service) housekeep() {
	cutoff := s.now().UTC().Add(-s.cfg.HistoryRetention)

	s.mu.Lock()
	orgs := make([]string, 0, len(s.history))
	for orgID, hist := range s.history {
		idx := 0
		for idx < len(hist) && hist[idx].CreatedAt.Before(cutoff) {
			idx++
		}
		if idx > 0 {
			s.history[orgID] = append([]*domain.ActivityEvent(nil), hist[idx:]...)
		}
		orgs = append(orgs, orgID)
	}
	s.mu.Unlock()

	if s.broker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, orgID := range orgs {
		if err := s.broker.TrimTimeline(ctx, orgID, cutoff); err != nil {
			s.logger.WithError(err).WithField("org", orgID).Debug("timeline trim failed")
		}
	}
}

// Shutdown stops the housekeeping loop.
func (s *Service) Shutdown() {
	close(s.stopCh)
	s.wg.Wait()
}

// Stats is a point-in-time snapshot of feed sizes.
type Stats struct {
	Organizations int `json:"organizations"`
	Feeds         int `json:"feeds"`
	HistorySize   int `json:"historySize"`
}

// Stats reports history and feed sizes.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, hist := range s.history {
		total += len(hist)
	}
	return Stats{Organizations: len(s.history), Feeds: len(s.feeds), HistorySize: total}
}

func newActivityID() string {
	return uuid.NewString()
}

func containsActivityType(list []domain.ActivityType, v domain.ActivityType) bool {
	for _, t := range list {
		if t == v {
			return true
		}
	}
	return false
}
