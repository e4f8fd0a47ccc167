package subscriber

import (
	"strings"

	"github.com/bytedance/sonic"

	"realtime-service/domain"
)

// Matches evaluates a subscription's filter against an event. All configured
// dimensions must pass. The organization check comes first and is absolute:
// no combination of rooms, types, or filters crosses a tenant boundary.
func Matches(sub *domain.Subscription, ev *domain.Event) bool {
	if ev.OrganizationID != sub.OrganizationID {
		return false
	}
	if len(sub.EventTypes) > 0 && !containsType(sub.EventTypes, ev.Type) {
		return false
	}
	f := sub.Filters
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, ev.Metadata.Priority) {
		return false
	}
	if len(f.Tags) > 0 && !intersects(f.Tags, ev.Metadata.Tags) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, ev.Source) {
		return false
	}
	if len(f.UserIDs) > 0 && !contains(f.UserIDs, ev.UserID) {
		return false
	}
	if len(f.ExcludeUserIDs) > 0 && contains(f.ExcludeUserIDs, ev.UserID) {
		return false
	}
	if len(ev.Routing.UserIDs) > 0 && !contains(ev.Routing.UserIDs, sub.UserID) {
		return false
	}
	if contains(ev.Routing.ExcludeUsers, sub.UserID) {
		return false
	}
	if len(ev.Routing.Roles) > 0 && !contains(ev.Routing.Roles, string(sub.Role)) {
		return false
	}
	if f.TimeRange != nil && !f.TimeRange.Contains(ev.Metadata.CreatedAt) {
		return false
	}
	if len(f.DataFilters) > 0 && !matchesDataFilters(f.DataFilters, ev.Data) {
		return false
	}
	return true
}

func matchesDataFilters(filters map[string]any, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	var decoded map[string]any
	if err := sonic.Unmarshal(data, &decoded); err != nil {
		return false
	}
	for path, want := range filters {
		got, ok := lookupPath(decoded, path)
		if !ok || !looselyEqual(got, want) {
			return false
		}
	}
	return true
}

// lookupPath walks a dotted path ("a.b.c") through nested JSON objects.
func lookupPath(data map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = data
	for _, seg := range segments {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looselyEqual compares decoded JSON values, normalizing numbers to float64
// so an int filter value matches the float the decoder produces.
func looselyEqual(got, want any) bool {
	if gn, ok := asFloat(got); ok {
		if wn, ok := asFloat(want); ok {
			return gn == wn
		}
		return false
	}
	return got == want
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsType(list []domain.EventType, v domain.EventType) bool {
	for _, t := range list {
		if t == v {
			return true
		}
	}
	return false
}

func containsPriority(list []domain.Priority, v domain.Priority) bool {
	for _, p := range list {
		if p == v {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
