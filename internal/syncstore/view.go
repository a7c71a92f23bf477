package syncstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/schediq/internal/resource"
)

type View string

const (
	ViewDashboard View = "dashboard"
	ViewTeams     View = "teams"
	ViewMembers   View = "members"
	ViewModules   View = "modules"
	ViewTasks     View = "tasks"
)

func Views() []View {
	return []View{ViewDashboard, ViewTeams, ViewMembers, ViewModules, ViewTasks}
}

// ParseView accepts a view name or any alias resource.ParseKind accepts.
func ParseView(raw string) (View, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" || normalized == string(ViewDashboard) || normalized == "overview" {
		return ViewDashboard, nil
	}
	kind, err := resource.ParseKind(normalized)
	if err != nil {
		return "", fmt.Errorf("unknown view %q: %w", raw, err)
	}
	return View(kind), nil
}

// Navigate refetches what view displays. Returning to the view that was
// last fetched is a no-op unless the previous sync reported an error. The
// bool reports whether a fetch was issued.
func (s *Store) Navigate(ctx context.Context, view View) (bool, error) {
	if view == "" {
		view = ViewDashboard
	}
	if view != ViewDashboard && !resource.Kind(view).Valid() {
		return false, fmt.Errorf("unknown view %q", view)
	}

	s.mu.Lock()
	skip := s.lastView == view && s.lastError == ""
	s.lastView = view
	s.mu.Unlock()
	if skip {
		return false, nil
	}

	if view == ViewDashboard {
		s.RefreshAll(ctx)
	} else {
		s.RefreshOne(ctx, resource.Kind(view))
	}
	return true, nil
}
