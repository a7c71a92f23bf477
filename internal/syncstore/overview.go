package syncstore

import (
	"sort"

	"github.com/agentworkforce/schediq/internal/resource"
)

type Overview struct {
	Teams           int                     `json:"teams"`
	ActiveMembers   int                     `json:"active_members"`
	Modules         int                     `json:"modules"`
	Tasks           int                     `json:"tasks"`
	TasksByStatus   map[resource.Status]int `json:"tasks_by_status"`
	OverloadedStaff []Overload              `json:"overloaded_staff"`
}

// Overload is a member named in a conflict of an infeasible analysis.
type Overload struct {
	MemberID      string  `json:"member_id"`
	MemberName    string  `json:"member_name"`
	TaskID        string  `json:"task_id"`
	OverloadHours float64 `json:"overload_hours"`
}

// Overview summarizes the current snapshot for the dashboard.
func (s *Store) Overview() Overview {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Overview{
		Teams:           len(s.state.Teams),
		Modules:         len(s.state.Modules),
		Tasks:           len(s.state.Tasks),
		TasksByStatus:   map[resource.Status]int{},
		OverloadedStaff: []Overload{},
	}
	for _, member := range s.state.Members {
		if member.IsActive {
			out.ActiveMembers++
		}
	}
	for _, status := range resource.Statuses() {
		out.TasksByStatus[status] = 0
	}
	for _, task := range s.state.Tasks {
		out.TasksByStatus[task.Status]++
	}

	taskIDs := make([]string, 0, len(s.cache))
	for id := range s.cache {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)
	seen := map[string]bool{}
	for _, taskID := range taskIDs {
		for _, conflict := range s.cache[taskID].Overloads() {
			key := string(conflict.MemberID)
			if key == "" {
				key = conflict.MemberName
			}
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			name := conflict.MemberName
			if name == "" {
				if member, ok := s.state.FindMember(string(conflict.MemberID)); ok {
					name = member.Name
				}
			}
			out.OverloadedStaff = append(out.OverloadedStaff, Overload{
				MemberID:      string(conflict.MemberID),
				MemberName:    name,
				TaskID:        taskID,
				OverloadHours: conflict.OverloadHours,
			})
		}
	}
	return out
}
