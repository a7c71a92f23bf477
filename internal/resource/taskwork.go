package resource

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ValidateTeamWork checks that teamsInvolved and the keys of teamWork name
// the same teams, that dependencies point at other participants and that
// effort is never negative.
func ValidateTeamWork(teamsInvolved []string, teamWork map[string]TeamWork) error {
	involved := make(map[string]struct{}, len(teamsInvolved))
	for _, teamID := range teamsInvolved {
		teamID = strings.TrimSpace(teamID)
		if teamID == "" {
			return fmt.Errorf("%w: empty team id in teams_involved", ErrInvalidInput)
		}
		if _, dup := involved[teamID]; dup {
			return fmt.Errorf("%w: team %s listed twice in teams_involved", ErrInvalidInput, teamID)
		}
		involved[teamID] = struct{}{}
	}
	if len(involved) != len(teamWork) {
		return fmt.Errorf("%w: teams_involved and team_work disagree", ErrInvalidInput)
	}
	for _, teamID := range sortedKeys(teamWork) {
		work := teamWork[teamID]
		if _, ok := involved[teamID]; !ok {
			return fmt.Errorf("%w: team_work entry %s is not in teams_involved", ErrInvalidInput, teamID)
		}
		if work.EffortHours < 0 {
			return fmt.Errorf("%w: negative effort for team %s", ErrInvalidInput, teamID)
		}
		for _, dep := range work.DependsOn {
			if dep == teamID {
				return fmt.Errorf("%w: team %s depends on itself", ErrInvalidInput, teamID)
			}
			if _, ok := involved[dep]; !ok {
				return fmt.Errorf("%w: team %s depends on non-participant %s", ErrInvalidInput, teamID, dep)
			}
		}
	}
	return nil
}

// taskParticipation is the subset of a task payload that describes which
// teams take part and how.
type taskParticipation struct {
	ModuleID      *string
	TeamsInvolved *[]string
	TeamWork      map[string]TeamWork
	HasTeamWork   bool
}

func decodeParticipation(payload map[string]any) (taskParticipation, error) {
	var out taskParticipation
	var raw struct {
		ModuleID      *ID                 `json:"module_id"`
		TeamsInvolved *[]ID               `json:"teams_involved"`
		TeamWork      map[string]TeamWork `json:"team_work"`
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("%w: task payload: %v", ErrInvalidInput, err)
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return out, fmt.Errorf("%w: task payload: %v", ErrInvalidInput, err)
	}
	if raw.ModuleID != nil {
		moduleID := string(*raw.ModuleID)
		out.ModuleID = &moduleID
	}
	if raw.TeamsInvolved != nil {
		teams := idStrings(*raw.TeamsInvolved)
		if teams == nil {
			teams = []string{}
		}
		out.TeamsInvolved = &teams
	}
	out.TeamWork = raw.TeamWork
	_, out.HasTeamWork = payload["team_work"]
	return out, nil
}

// ValidateTaskDraft validates a sanitized task create payload. A draft must
// name a module and at least one participating team.
func ValidateTaskDraft(payload map[string]any) error {
	p, err := decodeParticipation(payload)
	if err != nil {
		return err
	}
	if p.ModuleID == nil || strings.TrimSpace(*p.ModuleID) == "" {
		return fmt.Errorf("%w: task requires module_id", ErrInvalidInput)
	}
	if p.TeamsInvolved == nil || len(*p.TeamsInvolved) == 0 {
		return fmt.Errorf("%w: task requires at least one team", ErrInvalidInput)
	}
	return ValidateTeamWork(*p.TeamsInvolved, p.TeamWork)
}

// ValidateTaskPatch validates a sanitized task update payload against the
// current task. Participation fields not present in the patch keep their
// current value.
func ValidateTaskPatch(current Task, payload map[string]any) error {
	p, err := decodeParticipation(payload)
	if err != nil {
		return err
	}
	if p.TeamsInvolved == nil && !p.HasTeamWork {
		return nil
	}
	teams := current.TeamsInvolved
	if p.TeamsInvolved != nil {
		teams = *p.TeamsInvolved
	}
	work := current.TeamWork
	if p.HasTeamWork {
		work = p.TeamWork
	}
	return ValidateTeamWork(teams, work)
}

// ChangesParticipation reports whether payload would alter the teams or
// team work of current.
func ChangesParticipation(current Task, payload map[string]any) (bool, error) {
	p, err := decodeParticipation(payload)
	if err != nil {
		return false, err
	}
	if p.TeamsInvolved != nil && !sameTeams(current.TeamsInvolved, *p.TeamsInvolved) {
		return true, nil
	}
	if p.HasTeamWork && !sameTeamWork(current.TeamWork, p.TeamWork) {
		return true, nil
	}
	return false, nil
}

func sameTeams(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameTeamWork(a, b map[string]TeamWork) bool {
	if len(a) != len(b) {
		return false
	}
	for teamID, left := range a {
		right, ok := b[teamID]
		if !ok {
			return false
		}
		if left.EffortHours != right.EffortHours || left.PrimaryOwner != right.PrimaryOwner {
			return false
		}
		if !sameTeams(left.DependsOn, right.DependsOn) {
			return false
		}
	}
	return true
}

// PlanEntry is one team's share of a commit plan.
type PlanEntry struct {
	TeamID      string  `json:"team_id"`
	EffortHours float64 `json:"effort_hours"`
	OwnerType   string  `json:"owner_type"`
}

// FallbackPlan builds a commit plan from the task's own team work, assigning
// every team's effort to its primary owner.
func FallbackPlan(task Task) map[string]json.RawMessage {
	plan := make(map[string]json.RawMessage, len(task.TeamWork))
	for _, teamID := range sortedKeys(task.TeamWork) {
		entry := PlanEntry{
			TeamID:      teamID,
			EffortHours: task.TeamWork[teamID].EffortHours,
			OwnerType:   "primary",
		}
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		plan[teamID] = data
	}
	return plan
}

// TotalEffort sums the effort hours of every participating team.
func (t Task) TotalEffort() float64 {
	var total float64
	for _, work := range t.TeamWork {
		total += work.EffortHours
	}
	return total
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
