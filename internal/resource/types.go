package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/schediq/internal/ownership"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCommittedTask     = errors.New("task is committed")
	ErrUnknownKind       = errors.New("unknown resource kind")
	ErrEmptyResult       = errors.New("empty result")
)

// Kind names one of the independently refreshable collections.
type Kind string

const (
	KindTeams   Kind = "teams"
	KindMembers Kind = "members"
	KindModules Kind = "modules"
	KindTasks   Kind = "tasks"
)

// Kinds returns the refreshable kinds in a stable order.
func Kinds() []Kind {
	return []Kind{KindTeams, KindMembers, KindModules, KindTasks}
}

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindTeams:
		return KindTeams, nil
	case KindMembers, "personnel", "team-members":
		return KindMembers, nil
	case KindModules:
		return KindModules, nil
	case KindTasks:
		return KindTasks, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
}

// Label is the human readable prefix used in sync error messages.
func (k Kind) Label() string {
	switch k {
	case KindTeams:
		return "Teams"
	case KindMembers:
		return "Personnel"
	case KindModules:
		return "Modules"
	case KindTasks:
		return "Tasks"
	}
	return string(k)
}

// CollectionPath is the remote collection endpoint for the kind.
func (k Kind) CollectionPath() string {
	switch k {
	case KindMembers:
		return "/team-members"
	default:
		return "/" + string(k)
	}
}

// EnvelopeKey is the field name the backend may wrap a listing in.
func (k Kind) EnvelopeKey() string {
	return string(k)
}

func (k Kind) Valid() bool {
	switch k {
	case KindTeams, KindMembers, KindModules, KindTasks:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityMedium   Priority = "Medium"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

// Rank orders priorities Low < Medium < High < Critical; unknown values rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 0
}

type ExperienceLevel string

const (
	ExperienceJunior    ExperienceLevel = "Junior"
	ExperienceMidSenior ExperienceLevel = "Mid-Senior"
	ExperienceSenior    ExperienceLevel = "Senior"
	ExperienceLead      ExperienceLevel = "Lead"
)

func (e ExperienceLevel) Rank() int {
	switch e {
	case ExperienceJunior:
		return 1
	case ExperienceMidSenior:
		return 2
	case ExperienceSenior:
		return 3
	case ExperienceLead:
		return 4
	}
	return 0
}

type Team struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at,omitempty"`
}

type Member struct {
	ID                    string          `json:"id"`
	Name                  string          `json:"name"`
	Email                 string          `json:"email"`
	TeamID                string          `json:"team_id"`
	SkillSets             []string        `json:"skill_sets"`
	ExperienceLevel       ExperienceLevel `json:"experience_level"`
	CapacityHoursPerWeek  float64         `json:"capacity_hours_per_week"`
	Timezone              string          `json:"timezone"`
	CalendarBusyIntervals json.RawMessage `json:"calendar_busy_intervals,omitempty"`
	HistoricalPerformance float64         `json:"historical_performance"`
	IsActive              bool            `json:"is_active"`
	CreatedAt             string          `json:"created_at,omitempty"`
}

type Module struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Owners      []ownership.Entry `json:"owners"`
	CreatedAt   string            `json:"created_at,omitempty"`
}

// UnmarshalJSON accepts the owner list under either "owners" or
// "module_owners".
func (m *Module) UnmarshalJSON(data []byte) error {
	type alias Module
	var raw struct {
		alias
		ID           ID                `json:"id"`
		ModuleOwners []ownership.Entry `json:"module_owners"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Module(raw.alias)
	m.ID = string(raw.ID)
	if len(m.Owners) == 0 && len(raw.ModuleOwners) > 0 {
		m.Owners = raw.ModuleOwners
	}
	if m.Owners == nil {
		m.Owners = []ownership.Entry{}
	}
	return nil
}

type TeamWork struct {
	EffortHours  float64  `json:"effort_hours"`
	PrimaryOwner string   `json:"primary_owner,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`
}

type Task struct {
	ID                   string              `json:"id"`
	Title                string              `json:"title"`
	Description          string              `json:"description"`
	ModuleID             string              `json:"module_id"`
	Priority             Priority            `json:"priority"`
	RequestedBy          string              `json:"requested_by"`
	StartDate            string              `json:"start_date"`
	DueDate              string              `json:"due_date"`
	ExpectedDeliveryDate string              `json:"expected_delivery_date,omitempty"`
	TeamsInvolved        []string            `json:"teams_involved"`
	TeamWork             map[string]TeamWork `json:"team_work"`
	Status               Status              `json:"status"`
	CreatedAt            string              `json:"created_at,omitempty"`
}

type Assignment struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	MemberID      string  `json:"member_id"`
	AssignedHours float64 `json:"assigned_hours"`
	StartDate     string  `json:"start_date"`
	EndDate       string  `json:"end_date"`
	Source        string  `json:"source"`
	CreatedAt     string  `json:"created_at,omitempty"`
}

// State is the canonical snapshot held by the synchronization store.
type State struct {
	Teams       []Team       `json:"teams"`
	Members     []Member     `json:"members"`
	Modules     []Module     `json:"modules"`
	Tasks       []Task       `json:"tasks"`
	Assignments []Assignment `json:"assignments"`
}

func EmptyState() State {
	return State{
		Teams:       []Team{},
		Members:     []Member{},
		Modules:     []Module{},
		Tasks:       []Task{},
		Assignments: []Assignment{},
	}
}

// Clone returns a deep copy that shares no mutable memory with s.
func (s State) Clone() State {
	var out State
	if err := cloneJSON(s, &out); err != nil {
		return EmptyState()
	}
	out.fillNil()
	return out
}

func (s *State) fillNil() {
	if s.Teams == nil {
		s.Teams = []Team{}
	}
	if s.Members == nil {
		s.Members = []Member{}
	}
	if s.Modules == nil {
		s.Modules = []Module{}
	}
	if s.Tasks == nil {
		s.Tasks = []Task{}
	}
	if s.Assignments == nil {
		s.Assignments = []Assignment{}
	}
}

// DecodeState parses a persisted snapshot, defaulting missing collections.
func DecodeState(data []byte) (State, error) {
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return EmptyState(), err
	}
	out.fillNil()
	return out, nil
}

func (s State) TeamIDs() []string {
	ids := make([]string, 0, len(s.Teams))
	for _, team := range s.Teams {
		ids = append(ids, team.ID)
	}
	return ids
}

func (s State) FindTask(id string) (Task, bool) {
	for _, task := range s.Tasks {
		if task.ID == id {
			return task, true
		}
	}
	return Task{}, false
}

func (s State) FindMember(id string) (Member, bool) {
	for _, member := range s.Members {
		if member.ID == id {
			return member, true
		}
	}
	return Member{}, false
}

func cloneJSON(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
