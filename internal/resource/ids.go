package resource

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID is an identifier the backend may send as a string or a number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("identifier must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func idStrings(ids []ID) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// The decoders below shadow the string identifier fields with ID so that
// numeric identifiers decode into their decimal string form.

func (t *Team) UnmarshalJSON(data []byte) error {
	type alias Team
	var raw struct {
		alias
		ID ID `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Team(raw.alias)
	t.ID = string(raw.ID)
	return nil
}

func (m *Member) UnmarshalJSON(data []byte) error {
	type alias Member
	var raw struct {
		alias
		ID     ID `json:"id"`
		TeamID ID `json:"team_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Member(raw.alias)
	m.ID = string(raw.ID)
	m.TeamID = string(raw.TeamID)
	return nil
}

func (w *TeamWork) UnmarshalJSON(data []byte) error {
	type alias TeamWork
	var raw struct {
		alias
		PrimaryOwner ID   `json:"primary_owner"`
		DependsOn    []ID `json:"depends_on"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*w = TeamWork(raw.alias)
	w.PrimaryOwner = string(raw.PrimaryOwner)
	w.DependsOn = idStrings(raw.DependsOn)
	return nil
}

func (t *Task) UnmarshalJSON(data []byte) error {
	type alias Task
	var raw struct {
		alias
		ID            ID   `json:"id"`
		ModuleID      ID   `json:"module_id"`
		TeamsInvolved []ID `json:"teams_involved"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Task(raw.alias)
	t.ID = string(raw.ID)
	t.ModuleID = string(raw.ModuleID)
	t.TeamsInvolved = idStrings(raw.TeamsInvolved)
	return nil
}

func (a *Assignment) UnmarshalJSON(data []byte) error {
	type alias Assignment
	var raw struct {
		alias
		ID       ID `json:"id"`
		TaskID   ID `json:"task_id"`
		MemberID ID `json:"member_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Assignment(raw.alias)
	a.ID = string(raw.ID)
	a.TaskID = string(raw.TaskID)
	a.MemberID = string(raw.MemberID)
	return nil
}
