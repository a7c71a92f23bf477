package resource

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/agentworkforce/schediq/internal/ownership"
)

func TestDecodeItemsAcceptsNumericIdentifiers(t *testing.T) {
	teams, err := DecodeItems[Team](KindTeams, []json.RawMessage{
		json.RawMessage(`{"id":1,"name":"Platform"}`),
		json.RawMessage(`{"id":"B","name":"Data"}`),
	})
	if err != nil {
		t.Fatalf("decode teams: %v", err)
	}
	if teams[0].ID != "1" || teams[0].Name != "Platform" || teams[1].ID != "B" {
		t.Fatalf("unexpected teams %+v", teams)
	}

	var member Member
	if err := json.Unmarshal([]byte(`{"id":7,"name":"Ada","team_id":1,"is_active":true}`), &member); err != nil {
		t.Fatalf("decode member: %v", err)
	}
	if member.ID != "7" || member.TeamID != "1" || !member.IsActive {
		t.Fatalf("unexpected member %+v", member)
	}

	var module Module
	if err := json.Unmarshal([]byte(`{"id":12,"name":"Core","module_owners":[{"team_id":1,"member_id":7,"role":"PRIMARY"}]}`), &module); err != nil {
		t.Fatalf("decode module: %v", err)
	}
	wantOwners := []ownership.Entry{{TeamID: "1", MemberID: "7", Role: ownership.RolePrimary}}
	if module.ID != "12" || !reflect.DeepEqual(module.Owners, wantOwners) {
		t.Fatalf("unexpected module %+v", module)
	}

	var task Task
	if err := json.Unmarshal([]byte(`{"id":5,"title":"Launch","module_id":12,"teams_involved":[1,2],"team_work":{"1":{"effort_hours":8,"primary_owner":7,"depends_on":[2]},"2":{"effort_hours":4}},"status":"PLANNING"}`), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.ID != "5" || task.ModuleID != "12" || !reflect.DeepEqual(task.TeamsInvolved, []string{"1", "2"}) {
		t.Fatalf("unexpected task %+v", task)
	}
	if work := task.TeamWork["1"]; work.PrimaryOwner != "7" || !reflect.DeepEqual(work.DependsOn, []string{"2"}) || work.EffortHours != 8 {
		t.Fatalf("unexpected team work %+v", task.TeamWork)
	}

	var assignment Assignment
	if err := json.Unmarshal([]byte(`{"id":9,"task_id":5,"member_id":7,"assigned_hours":8}`), &assignment); err != nil {
		t.Fatalf("decode assignment: %v", err)
	}
	if assignment.ID != "9" || assignment.TaskID != "5" || assignment.MemberID != "7" || assignment.AssignedHours != 8 {
		t.Fatalf("unexpected assignment %+v", assignment)
	}
}

func TestStateCloneKeepsIdentifiers(t *testing.T) {
	state, err := DecodeState([]byte(`{"teams":[{"id":1,"name":"A"}],"tasks":[{"id":2,"teams_involved":[1]}]}`))
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	clone := state.Clone()
	if clone.Teams[0].ID != "1" || clone.Tasks[0].ID != "2" || clone.Tasks[0].TeamsInvolved[0] != "1" {
		t.Fatalf("unexpected clone %+v", clone)
	}
}

func TestValidateTaskDraftAcceptsNumericIdentifiers(t *testing.T) {
	err := ValidateTaskDraft(map[string]any{
		"module_id":      float64(12),
		"teams_involved": []any{float64(1)},
		"team_work":      map[string]any{"1": map[string]any{"effort_hours": 3}},
	})
	if err != nil {
		t.Fatalf("expected numeric draft to validate, got %v", err)
	}
}
