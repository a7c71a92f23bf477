// Package ownership reconciles per-team module ownership claims into a set
// where every team has at most one PRIMARY owner and a list of distinct
// SECONDARY owners that never repeats the PRIMARY member.
package ownership

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RolePrimary   Role = "PRIMARY"
	RoleSecondary Role = "SECONDARY"
)

type Entry struct {
	TeamID   string `json:"team_id"`
	MemberID string `json:"member_id"`
	Role     Role   `json:"role"`
}

// UnmarshalJSON accepts team and member identifiers as strings or numbers.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw struct {
		TeamID   json.RawMessage `json:"team_id"`
		MemberID json.RawMessage `json:"member_id"`
		Role     Role            `json:"role"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	teamID, err := decodeIdentifier(raw.TeamID)
	if err != nil {
		return fmt.Errorf("team_id: %w", err)
	}
	memberID, err := decodeIdentifier(raw.MemberID)
	if err != nil {
		return fmt.Errorf("member_id: %w", err)
	}
	*e = Entry{TeamID: teamID, MemberID: memberID, Role: raw.Role}
	return nil
}

func decodeIdentifier(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		err := json.Unmarshal(trimmed, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return "", fmt.Errorf("identifier must be a string or number: %w", err)
	}
	return n.String(), nil
}

type teamSlot struct {
	teamID      string
	primary     string
	secondaries []string
}

func (t *teamSlot) hasSecondary(memberID string) bool {
	for _, id := range t.secondaries {
		if id == memberID {
			return true
		}
	}
	return false
}

func (t *teamSlot) dropSecondary(memberID string) {
	out := t.secondaries[:0]
	for _, id := range t.secondaries {
		if id != memberID {
			out = append(out, id)
		}
	}
	t.secondaries = out
}

// Normalize returns the canonical ownership list for the given known teams.
// Claims for unknown teams, unknown roles or empty members are discarded.
// A PRIMARY claim evicts the same member's SECONDARY claim; a SECONDARY claim
// for the current PRIMARY member is ignored. Output is ordered by the order of
// teamIDs, PRIMARY first, then SECONDARY in insertion order. Normalize is
// idempotent.
func Normalize(entries []Entry, teamIDs []string) []Entry {
	slots := make([]*teamSlot, 0, len(teamIDs))
	index := make(map[string]*teamSlot, len(teamIDs))
	for _, teamID := range teamIDs {
		teamID = strings.TrimSpace(teamID)
		if teamID == "" {
			continue
		}
		if _, dup := index[teamID]; dup {
			continue
		}
		slot := &teamSlot{teamID: teamID}
		index[teamID] = slot
		slots = append(slots, slot)
	}

	for _, entry := range entries {
		teamID := strings.TrimSpace(entry.TeamID)
		memberID := strings.TrimSpace(entry.MemberID)
		slot, ok := index[teamID]
		if !ok || memberID == "" {
			continue
		}
		switch normalizeRole(entry.Role) {
		case RolePrimary:
			slot.primary = memberID
			slot.dropSecondary(memberID)
		case RoleSecondary:
			if slot.primary != memberID && !slot.hasSecondary(memberID) {
				slot.secondaries = append(slot.secondaries, memberID)
			}
		}
	}

	out := make([]Entry, 0, len(entries))
	for _, slot := range slots {
		if slot.primary != "" {
			out = append(out, Entry{TeamID: slot.teamID, MemberID: slot.primary, Role: RolePrimary})
		}
		for _, memberID := range slot.secondaries {
			out = append(out, Entry{TeamID: slot.teamID, MemberID: memberID, Role: RoleSecondary})
		}
	}
	return out
}

// SetPrimary replaces the PRIMARY owner of teamID. Any other claim the new
// member holds for the same team is removed. An empty memberID clears the slot.
func SetPrimary(entries []Entry, teamID, memberID string) []Entry {
	teamID = strings.TrimSpace(teamID)
	memberID = strings.TrimSpace(memberID)
	out := make([]Entry, 0, len(entries)+1)
	for _, entry := range entries {
		if entry.TeamID == teamID && normalizeRole(entry.Role) == RolePrimary {
			continue
		}
		if memberID != "" && entry.TeamID == teamID && entry.MemberID == memberID {
			continue
		}
		out = append(out, entry)
	}
	if memberID != "" {
		out = append(out, Entry{TeamID: teamID, MemberID: memberID, Role: RolePrimary})
	}
	return out
}

// ToggleSecondary removes the member's SECONDARY claim for teamID if present,
// otherwise adds one and drops the member's PRIMARY claim for that team.
func ToggleSecondary(entries []Entry, teamID, memberID string) []Entry {
	teamID = strings.TrimSpace(teamID)
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return append([]Entry(nil), entries...)
	}
	isSecondary := false
	for _, entry := range entries {
		if entry.TeamID == teamID && entry.MemberID == memberID && normalizeRole(entry.Role) == RoleSecondary {
			isSecondary = true
			break
		}
	}
	out := make([]Entry, 0, len(entries)+1)
	for _, entry := range entries {
		if entry.TeamID != teamID || entry.MemberID != memberID {
			out = append(out, entry)
			continue
		}
		role := normalizeRole(entry.Role)
		if isSecondary && role == RoleSecondary {
			continue
		}
		if !isSecondary && role == RolePrimary {
			continue
		}
		out = append(out, entry)
	}
	if !isSecondary {
		out = append(out, Entry{TeamID: teamID, MemberID: memberID, Role: RoleSecondary})
	}
	return out
}

// PrimaryFor returns the PRIMARY member of teamID, if any.
func PrimaryFor(entries []Entry, teamID string) (string, bool) {
	for _, entry := range entries {
		if entry.TeamID == teamID && normalizeRole(entry.Role) == RolePrimary {
			return entry.MemberID, true
		}
	}
	return "", false
}

func normalizeRole(role Role) Role {
	return Role(strings.ToUpper(strings.TrimSpace(string(role))))
}
