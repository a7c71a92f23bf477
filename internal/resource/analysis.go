package resource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const analysisSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["feasible"],
  "properties": {
    "feasible": {"type": "boolean"},
    "conflicts": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "properties": {
          "member_id": {"type": ["string", "number"]},
          "member_name": {"type": "string"},
          "team_id": {"type": ["string", "number"]},
          "task_id": {"type": ["string", "number"]},
          "task_title": {"type": "string"},
          "overload_hours": {"type": "number"}
        }
      }
    },
    "plan": {"type": ["object", "null"]},
    "blocking_reason": {
      "type": ["object", "null"],
      "properties": {
        "blocking_member_name": {"type": "string"},
        "blocking_team_name": {"type": "string"},
        "blocking_task_title": {"type": "string"},
        "conflict_window": {"type": ["object", "null"]}
      }
    },
    "recommendation": {
      "type": ["object", "null"],
      "properties": {"action": {"type": "string"}}
    },
    "estimated_delivery": {"type": ["string", "null"]}
  }
}`

var analysisSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(analysisSchemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal analysis schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("analysis.json", doc); err != nil {
		return nil, fmt.Errorf("add analysis schema: %w", err)
	}
	return c.Compile("analysis.json")
})

type Conflict struct {
	MemberID      ID      `json:"member_id"`
	MemberName    string  `json:"member_name,omitempty"`
	TeamID        ID      `json:"team_id,omitempty"`
	TaskID        ID      `json:"task_id,omitempty"`
	TaskTitle     string  `json:"task_title,omitempty"`
	OverloadHours float64 `json:"overload_hours"`
	From          string  `json:"from,omitempty"`
	To            string  `json:"to,omitempty"`
}

type BlockingReason struct {
	BlockingMemberName string  `json:"blocking_member_name,omitempty"`
	BlockingTeamName   string  `json:"blocking_team_name,omitempty"`
	BlockingTaskTitle  string  `json:"blocking_task_title,omitempty"`
	ConflictWindow     *Window `json:"conflict_window,omitempty"`
}

type Window struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

type Recommendation struct {
	Action string `json:"action"`
}

// AnalysisResult is the feasibility verdict returned by the analysis service.
// The raw body is retained and re-emitted verbatim on marshal.
type AnalysisResult struct {
	Feasible          bool                       `json:"feasible"`
	Conflicts         []Conflict                 `json:"conflicts,omitempty"`
	Plan              map[string]json.RawMessage `json:"plan,omitempty"`
	BlockingReason    *BlockingReason            `json:"blocking_reason,omitempty"`
	Recommendation    *Recommendation            `json:"recommendation,omitempty"`
	EstimatedDelivery string                     `json:"estimated_delivery,omitempty"`

	raw json.RawMessage
}

// AnalysisCache maps task id to the latest analysis of that task.
type AnalysisCache map[string]AnalysisResult

func (c AnalysisCache) Clone() AnalysisCache {
	out := make(AnalysisCache, len(c))
	for taskID, result := range c {
		out[taskID] = result.Clone()
	}
	return out
}

func DecodeAnalysisCache(data []byte) (AnalysisCache, error) {
	out := AnalysisCache{}
	if err := json.Unmarshal(data, &out); err != nil {
		return AnalysisCache{}, err
	}
	if out == nil {
		out = AnalysisCache{}
	}
	return out, nil
}

// Raw returns the body the result was decoded from, if any.
func (r AnalysisResult) Raw() json.RawMessage {
	return append(json.RawMessage(nil), r.raw...)
}

// Clone returns a copy that shares no mutable memory with r.
func (r AnalysisResult) Clone() AnalysisResult {
	if len(r.raw) > 0 {
		var out AnalysisResult
		if err := out.UnmarshalJSON(r.raw); err == nil {
			return out
		}
	}
	out := r
	out.Conflicts = append([]Conflict(nil), r.Conflicts...)
	if r.Plan != nil {
		out.Plan = make(map[string]json.RawMessage, len(r.Plan))
		for team, raw := range r.Plan {
			out.Plan[team] = append(json.RawMessage(nil), raw...)
		}
	}
	if r.Recommendation != nil {
		rec := *r.Recommendation
		out.Recommendation = &rec
	}
	if r.BlockingReason != nil {
		reason := *r.BlockingReason
		if reason.ConflictWindow != nil {
			window := *reason.ConflictWindow
			reason.ConflictWindow = &window
		}
		out.BlockingReason = &reason
	}
	return out
}

func (r AnalysisResult) MarshalJSON() ([]byte, error) {
	if len(r.raw) > 0 {
		return append([]byte(nil), r.raw...), nil
	}
	type alias AnalysisResult
	return json.Marshal(alias(r))
}

func (r *AnalysisResult) UnmarshalJSON(data []byte) error {
	type alias AnalysisResult
	var decoded alias
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*r = AnalysisResult(decoded)
	r.raw = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
	return nil
}

// Overloads returns the conflicts of an infeasible result; feasible results
// report none.
func (r AnalysisResult) Overloads() []Conflict {
	if r.Feasible {
		return nil
	}
	return append([]Conflict(nil), r.Conflicts...)
}

// DecodeAnalysis validates raw against the analysis schema and decodes it.
// An empty body yields ErrEmptyResult.
func DecodeAnalysis(raw json.RawMessage) (AnalysisResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return AnalysisResult{}, ErrEmptyResult
	}
	schema, err := analysisSchema()
	if err != nil {
		return AnalysisResult{}, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("%w: analysis body: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(doc); err != nil {
		return AnalysisResult{}, fmt.Errorf("%w: analysis result: %v", ErrInvalidInput, err)
	}
	var out AnalysisResult
	if err := out.UnmarshalJSON(trimmed); err != nil {
		return AnalysisResult{}, fmt.Errorf("%w: analysis result: %v", ErrInvalidInput, err)
	}
	return out, nil
}
