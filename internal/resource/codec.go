package resource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/agentworkforce/schediq/internal/ownership"
)

var serverOwnedFields = []string{"id", "created_at", "updated_at"}

// SanitizeForWrite returns a deep copy of v with server-owned fields removed.
// Only JSON objects are rewritten; nil, scalars and arrays pass through.
func SanitizeForWrite(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	decoded, err := decodeNumbers(data)
	if err != nil {
		return v
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return v
	}
	for _, field := range serverOwnedFields {
		delete(obj, field)
	}
	return obj
}

// SanitizeObject is SanitizeForWrite for callers that need an object back.
func SanitizeObject(v any) (map[string]any, error) {
	out, ok := SanitizeForWrite(v).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidInput)
	}
	return out, nil
}

// NormalizeOwnershipForWrite builds the module write shape: the normalized
// owner list under module_owners, plus name and description when the input
// carries them. Absent fields stay absent so partial patches keep them.
func NormalizeOwnershipForWrite(module any, teamIDs []string) (map[string]any, error) {
	obj, err := SanitizeObject(module)
	if err != nil {
		return nil, err
	}
	rawOwners, ok := obj["owners"].([]any)
	if !ok || len(rawOwners) == 0 {
		rawOwners, _ = obj["module_owners"].([]any)
	}
	entries := make([]ownership.Entry, 0, len(rawOwners))
	for _, raw := range rawOwners {
		owner, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		entries = append(entries, ownership.Entry{
			TeamID:   stringify(owner["team_id"]),
			MemberID: stringify(owner["member_id"]),
			Role:     ownership.Role(stringify(owner["role"])),
		})
	}
	normalized := ownership.Normalize(entries, teamIDs)
	owners := make([]any, 0, len(normalized))
	for _, entry := range normalized {
		owners = append(owners, map[string]any{
			"team_id":   entry.TeamID,
			"member_id": entry.MemberID,
			"role":      string(entry.Role),
		})
	}
	payload := map[string]any{"module_owners": owners}
	for _, field := range []string{"name", "description"} {
		if v, ok := obj[field]; ok {
			payload[field] = stringify(v)
		}
	}
	return payload, nil
}

// UnwrapCollection extracts the listing for kind from any of the envelope
// shapes the backend returns. Unknown shapes yield an empty slice.
func UnwrapCollection(body json.RawMessage, kind Kind) []json.RawMessage {
	items, _ := LookupCollection(body, kind.EnvelopeKey())
	return items
}

// LookupCollection accepts a bare array, {key: [...]}, {data: [...]} and
// {data: {key: [...]}}. The bool reports whether one of those matched.
func LookupCollection(body json.RawMessage, key string) ([]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return []json.RawMessage{}, false
	}
	if items, ok := asArray(trimmed); ok {
		return items, true
	}
	obj, ok := asObject(trimmed)
	if !ok {
		return []json.RawMessage{}, false
	}
	if items, ok := asArray(obj[key]); ok {
		return items, true
	}
	data, present := obj["data"]
	if !present {
		return []json.RawMessage{}, false
	}
	if items, ok := asArray(data); ok {
		return items, true
	}
	if inner, ok := asObject(data); ok {
		if items, ok := asArray(inner[key]); ok {
			return items, true
		}
	}
	return []json.RawMessage{}, false
}

// LookupEnvelope finds key only inside an object envelope, either at the top
// level or under data. Bare arrays never match.
func LookupEnvelope(body json.RawMessage, key string) ([]json.RawMessage, bool) {
	obj, ok := asObject(body)
	if !ok {
		return nil, false
	}
	if items, ok := asArray(obj[key]); ok {
		return items, true
	}
	if inner, ok := asObject(obj["data"]); ok {
		if items, ok := asArray(inner[key]); ok {
			return items, true
		}
	}
	return nil, false
}

// DecodeItems decodes every raw item into T.
func DecodeItems[T any](kind Kind, items []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(items))
	for i, item := range items {
		var value T
		if err := json.Unmarshal(item, &value); err != nil {
			return nil, fmt.Errorf("decode %s item %d: %w", kind, i, err)
		}
		out = append(out, value)
	}
	return out, nil
}

func asArray(raw json.RawMessage) ([]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, false
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items, true
}

func asObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func decodeNumbers(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func stringify(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return fmt.Sprint(typed)
	}
}
