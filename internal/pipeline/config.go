package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TypeConfig is the per-task-type configuration: default params merged under
// every Task of that type, and an optional JSON Schema the merged params must
// satisfy.
type TypeConfig struct {
	Defaults map[string]any
	Schema   json.RawMessage
}

// TypeRegistry resolves effective Task params per type.
// It is immutable once built; config reloads build a new one.
type TypeRegistry struct {
	types   map[TaskType]TypeConfig
	schemas map[TaskType]*jsonschema.Schema
}

// NewTypeRegistry compiles the schemas of cfgs. Unknown task types are rejected.
func NewTypeRegistry(cfgs map[TaskType]TypeConfig) (*TypeRegistry, error) {
	r := &TypeRegistry{
		types:   make(map[TaskType]TypeConfig, len(cfgs)),
		schemas: make(map[TaskType]*jsonschema.Schema, len(cfgs)),
	}
	for tt, tc := range cfgs {
		if !tt.Valid() {
			return nil, fmt.Errorf("%w: unknown task type %q in task_types", ErrInvalidSpec, tt)
		}
		r.types[tt] = TypeConfig{Defaults: cloneMap(tc.Defaults), Schema: tc.Schema}
		if len(bytes.TrimSpace(tc.Schema)) == 0 {
			continue
		}
		sch, err := CompileSchema(string(tt)+".json", tc.Schema)
		if err != nil {
			return nil, fmt.Errorf("task type %s: %w", tt, err)
		}
		r.schemas[tt] = sch
	}
	return r, nil
}

// CompileSchema compiles a JSON Schema document registered under name.
func CompileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// ValidateJSON validates v against sch after normalizing it through a JSON
// round-trip, so Go ints and nested typed maps validate like decoded JSON.
func ValidateJSON(sch *jsonschema.Schema, v any) error {
	if sch == nil {
		return nil
	}
	norm, err := normalizeJSON(v)
	if err != nil {
		return err
	}
	return sch.Validate(norm)
}

// Resolve returns the effective params of a Task of type tt: the type's
// defaults deep-merged with params (params win), validated against the type's
// schema. Neither input is mutated.
func (r *TypeRegistry) Resolve(tt TaskType, params map[string]any) (map[string]any, error) {
	if !tt.Valid() {
		return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidSpec, tt)
	}
	var defaults map[string]any
	if r != nil {
		defaults = r.types[tt].Defaults
	}
	merged := MergeParams(defaults, params)
	if r != nil {
		if err := ValidateJSON(r.schemas[tt], merged); err != nil {
			return nil, fmt.Errorf("%w: %s params: %v", ErrInvalidSpec, tt, err)
		}
	}
	return merged, nil
}

// Defaults returns a copy of the configured defaults for tt.
func (r *TypeRegistry) Defaults(tt TaskType) map[string]any {
	if r == nil {
		return map[string]any{}
	}
	return cloneMap(r.types[tt].Defaults)
}

// MergeParams deep-merges override onto base and returns a new map.
// Keys in override replace keys in base, except when both values are objects,
// which merge recursively. The result does not alias either input.
func MergeParams(base, override map[string]any) map[string]any {
	out := cloneMap(base)
	keys := make([]string, 0, len(override))
	for k := range override {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ov := override[k]
		if om, ok := ov.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = MergeParams(bm, om)
				continue
			}
		}
		out[k] = cloneValue(ov)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}

func normalizeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return out, nil
}

// ParamString returns params[key] as a trimmed string, or def.
func ParamString(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// CloneParams deep-copies a params map. nil stays nil.
func CloneParams(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return cloneMap(m)
}
