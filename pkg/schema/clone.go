package schema

import (
	"encoding/json"
	"reflect"
)

// DeepCopyMap copies m and every nested map/slice inside it.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopyAny(v)
	}
	return cp
}

// DeepCopyAny copies JSON-like values. Typed maps, slices and arrays from Go
// callers are copied through reflection. Primitives are returned as is.
func DeepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		if val == nil {
			return val
		}
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopyAny(item)
		}
		return cp
	case []map[string]any:
		if val == nil {
			return val
		}
		cp := make([]map[string]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopyMap(item)
		}
		return cp
	case []string:
		if val == nil {
			return val
		}
		return append([]string{}, val...)
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	case nil, string, bool, int, int64, float64:
		return v
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Map, reflect.Slice, reflect.Array:
			return copyValue(rv).Interface()
		}
		return v
	}
}

// copyValue copies maps, slices and arrays element by element, descending
// through interface values. Other kinds are returned as is.
func copyValue(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return rv
		}
		out := reflect.New(rv.Type()).Elem()
		out.Set(copyValue(rv.Elem()))
		return out
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), copyValue(iter.Value()))
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(copyValue(rv.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(copyValue(rv.Index(i)))
		}
		return out
	}
	return rv
}

// Clone returns a deep copy of the definition.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Steps = cloneSteps(d.Steps)
	cp.InputSchema = DeepCopyMap(d.InputSchema)
	cp.OutputSchema = DeepCopyMap(d.OutputSchema)
	cp.DataPolicy = DeepCopyMap(d.DataPolicy)
	return &cp
}

func cloneSteps(steps []WorkflowStep) []WorkflowStep {
	if steps == nil {
		return nil
	}
	cp := make([]WorkflowStep, len(steps))
	for i := range steps {
		cp[i] = steps[i].Clone()
	}
	return cp
}

// Clone returns a deep copy of the step.
func (s WorkflowStep) Clone() WorkflowStep {
	cp := s
	cp.Config = s.Config.Clone()
	if s.InputMapping != nil {
		cp.InputMapping = make(map[string]InputValue, len(s.InputMapping))
		for k, v := range s.InputMapping {
			cp.InputMapping[k] = v.clone()
		}
	}
	if s.Next != nil {
		n := Next{StepID: s.Next.StepID}
		if s.Next.Branches != nil {
			n.Branches = append([]Branch{}, s.Next.Branches...)
		}
		cp.Next = &n
	}
	if s.Retry != nil {
		r := *s.Retry
		if s.Retry.DelayMs != nil {
			r.DelayMs = Int(*s.Retry.DelayMs)
		}
		if s.Retry.BackoffMultiplier != nil {
			r.BackoffMultiplier = Float(*s.Retry.BackoffMultiplier)
		}
		cp.Retry = &r
	}
	if s.OnError != nil {
		oe := *s.OnError
		cp.OnError = &oe
	}
	return cp
}

func (v InputValue) clone() InputValue {
	if v.Ref != nil {
		ref := *v.Ref
		return InputValue{Ref: &ref}
	}
	return InputValue{Literal: DeepCopyAny(v.Literal)}
}

// Clone returns a deep copy of the config.
func (c StepConfig) Clone() StepConfig {
	cp := StepConfig{Type: c.Type}
	if c.AIAction != nil {
		cp.AIAction = &AIActionConfig{ActionID: c.AIAction.ActionID, Input: DeepCopyMap(c.AIAction.Input)}
	}
	if c.ToolCall != nil {
		cp.ToolCall = &ToolCallConfig{ToolName: c.ToolCall.ToolName, Input: DeepCopyMap(c.ToolCall.Input)}
	}
	if c.Condition != nil {
		cc := ConditionConfig{Expression: c.Condition.Expression}
		if c.Condition.Branches != nil {
			cc.Branches = append([]Branch{}, c.Condition.Branches...)
		}
		cp.Condition = &cc
	}
	if c.Loop != nil {
		cp.Loop = &LoopConfig{
			Condition:     c.Loop.Condition,
			MaxIterations: c.Loop.MaxIterations,
			Body:          cloneSteps(c.Loop.Body),
		}
	}
	if c.Parallel != nil {
		pc := ParallelConfig{WaitFor: c.Parallel.WaitFor}
		if c.Parallel.Branches != nil {
			pc.Branches = make([][]WorkflowStep, len(c.Parallel.Branches))
			for i, b := range c.Parallel.Branches {
				pc.Branches[i] = cloneSteps(b)
			}
		}
		cp.Parallel = &pc
	}
	if c.HumanApproval != nil {
		ha := *c.HumanApproval
		if c.HumanApproval.Choices != nil {
			ha.Choices = append([]string{}, c.HumanApproval.Choices...)
		}
		cp.HumanApproval = &ha
	}
	if c.Transform != nil {
		tc := *c.Transform
		cp.Transform = &tc
	}
	return cp
}
