package expressions

import "github.com/rendis/stepflow/pkg/schema"

// ResolveMapping builds a step input from its input mapping. Literals are used
// verbatim. References read from the workflow input (step id "input") or from
// a prior step's output. Unresolvable references leave the key unset.
func ResolveMapping(
	mapping map[string]schema.InputValue,
	results map[string]*schema.WorkflowStepResult,
	input map[string]any,
) map[string]any {
	out := make(map[string]any, len(mapping))
	for key, v := range mapping {
		if v.Ref == nil {
			out[key] = schema.DeepCopyAny(v.Literal)
			continue
		}
		if val, ok := ResolveRef(*v.Ref, results, input); ok {
			out[key] = schema.DeepCopyAny(val)
		}
	}
	return out
}

// ResolveRef resolves a single data reference.
func ResolveRef(ref schema.DataRef, results map[string]*schema.WorkflowStepResult, input map[string]any) (any, bool) {
	var root any
	if ref.StepID == schema.InputRefSource {
		if input == nil {
			return nil, false
		}
		root = input
	} else {
		res, ok := results[ref.StepID]
		if !ok || res == nil {
			return nil, false
		}
		root = res.Output
	}
	return ResolvePath(root, ref.Path)
}
