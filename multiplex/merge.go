package multiplex

import (
	"golang.org/x/exp/slices"
)

// DeepMerge merges `update` into `target` and returns the merged map.
// - nested maps recurse
// - arrays in the update replace arrays in the target
// - primitive values in the update overwrite
// - keys absent from the update never clobber the target
// `target` is mutated in place when non-nil. The update is never aliased into
// the result, so later mutation of the result cannot corrupt the update.
func DeepMerge(target map[string]any, update map[string]any) map[string]any {
	if target == nil {
		target = map[string]any{}
	}
	for key, updateValue := range update {
		switch v := updateValue.(type) {
		case map[string]any:
			if targetMap, ok := target[key].(map[string]any); ok {
				target[key] = DeepMerge(targetMap, v)
			} else {
				target[key] = DeepMerge(map[string]any{}, v)
			}
		case []any:
			target[key] = copyList(v)
		default:
			target[key] = updateValue
		}
	}
	return target
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for key, value := range m {
		switch v := value.(type) {
		case map[string]any:
			out[key] = copyMap(v)
		case Payload:
			out[key] = copyMap(map[string]any(v))
		case []any:
			out[key] = copyList(v)
		default:
			out[key] = value
		}
	}
	return out
}

func copyList(list []any) []any {
	out := slices.Clone(list)
	for i, value := range out {
		switch v := value.(type) {
		case map[string]any:
			out[i] = copyMap(v)
		case []any:
			out[i] = copyList(v)
		}
	}
	return out
}
