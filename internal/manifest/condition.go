package manifest

import (
	"encoding/json"
	"strings"

	"github.com/ignite/appforge/internal/apperr"
)

// maxConditionDepth caps condition AST nesting. The evaluator walks an
// explicit frame stack, so the cap also bounds worst-case evaluation cost.
const maxConditionDepth = 10

// EvalCondition evaluates a condition AST node against a context map.
// Operators: and, or, not, eq, neq, exists, not_exists. Leaves are value
// nodes {var}|{literal}|{array}|{ref} resolved against ctx.
func EvalCondition(node Map, ctx Map) (bool, error) {
	if node == nil {
		return true, nil
	}

	type frame struct {
		op       string
		children []Map
		idx      int
	}

	var frames []*frame
	cur := node
	var res bool

	for {
		if cur != nil {
			if len(frames) >= maxConditionDepth {
				return false, apperr.New(apperr.CodeConditionInvalid, "condition nesting exceeds depth %d", maxConditionDepth)
			}
			op := Str(cur, "op")
			switch op {
			case "and", "or":
				children := conditionOperands(cur)
				if len(children) == 0 {
					// Empty conjunction is vacuously true, disjunction false.
					res = op == "and"
					cur = nil
					continue
				}
				frames = append(frames, &frame{op: op, children: children})
				cur = children[0]
			case "not":
				children := conditionOperands(cur)
				if len(children) != 1 {
					return false, apperr.New(apperr.CodeConditionInvalid, "not requires exactly one operand")
				}
				frames = append(frames, &frame{op: "not", children: children})
				cur = children[0]
			case "eq", "neq", "exists", "not_exists":
				v, err := evalLeaf(cur, op, ctx)
				if err != nil {
					return false, err
				}
				res = v
				cur = nil
			default:
				return false, apperr.New(apperr.CodeConditionInvalid, "unknown condition operator %q", op)
			}
			continue
		}

		// Deliver res upward.
		if len(frames) == 0 {
			return res, nil
		}
		f := frames[len(frames)-1]
		switch f.op {
		case "not":
			res = !res
			frames = frames[:len(frames)-1]
		case "and":
			if !res {
				frames = frames[:len(frames)-1]
				continue
			}
			f.idx++
			if f.idx == len(f.children) {
				frames = frames[:len(frames)-1]
				res = true
				continue
			}
			cur = f.children[f.idx]
		case "or":
			if res {
				frames = frames[:len(frames)-1]
				continue
			}
			f.idx++
			if f.idx == len(f.children) {
				frames = frames[:len(frames)-1]
				res = false
				continue
			}
			cur = f.children[f.idx]
		}
	}
}

// conditionOperands collects the child condition nodes of a boolean operator.
// Both "args" and "conditions" spellings are accepted.
func conditionOperands(node Map) []Map {
	if l := SubList(node, "args"); l != nil {
		return MapItems(l)
	}
	if l := SubList(node, "conditions"); l != nil {
		return MapItems(l)
	}
	if m := SubMap(node, "arg"); m != nil {
		return []Map{m}
	}
	return nil
}

func evalLeaf(node Map, op string, ctx Map) (bool, error) {
	switch op {
	case "eq", "neq":
		left, err := ResolveValueNode(node["left"], ctx)
		if err != nil {
			return false, err
		}
		right, err := ResolveValueNode(node["right"], ctx)
		if err != nil {
			return false, err
		}
		eq := looseEqual(left, right)
		if op == "neq" {
			return !eq, nil
		}
		return eq, nil
	case "exists", "not_exists":
		operand := node["value"]
		if operand == nil {
			operand = node["left"]
		}
		v, err := ResolveValueNode(operand, ctx)
		if err != nil {
			return false, err
		}
		present := v != nil && v != ""
		if op == "not_exists" {
			return !present, nil
		}
		return present, nil
	}
	return false, apperr.New(apperr.CodeConditionInvalid, "unknown leaf operator %q", op)
}

// ResolveValueNode resolves a value node against the context. Shapes:
// {"var": "record.job.status"}, {"literal": x}, {"array": [...]},
// {"ref": "$candidate.a.region"}. Bare scalars pass through as literals.
func ResolveValueNode(v interface{}, ctx Map) (interface{}, error) {
	node := AsMap(v)
	if node == nil {
		return v, nil
	}
	if path, ok := node["var"].(string); ok {
		val, _ := LookupPath(ctx, path)
		return val, nil
	}
	if lit, ok := node["literal"]; ok {
		return lit, nil
	}
	if arr, ok := node["array"].([]interface{}); ok {
		out := make([]interface{}, 0, len(arr))
		for _, item := range arr {
			rv, err := ResolveValueNode(item, ctx)
			if err != nil {
				return nil, err
			}
			out = append(out, rv)
		}
		return out, nil
	}
	if ref, ok := node["ref"].(string); ok {
		val, _ := LookupPath(ctx, strings.TrimPrefix(ref, "$"))
		return val, nil
	}
	return nil, apperr.New(apperr.CodeConditionInvalid, "value node must be var, literal, array, or ref")
}

// LookupPath resolves a dot path against nested maps. Field ids themselves
// contain dots ("job.status"), so at each level the longest literal key wins
// before the path is split.
func LookupPath(m Map, path string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	if v, ok := m[path]; ok {
		return v, true
	}
	idx := strings.IndexByte(path, '.')
	for idx >= 0 {
		head, tail := path[:idx], path[idx+1:]
		if sub := AsMap(m[head]); sub != nil {
			if v, ok := LookupPath(sub, tail); ok {
				return v, true
			}
		}
		next := strings.IndexByte(path[idx+1:], '.')
		if next < 0 {
			break
		}
		idx = idx + 1 + next
	}
	return nil, false
}

// looseEqual compares JSON scalars with numeric coercion across the
// int/float/json.Number representations a decoded manifest mixes.
func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if al, ok := a.([]interface{}); ok {
		bl, ok := b.([]interface{})
		if !ok || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !looseEqual(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
