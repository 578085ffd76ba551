package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// Path and pointer forms: validators report both the dot/bracket path
// ("entities[0].fields[2].id") and the RFC6901 pointer
// ("/entities/0/fields/2/id"). Conversion is deterministic in both
// directions.

// PathToPointer converts a dot/bracket path to an RFC6901 pointer.
func PathToPointer(path string) string {
	if path == "" {
		return ""
	}
	var sb strings.Builder
	for _, seg := range splitPath(path) {
		sb.WriteByte('/')
		sb.WriteString(escapePointerToken(seg))
	}
	return sb.String()
}

// PointerToPath converts an RFC6901 pointer to a dot/bracket path. Numeric
// tokens become bracket indexes.
func PointerToPath(pointer string) string {
	var sb strings.Builder
	for _, tok := range PointerTokens(pointer) {
		if _, err := strconv.Atoi(tok); err == nil {
			sb.WriteString("[" + tok + "]")
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(tok)
	}
	return sb.String()
}

// PointerTokens splits and unescapes an RFC6901 pointer.
func PointerTokens(pointer string) []string {
	if pointer == "" || pointer == "/" {
		return nil
	}
	raw := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	out := make([]string, len(raw))
	for i, tok := range raw {
		tok = strings.ReplaceAll(tok, "~1", "/")
		tok = strings.ReplaceAll(tok, "~0", "~")
		out[i] = tok
	}
	return out
}

func escapePointerToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~", "~0")
	return strings.ReplaceAll(tok, "/", "~1")
}

// splitPath breaks "entities[0].fields[2].id" into tokens
// ["entities","0","fields","2","id"]. Field ids with dots must already be a
// single token in bracket-free positions; validators build paths with
// explicit separators so this only splits on "." and "[n]".
func splitPath(path string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '.':
			flush()
		case '[':
			flush()
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				cur.WriteByte(path[i])
				continue
			}
			out = append(out, path[i+1:i+end])
			i += end
		default:
			cur.WriteByte(path[i])
		}
	}
	flush()
	return out
}

// PtrGet resolves a pointer against a document tree.
func PtrGet(doc interface{}, pointer string) (interface{}, bool) {
	cur := doc
	for _, tok := range PointerTokens(pointer) {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[tok]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// PtrSet writes a value at a pointer. For lists, the token "-" appends and a
// numeric index within range replaces (or inserts when insert is true).
// Parent containers must exist.
func PtrSet(doc interface{}, pointer string, value interface{}, insert bool) error {
	toks := PointerTokens(pointer)
	if len(toks) == 0 {
		return fmt.Errorf("pointer %q does not address a child", pointer)
	}
	parent, ok := PtrGet(doc, joinTokens(toks[:len(toks)-1]))
	if !ok {
		return fmt.Errorf("pointer %q: parent not found", pointer)
	}
	last := toks[len(toks)-1]
	switch node := parent.(type) {
	case map[string]interface{}:
		node[last] = value
		return nil
	case []interface{}:
		if last == "-" {
			return setListChild(doc, toks[:len(toks)-1], append(node, value))
		}
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx > len(node) {
			return fmt.Errorf("pointer %q: bad list index", pointer)
		}
		if insert || idx == len(node) {
			updated := append(node[:idx:idx], append([]interface{}{value}, node[idx:]...)...)
			return setListChild(doc, toks[:len(toks)-1], updated)
		}
		node[idx] = value
		return nil
	default:
		return fmt.Errorf("pointer %q: parent is a scalar", pointer)
	}
}

// PtrRemove removes the value at a pointer.
func PtrRemove(doc interface{}, pointer string) error {
	toks := PointerTokens(pointer)
	if len(toks) == 0 {
		return fmt.Errorf("pointer %q does not address a child", pointer)
	}
	parent, ok := PtrGet(doc, joinTokens(toks[:len(toks)-1]))
	if !ok {
		return fmt.Errorf("pointer %q: parent not found", pointer)
	}
	last := toks[len(toks)-1]
	switch node := parent.(type) {
	case map[string]interface{}:
		if _, ok := node[last]; !ok {
			return fmt.Errorf("pointer %q: not found", pointer)
		}
		delete(node, last)
		return nil
	case []interface{}:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return fmt.Errorf("pointer %q: bad list index", pointer)
		}
		updated := append(node[:idx:idx], node[idx+1:]...)
		return setListChild(doc, toks[:len(toks)-1], updated)
	default:
		return fmt.Errorf("pointer %q: parent is a scalar", pointer)
	}
}

// setListChild rewrites a list inside its own parent, needed because slice
// append may reallocate.
func setListChild(doc interface{}, toks []string, updated []interface{}) error {
	if len(toks) == 0 {
		return fmt.Errorf("cannot replace document root list")
	}
	gp, ok := PtrGet(doc, joinTokens(toks[:len(toks)-1]))
	if !ok {
		return fmt.Errorf("list parent not found")
	}
	last := toks[len(toks)-1]
	switch node := gp.(type) {
	case map[string]interface{}:
		node[last] = updated
		return nil
	case []interface{}:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return fmt.Errorf("bad list index %q", last)
		}
		node[idx] = updated
		return nil
	}
	return fmt.Errorf("unexpected list parent type")
}

func joinTokens(toks []string) string {
	if len(toks) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, tok := range toks {
		sb.WriteByte('/')
		sb.WriteString(escapePointerToken(tok))
	}
	return sb.String()
}
