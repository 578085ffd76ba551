package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// Selector paths address manifest nodes by id instead of index:
// "/entities/@[id=entity.job]/fields/@[id=job.title]". Resolution yields the
// equivalent pure-numeric JSON pointer, so patch operations survive array
// reordering between authoring and apply.

// SelectorNotFound reports a selector segment that matched nothing.
type SelectorNotFound struct {
	Segment string
	At      string
}

func (e *SelectorNotFound) Error() string {
	return fmt.Sprintf("selector %q matched nothing at %s", e.Segment, e.At)
}

// SelectorNotUnique reports a selector segment with multiple matches.
type SelectorNotUnique struct {
	Segment string
	At      string
	Count   int
}

func (e *SelectorNotUnique) Error() string {
	return fmt.Sprintf("selector %q matched %d elements at %s", e.Segment, e.Count, e.At)
}

// ResolveSelectorPath resolves a selector path against doc and returns a
// numeric RFC6901 pointer. Plain tokens pass through; "@[id=X]" tokens match
// exactly one list element whose "id" equals X.
func ResolveSelectorPath(doc interface{}, selector string) (string, error) {
	cur := doc
	var resolved []string

	for _, tok := range PointerTokens(selector) {
		if !strings.HasPrefix(tok, "@[") {
			next, ok := PtrGet(cur, "/"+escapePointerToken(tok))
			if !ok {
				return "", &SelectorNotFound{Segment: tok, At: joinTokens(resolved)}
			}
			resolved = append(resolved, tok)
			cur = next
			continue
		}

		key, want, err := parseSelectorMatch(tok)
		if err != nil {
			return "", err
		}
		list, ok := cur.([]interface{})
		if !ok {
			return "", &SelectorNotFound{Segment: tok, At: joinTokens(resolved)}
		}
		matches := []int{}
		for i, item := range list {
			if Str(AsMap(item), key) == want {
				matches = append(matches, i)
			}
		}
		switch len(matches) {
		case 0:
			return "", &SelectorNotFound{Segment: tok, At: joinTokens(resolved)}
		case 1:
			resolved = append(resolved, strconv.Itoa(matches[0]))
			cur = list[matches[0]]
		default:
			return "", &SelectorNotUnique{Segment: tok, At: joinTokens(resolved), Count: len(matches)}
		}
	}
	return joinTokens(resolved), nil
}

// parseSelectorMatch parses "@[id=entity.job]" into ("id", "entity.job").
func parseSelectorMatch(tok string) (key, value string, err error) {
	body := strings.TrimSuffix(strings.TrimPrefix(tok, "@["), "]")
	eq := strings.IndexByte(body, '=')
	if eq <= 0 || !strings.HasSuffix(tok, "]") {
		return "", "", fmt.Errorf("malformed selector segment %q", tok)
	}
	return body[:eq], body[eq+1:], nil
}
