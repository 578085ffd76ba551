// Package canonical implements deterministic JSON serialization and the
// content hash that identifies manifest snapshots. Two manifests with the
// same canonical form always hash identically, and the hash is the only
// identity-producing path in the runtime.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// TypeError reports an unsupported value encountered during serialization,
// with the JSON path where it was found.
type TypeError struct {
	Path string
	Kind string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("canonical json: unsupported type %s at %s", e.Kind, e.Path)
}

// ValueError reports a non-finite number (NaN, ±Inf), which canonical JSON
// refuses to represent.
type ValueError struct {
	Path  string
	Value float64
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("canonical json: non-finite number %v at %s", e.Value, e.Path)
}

// Dumps serializes a JSON-like value tree to its canonical form: object keys
// in lexicographic order recursively, arrays in insertion order, UTF-8
// strings preserved, and the integer/float distinction retained (1 ≠ 1.0).
func Dumps(v interface{}) (string, error) {
	var sb strings.Builder
	if err := write(&sb, v, "$"); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Hash returns "sha256:" + hex(SHA-256(canonical UTF-8 bytes)) of v.
func Hash(v interface{}) (string, error) {
	s, err := Dumps(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func write(sb *strings.Builder, v interface{}, path string) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		writeString(sb, val)
	case json.Number:
		// A decoded literal keeps its original int/float form.
		s := val.String()
		if strings.ContainsAny(s, ".eE") {
			f, err := val.Float64()
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return &ValueError{Path: path, Value: f}
			}
			sb.WriteString(formatFloat(f))
		} else {
			sb.WriteString(s)
		}
	case int:
		sb.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		sb.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		sb.WriteString(strconv.FormatInt(val, 10))
	case uint:
		sb.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		sb.WriteString(strconv.FormatUint(val, 10))
	case float32:
		return write(sb, float64(val), path)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return &ValueError{Path: path, Value: val}
		}
		sb.WriteString(formatFloat(val))
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := write(sb, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeString(sb, k)
			sb.WriteByte(':')
			if err := write(sb, val[k], path+"."+k); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return &TypeError{Path: path, Kind: fmt.Sprintf("%T", v)}
	}
	return nil
}

// formatFloat renders a float with an explicit fractional or exponent part so
// 1.0 never collapses into the integer 1.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// writeString emits a JSON string with minimal escaping, preserving non-ASCII
// runes as raw UTF-8.
func writeString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(sb, `\u%04x`, r)
			} else if r == utf8.RuneError {
				// Invalid UTF-8 byte sequences degrade to the replacement rune.
				sb.WriteRune(utf8.RuneError)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
}

// Decode parses raw JSON preserving the int/float distinction via json.Number.
func Decode(data []byte) (interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
