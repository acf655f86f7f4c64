package expressions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Path is a parsed dotted path such as "order.items[0].sku".
type Path struct {
	raw      string
	segments []segment
}

type segment struct {
	key   string
	index int // -1 when the segment has no [n] suffix
}

// ParsePath parses a dotted path. An empty string is the root path.
func ParsePath(raw string) (Path, error) {
	p := Path{raw: raw}
	if raw == "" {
		return p, nil
	}
	for _, part := range strings.Split(raw, ".") {
		seg, err := parseSegment(part)
		if err != nil {
			return Path{}, fmt.Errorf("invalid path %q: %w", raw, err)
		}
		p.segments = append(p.segments, seg)
	}
	return p, nil
}

func parseSegment(part string) (segment, error) {
	if part == "" {
		return segment{}, fmt.Errorf("empty segment")
	}
	seg := segment{key: part, index: -1}
	if open := strings.IndexByte(part, '['); open >= 0 {
		if !strings.HasSuffix(part, "]") || open == 0 {
			return segment{}, fmt.Errorf("malformed index in %q", part)
		}
		idx, err := strconv.Atoi(part[open+1 : len(part)-1])
		if err != nil || idx < 0 {
			return segment{}, fmt.Errorf("index in %q must be a non-negative integer", part)
		}
		seg.key, seg.index = part[:open], idx
	}
	for _, r := range seg.key {
		if !isNameRune(r) {
			return segment{}, fmt.Errorf("unexpected character %q in %q", r, part)
		}
	}
	return seg, nil
}

func isNameRune(r rune) bool {
	return r == '_' || r == '$' || r == '-' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func (p Path) String() string { return p.raw }

// IsRoot reports whether the path addresses the value itself.
func (p Path) IsRoot() bool { return len(p.segments) == 0 }

// Lookup walks root along the path. found is false when any segment is missing.
func (p Path) Lookup(root any) (value any, found bool) {
	cur := root
	for _, seg := range p.segments {
		next, ok := child(cur, seg.key)
		if !ok {
			return nil, false
		}
		if seg.index >= 0 {
			next, ok = element(next, seg.index)
			if !ok {
				return nil, false
			}
		}
		cur = next
	}
	return cur, true
}

// ResolvePath resolves a dotted path against root. Malformed paths resolve
// to nothing.
func ResolvePath(root any, path string) (any, bool) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	return p.Lookup(root)
}

func child(v any, key string) (any, bool) {
	switch m := v.(type) {
	case map[string]any:
		val, ok := m[key]
		return val, ok
	case map[string]string:
		val, ok := m[key]
		return val, ok
	case []any, []map[string]any, []string:
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, false
		}
		return element(v, idx)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(m, &decoded); err != nil {
			return nil, false
		}
		return child(decoded, key)
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		val := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, false
		}
		return element(v, idx)
	}
	return nil, false
}

func element(v any, idx int) (any, bool) {
	switch s := v.(type) {
	case []any:
		if idx < len(s) {
			return s[idx], true
		}
		return nil, false
	case []map[string]any:
		if idx < len(s) {
			return s[idx], true
		}
		return nil, false
	case []string:
		if idx < len(s) {
			return s[idx], true
		}
		return nil, false
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if idx >= rv.Len() {
		return nil, false
	}
	return rv.Index(idx).Interface(), true
}
