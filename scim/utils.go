package scim

import (
	"sort"
	"strconv"
	"strings"
)

// ParseScimGroups extracts group references from the values of KSM custom fields.
// A single value may hold several groups separated by new lines or commas.
func ParseScimGroups(fields []map[string]any) (groups []string) {
	for _, field := range fields {
		var v any
		var ok bool
		if v, ok = field["value"]; ok {
			if v == nil {
				continue
			}
			switch vt := v.(type) {
			case []any:
				for _, v = range vt {
					var group string
					if group, ok = v.(string); ok {
						groups = append(groups, SplitGroupList(group)...)
					}
				}
			case string:
				groups = append(groups, SplitGroupList(vt)...)
			}
		}
	}
	return
}

// SplitGroupList splits a free-form list of group names on new lines and commas.
func SplitGroupList(text string) (groups []string) {
	for _, line := range strings.Split(text, "\n") {
		for _, name := range strings.Split(line, ",") {
			name = strings.TrimSpace(name)
			if len(name) > 0 {
				groups = append(groups, name)
			}
		}
	}
	return
}

func toBoolean(intf any) (result bool, ok bool) {
	if intf == nil {
		return
	}
	var supportedValue any
	switch fv := intf.(type) {
	case bool, string:
		supportedValue = fv
	case []any:
		if len(fv) > 0 {
			switch fv[0].(type) {
			case bool, string:
				supportedValue = fv[0]
			}
		}
	}
	if supportedValue != nil {
		switch fv := supportedValue.(type) {
		case bool:
			result = fv
			ok = true
		case string:
			switch strings.ToLower(strings.TrimSpace(fv)) {
			case "1", "true", "ok", "yes":
				result = true
				ok = true
			case "0", "false", "no":
				result = false
				ok = true
			}
		}
	}
	return
}

func toString(intf any) (result string, ok bool) {
	if intf == nil {
		return
	}
	switch sv := intf.(type) {
	case string:
		result, ok = sv, true
	case []any:
		if len(sv) > 0 {
			result, ok = sv[0].(string)
		}
	}
	return
}

func toInt64(intf any) (result int64, ok bool) {
	if intf == nil {
		return
	}
	ok = true
	switch iv := intf.(type) {
	case int:
		result = int64(iv)
	case int32:
		result = int64(iv)
	case int64:
		result = iv
	case uint32:
		result = int64(iv)
	case uint64:
		result = int64(iv)
	case float32:
		result = int64(iv)
	case float64:
		result = int64(iv)
	case string:
		if irv, err := strconv.ParseInt(strings.TrimSpace(iv), 10, 64); err == nil {
			result = irv
		} else {
			ok = false
		}
	default:
		ok = false
	}
	return
}

type Set[K comparable] map[K]struct{}

func NewSet[K comparable]() Set[K] {
	return make(Set[K])
}

func MakeSet[K comparable](keys []K) Set[K] {
	var ns = NewSet[K]()
	for _, k := range keys {
		ns.Add(k)
	}
	return ns
}

func (s Set[K]) Has(key K) (ok bool) {
	_, ok = s[key]
	return
}

func (s Set[K]) Add(key K) {
	s[key] = struct{}{}
}

func (s Set[K]) Delete(key K) {
	delete(s, key)
}

func (s Set[K]) Copy() Set[K] {
	var ns = NewSet[K]()
	for k := range s {
		ns.Add(k)
	}
	return ns
}

// Merge adds every key of other to s.
func (s Set[K]) Merge(other Set[K]) {
	for k := range other {
		s.Add(k)
	}
}

// Difference returns the keys of s that are not in other.
func (s Set[K]) Difference(other Set[K]) Set[K] {
	var ns = NewSet[K]()
	for k := range s {
		if !other.Has(k) {
			ns.Add(k)
		}
	}
	return ns
}

// SortedKeys returns the keys of a string set in lexicographic order.
func SortedKeys(s Set[string]) []string {
	var result = make([]string, 0, len(s))
	for k := range s {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}
