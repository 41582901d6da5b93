package domain

import (
	"sort"
	"strings"
)

// Dimensions maps a dimension key to its values. For a bot these are the
// advertised capabilities; for a task every key:value pair is a requirement.
type Dimensions map[string][]string

// Flatten returns the sorted, deduplicated "key:value" form.
func (d Dimensions) Flatten() []string {
	out := make([]string, 0, len(d))
	seen := make(map[string]struct{}, len(d))
	for k, values := range d {
		for _, v := range values {
			kv := k + ":" + v
			if _, ok := seen[kv]; ok {
				continue
			}
			seen[kv] = struct{}{}
			out = append(out, kv)
		}
	}
	sort.Strings(out)
	return out
}

// ID returns the single `id` value, or "" when unset.
func (d Dimensions) ID() string {
	if v := d["id"]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Pools returns the `pool` values.
func (d Dimensions) Pools() []string {
	return d["pool"]
}

// Clone returns a deep copy with every value list sorted.
func (d Dimensions) Clone() Dimensions {
	out := make(Dimensions, len(d))
	for k, values := range d {
		cp := append([]string(nil), values...)
		sort.Strings(cp)
		out[k] = cp
	}
	return out
}

// MatchedBy reports whether bot advertises every key:value pair of d.
func (d Dimensions) MatchedBy(bot Dimensions) bool {
	for k, values := range d {
		for _, v := range values {
			if !contains(bot[k], v) {
				return false
			}
		}
	}
	return true
}

// FlatMatchedBy reports whether every "key:value" entry of flat is
// advertised by bot.
func FlatMatchedBy(flat []string, bot Dimensions) bool {
	for _, kv := range flat {
		k, v, ok := strings.Cut(kv, ":")
		if !ok || !contains(bot[k], v) {
			return false
		}
	}
	return true
}

// Unflatten turns "key:value" strings back into Dimensions.
func Unflatten(flat []string) Dimensions {
	out := make(Dimensions)
	for _, kv := range flat {
		k, v, ok := strings.Cut(kv, ":")
		if !ok {
			continue
		}
		out[k] = append(out[k], v)
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
