package taskrequest

import (
	"sort"
	"strconv"
)

// mergeTags returns the sorted union of the manual tags and the automatic
// ones derived from priority, identity and every slice's dimensions.
func mergeTags(r *TaskRequest) []string {
	user := r.User
	if user == "" {
		user = "none"
	}
	set := make(map[string]struct{})
	set["priority:"+strconv.Itoa(r.Priority)] = struct{}{}
	set["service_account:"+r.ServiceAccount] = struct{}{}
	set["user:"+user] = struct{}{}
	for _, s := range r.TaskSlices {
		for _, kv := range s.Properties.Dimensions.Flatten() {
			set[kv] = struct{}{}
		}
	}
	for _, t := range r.ManualTags {
		set[t] = struct{}{}
	}

	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
