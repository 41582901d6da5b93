package taskrequest

import (
	"path"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
)

const (
	minTimeout      = 30 * time.Second
	maxThreeDays    = 3*24*time.Hour + 10*time.Second
	maxSevenDays    = 7*24*time.Hour + 10*time.Second
	maxGracePeriod  = time.Hour
	maxDimKeys      = 32
	maxDimValues    = 16
	maxDimKeyLen    = 64
	maxDimValueLen  = 256
	maxEnvKeys      = 64
	maxEnvKeyLen    = 64
	maxEnvValueLen  = 1024
	maxArgs         = 128
	maxCaches       = 32
	maxCachePathLen = 256
	maxPackages     = 64
	maxOutputs      = 4096
	maxTagLen       = 256
	maxTags         = 256
	maxUserdataLen  = 1024
)

var (
	dimensionKeyRE = regexp.MustCompile(`^[a-zA-Z\-\_\.][0-9a-zA-Z\-\_\.]*$`)
	envKeyRE       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	cacheNameRE    = regexp.MustCompile(`^[a-z0-9_]{1,128}$`)
)

// Validate checks every constraint of a request. Init calls it; it is
// exported for stores that reload requests.
func (r *TaskRequest) Validate() error {
	if len(r.TaskSlices) == 0 {
		return domain.Invalid("task_slices", "at least one slice is required")
	}
	if len(r.TaskSlices) > maxSlices {
		return domain.Invalid("task_slices", "up to %d slices are allowed, got %d", maxSlices, len(r.TaskSlices))
	}
	if r.Priority < 0 || r.Priority > MaxPriority {
		return domain.Invalid("priority", "must be between 0 and %d, got %d", MaxPriority, r.Priority)
	}

	terminate := r.TaskSlices[0].Properties.IsTerminate()
	if terminate && len(r.TaskSlices) != 1 {
		return domain.Invalid("task_slices", "a termination task must have exactly one slice")
	}
	if terminate != (r.Priority == 0) {
		return domain.Invalid("priority", "priority 0 is reserved for termination tasks")
	}

	for i := range r.TaskSlices {
		s := &r.TaskSlices[i]
		if err := s.validate(); err != nil {
			return err
		}
		for j := 0; j < i; j++ {
			if reflect.DeepEqual(r.TaskSlices[j], *s) {
				return domain.Invalid("task_slices", "slice %d duplicates slice %d", i, j)
			}
		}
		if i > 0 {
			first := r.TaskSlices[0].Properties.Dimensions
			dims := s.Properties.Dimensions
			if !reflect.DeepEqual(first["id"], dims["id"]) {
				return domain.Invalid("task_slices", "slice %d must use the same id dimension as slice 0", i)
			}
			if !reflect.DeepEqual(first["pool"], dims["pool"]) {
				return domain.Invalid("task_slices", "slice %d must use the same pool dimension as slice 0", i)
			}
		}
	}

	if len(r.ManualTags) > maxTags {
		return domain.Invalid("tags", "up to %d tags are allowed", maxTags)
	}
	for _, t := range r.ManualTags {
		if err := validateTag(t); err != nil {
			return err
		}
	}
	if len(r.Tags) > maxTags {
		return domain.Invalid("tags", "up to %d tags are allowed including automatic ones, got %d", maxTags, len(r.Tags))
	}
	return r.validatePubSub()
}

func (r *TaskRequest) validatePubSub() error {
	if r.PubSubTopic != "" && !strings.Contains(r.PubSubTopic, "/") {
		return domain.Invalid("pubsub_topic", "%q must be a fully qualified topic name", r.PubSubTopic)
	}
	if r.PubSubAuthToken != "" && r.PubSubTopic == "" {
		return domain.Invalid("pubsub_auth_token", "requires pubsub_topic")
	}
	if r.PubSubUserdata != "" && r.PubSubTopic == "" {
		return domain.Invalid("pubsub_userdata", "requires pubsub_topic")
	}
	if len(r.PubSubUserdata) > maxUserdataLen {
		return domain.Invalid("pubsub_userdata", "up to %d bytes are allowed", maxUserdataLen)
	}
	return nil
}

func (s *TaskSlice) validate() error {
	if s.Expiration < minTimeout || s.Expiration > maxSevenDays {
		return domain.Invalid("expiration", "must be between %s and %s, got %s", minTimeout, maxSevenDays, s.Expiration)
	}
	return s.Properties.validate()
}

func (p *TaskProperties) validate() error {
	if err := validateDimensions(p.Dimensions); err != nil {
		return err
	}
	if p.IsTerminate() {
		return nil
	}
	if len(p.Dimensions["pool"]) == 0 {
		return domain.Invalid("dimensions", "pool must be specified")
	}

	if p.ExecutionTimeout < minTimeout || p.ExecutionTimeout > maxThreeDays {
		return domain.Invalid("execution_timeout", "must be between %s and %s, got %s", minTimeout, maxThreeDays, p.ExecutionTimeout)
	}
	if p.IOTimeout != 0 && (p.IOTimeout < minTimeout || p.IOTimeout > maxThreeDays) {
		return domain.Invalid("io_timeout", "must be 0 or between %s and %s, got %s", minTimeout, maxThreeDays, p.IOTimeout)
	}
	if p.GracePeriod < 0 || p.GracePeriod > maxGracePeriod {
		return domain.Invalid("grace_period", "must be between 0 and %s, got %s", maxGracePeriod, p.GracePeriod)
	}

	if len(p.Command) > maxArgs {
		return domain.Invalid("command", "up to %d arguments are allowed", maxArgs)
	}
	if len(p.ExtraArgs) > maxArgs {
		return domain.Invalid("extra_args", "up to %d arguments are allowed", maxArgs)
	}
	if len(p.Command) != 0 && len(p.ExtraArgs) != 0 {
		return domain.Invalid("command", "command and extra_args are mutually exclusive")
	}
	hasInputs := p.InputsRef != nil && p.InputsRef.Isolated != ""
	if len(p.ExtraArgs) != 0 && !hasInputs {
		return domain.Invalid("extra_args", "requires inputs_ref.isolated")
	}
	if len(p.Command) == 0 && !hasInputs {
		return domain.Invalid("command", "use at least one of command or inputs_ref.isolated")
	}
	if p.RelativeCwd != "" {
		if err := validateRelativePath("relative_cwd", p.RelativeCwd); err != nil {
			return err
		}
	}

	if err := validateEnv(p.Env); err != nil {
		return err
	}
	for k, prefixes := range p.EnvPrefixes {
		if !envKeyRE.MatchString(k) || len(k) > maxEnvKeyLen {
			return domain.Invalid("env_prefixes", "key %q is invalid", k)
		}
		for _, prefix := range prefixes {
			if err := validateRelativePath("env_prefixes", prefix); err != nil {
				return err
			}
		}
	}

	if len(p.Outputs) > maxOutputs {
		return domain.Invalid("outputs", "up to %d outputs are allowed", maxOutputs)
	}
	for _, o := range p.Outputs {
		if err := validateRelativePath("outputs", o); err != nil {
			return err
		}
	}

	cachePaths, err := validateCaches(p.Caches)
	if err != nil {
		return err
	}
	return validateCipd(p.CipdInput, cachePaths, p.Idempotent)
}

func validateDimensions(dims domain.Dimensions) error {
	if len(dims) == 0 {
		return domain.Invalid("dimensions", "must be specified")
	}
	if len(dims) > maxDimKeys {
		return domain.Invalid("dimensions", "up to %d keys are allowed, got %d", maxDimKeys, len(dims))
	}
	for k, values := range dims {
		if len(k) > maxDimKeyLen || !dimensionKeyRE.MatchString(k) {
			return domain.Invalid("dimensions", "key %q must match %s", k, dimensionKeyRE)
		}
		if len(values) == 0 {
			return domain.Invalid("dimensions", "key %q has no value", k)
		}
		if len(values) > maxDimValues {
			return domain.Invalid("dimensions", "key %q has too many values; maximum is %d", k, maxDimValues)
		}
		if (k == "id" || k == "pool") && len(values) != 1 {
			return domain.Invalid("dimensions", "%q must have exactly one value", k)
		}
		seen := make(map[string]struct{}, len(values))
		for _, v := range values {
			if v == "" || len(v) > maxDimValueLen || strings.TrimSpace(v) != v {
				return domain.Invalid("dimensions", "key %q has invalid value %q", k, v)
			}
			if _, dup := seen[v]; dup {
				return domain.Invalid("dimensions", "key %q has repeated value %q", k, v)
			}
			seen[v] = struct{}{}
		}
	}
	return nil
}

func validateEnv(env map[string]string) error {
	if len(env) > maxEnvKeys {
		return domain.Invalid("env", "up to %d keys are allowed", maxEnvKeys)
	}
	for k, v := range env {
		if len(k) > maxEnvKeyLen || !envKeyRE.MatchString(k) {
			return domain.Invalid("env", "key %q must match %s", k, envKeyRE)
		}
		if len(v) > maxEnvValueLen {
			return domain.Invalid("env", "value for %q is longer than %d", k, maxEnvValueLen)
		}
	}
	return nil
}

func validateCaches(caches []CacheEntry) (map[string]struct{}, error) {
	if len(caches) > maxCaches {
		return nil, domain.Invalid("caches", "up to %d caches are allowed", maxCaches)
	}
	names := make(map[string]struct{}, len(caches))
	paths := make(map[string]struct{}, len(caches))
	for _, c := range caches {
		if !cacheNameRE.MatchString(c.Name) {
			return nil, domain.Invalid("caches", "name %q must match %s", c.Name, cacheNameRE)
		}
		if _, dup := names[c.Name]; dup {
			return nil, domain.Invalid("caches", "duplicate name %q", c.Name)
		}
		names[c.Name] = struct{}{}
		if len(c.Path) > maxCachePathLen {
			return nil, domain.Invalid("caches", "path %q is longer than %d", c.Path, maxCachePathLen)
		}
		if err := validateRelativePath("caches", c.Path); err != nil {
			return nil, err
		}
		if _, dup := paths[c.Path]; dup {
			return nil, domain.Invalid("caches", "duplicate path %q", c.Path)
		}
		paths[c.Path] = struct{}{}
	}
	return paths, nil
}

func validateCipd(in *CipdInput, cachePaths map[string]struct{}, idempotent bool) error {
	if in == nil {
		return nil
	}
	if len(in.Packages) > maxPackages {
		return domain.Invalid("cipd_input", "up to %d packages are allowed", maxPackages)
	}
	seen := make(map[[2]string]struct{}, len(in.Packages))
	for _, pkg := range in.Packages {
		if pkg.PackageName == "" || pkg.Version == "" {
			return domain.Invalid("cipd_input", "package name and version are required")
		}
		if pkg.Path == "" {
			return domain.Invalid("cipd_input", "path is required for package %q", pkg.PackageName)
		}
		if err := validateRelativePath("cipd_input", pkg.Path); err != nil {
			return err
		}
		if _, clash := cachePaths[pkg.Path]; clash {
			return domain.Invalid("cipd_input", "package path %q is also a cache path", pkg.Path)
		}
		key := [2]string{pkg.Path, pkg.PackageName}
		if _, dup := seen[key]; dup {
			return domain.Invalid("cipd_input", "package %q is specified twice for path %q", pkg.PackageName, pkg.Path)
		}
		seen[key] = struct{}{}
		if idempotent && !isPinned(pkg.Version) {
			return domain.Invalid("cipd_input", "idempotent tasks must pin %q, got version %q", pkg.PackageName, pkg.Version)
		}
	}
	return nil
}

// isPinned accepts instance ids and key:value tags, rejecting moving refs.
func isPinned(version string) bool {
	if version == "latest" {
		return false
	}
	return strings.Contains(version, ":") || len(version) == 40
}

func validateRelativePath(field, p string) error {
	switch {
	case p == "":
		return domain.Invalid(field, "path cannot be empty")
	case strings.Contains(p, `\`):
		return domain.Invalid(field, "path %q must use forward slashes", p)
	case strings.HasPrefix(p, "/"):
		return domain.Invalid(field, "path %q must be relative", p)
	case p == ".." || strings.HasPrefix(p, "../") || strings.Contains(p, "/../") || strings.HasSuffix(p, "/.."):
		return domain.Invalid(field, "path %q must not reference a parent directory", p)
	case path.Clean(p) != p:
		return domain.Invalid(field, "path %q is not normalized", p)
	}
	return nil
}

func validateTag(t string) error {
	if len(t) > maxTagLen {
		return domain.Invalid("tags", "tag %q is longer than %d", t, maxTagLen)
	}
	if k, _, ok := strings.Cut(t, ":"); !ok || k == "" {
		return domain.Invalid("tags", "tag %q must be in key:value form", t)
	}
	return nil
}
