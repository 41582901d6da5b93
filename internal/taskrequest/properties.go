package taskrequest

import (
	"sort"
	"time"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
)

// FilesRef points at a tree in the content-addressed artifact cache.
type FilesRef struct {
	Isolated       string `json:"isolated,omitempty"`
	IsolatedServer string `json:"isolatedserver,omitempty"`
	Namespace      string `json:"namespace,omitempty"`
}

// CacheEntry is a named cache mounted at Path inside the task's working dir.
type CacheEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// CipdPackage is a package installed before the task runs.
type CipdPackage struct {
	PackageName string `json:"package_name"`
	Version     string `json:"version"`
	Path        string `json:"path,omitempty"`
}

// CipdInput lists the packages to install and the client used to do it.
type CipdInput struct {
	Server        string        `json:"server,omitempty"`
	ClientPackage *CipdPackage  `json:"client_package,omitempty"`
	Packages      []CipdPackage `json:"packages,omitempty"`
}

// TaskProperties describes what to run and where it can run. It is treated as
// immutable once the owning request has been initialized.
type TaskProperties struct {
	Command          []string            `json:"command,omitempty"`
	RelativeCwd      string              `json:"relative_cwd,omitempty"`
	ExtraArgs        []string            `json:"extra_args,omitempty"`
	Env              map[string]string   `json:"env,omitempty"`
	EnvPrefixes      map[string][]string `json:"env_prefixes,omitempty"`
	Dimensions       domain.Dimensions   `json:"dimensions"`
	ExecutionTimeout time.Duration       `json:"execution_timeout"`
	GracePeriod      time.Duration       `json:"grace_period"`
	IOTimeout        time.Duration       `json:"io_timeout"`
	Idempotent       bool                `json:"idempotent"`
	InputsRef        *FilesRef           `json:"inputs_ref,omitempty"`
	Outputs          []string            `json:"outputs,omitempty"`
	Caches           []CacheEntry        `json:"caches,omitempty"`
	CipdInput        *CipdInput          `json:"cipd_input,omitempty"`
	HasSecretBytes   bool                `json:"has_secret_bytes,omitempty"`
}

// IsTerminate reports whether these properties describe the privileged
// "terminate this bot" shape: nothing to run, pinned to a single bot id.
func (p *TaskProperties) IsTerminate() bool {
	if len(p.Command) != 0 || len(p.ExtraArgs) != 0 || len(p.Env) != 0 ||
		len(p.EnvPrefixes) != 0 || p.InputsRef != nil || len(p.Outputs) != 0 ||
		len(p.Caches) != 0 || p.CipdInput != nil || p.RelativeCwd != "" ||
		p.ExecutionTimeout != 0 || p.IOTimeout != 0 || p.GracePeriod != 0 || p.Idempotent {
		return false
	}
	return len(p.Dimensions) == 1 && len(p.Dimensions["id"]) == 1
}

// normalize sorts value lists so equal properties serialize identically.
func (p *TaskProperties) normalize() {
	p.Dimensions = p.Dimensions.Clone()
	if len(p.Outputs) > 0 {
		outputs := append([]string(nil), p.Outputs...)
		sort.Strings(outputs)
		p.Outputs = outputs
	}
}
