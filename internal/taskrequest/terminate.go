package taskrequest

import (
	"time"

	"github.com/ramiqadoumi/go-task-dispatch/internal/domain"
)

// NewTerminationTask returns an initialized request asking bot botID to shut
// down once it picks the task up.
func NewTerminationTask(botID string, now time.Time) (*TaskRequest, error) {
	r := &TaskRequest{
		Name:     "Terminate " + botID,
		Priority: 0,
		TaskSlices: []TaskSlice{{
			Expiration:      24 * time.Hour,
			WaitForCapacity: true,
			Properties: TaskProperties{
				Dimensions: domain.Dimensions{"id": {botID}},
			},
		}},
		ManualTags: []string{"terminate:1"},
	}
	if err := r.Init(now, InitOptions{AllowHighPriority: true}); err != nil {
		return nil, err
	}
	return r, nil
}
