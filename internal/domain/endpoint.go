package domain

import "time"

// BackendKind selects the concrete backend implementation for an endpoint.
type BackendKind string

const (
	BackendREST BackendKind = "rest"
	BackendEcho BackendKind = "echo"
)

// ScalingPolicy bounds the auto-scaler for one endpoint.
type ScalingPolicy struct {
	MinInstances       int           `json:"min_instances"`
	MaxInstances       int           `json:"max_instances"`
	ScaleUpThreshold   float64       `json:"scale_up_threshold"`   // 0..1 load fraction
	ScaleDownThreshold float64       `json:"scale_down_threshold"` // 0..1 load fraction
	Cooldown           time.Duration `json:"cooldown"`
}

// Endpoint is the logical configuration for one backend target. Runtime
// instances are owned by the registry controller and referenced by ID, not
// embedded here.
type Endpoint struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	ModelName     string            `json:"model_name"`
	Enabled       bool              `json:"enabled"`
	Priority      int               `json:"priority"`
	Scaling       ScalingPolicy     `json:"scaling"`
	BackendKind   BackendKind       `json:"backend_kind"`
	BackendConfig map[string]string `json:"backend_config,omitempty"`

	// MaxConcurrent bounds in-flight requests across the endpoint's
	// instances. Zero means unbounded.
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// Models lists every model alias this endpoint serves. ModelName is
	// always included implicitly.
	Models []string `json:"models,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServesModel reports whether the endpoint can handle the given model.
func (e *Endpoint) ServesModel(model string) bool {
	if model == e.ModelName {
		return true
	}
	for _, m := range e.Models {
		if m == model {
			return true
		}
	}
	return false
}

// ModelCount returns the number of distinct models the endpoint serves.
func (e *Endpoint) ModelCount() int {
	count := 1
	for _, m := range e.Models {
		if m != e.ModelName {
			count++
		}
	}
	return count
}
