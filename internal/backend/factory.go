// Package backend provides concrete implementations of the backend
// capability contract and a factory keyed by endpoint backend kind.
package backend

import (
	"github.com/davidbz/hearth/internal/backend/echo"
	"github.com/davidbz/hearth/internal/backend/rest"
	"github.com/davidbz/hearth/internal/domain"
)

// Factory builds backends for endpoints.
type Factory struct{}

// NewFactory creates the backend factory (DI constructor).
func NewFactory() *Factory {
	return &Factory{}
}

// New builds a backend for the endpoint's configured kind.
func (f *Factory) New(ep *domain.Endpoint) (domain.Backend, error) {
	switch ep.BackendKind {
	case domain.BackendEcho:
		return echo.New(ep.ModelName), nil
	case domain.BackendREST:
		return rest.New(rest.ConfigFromEndpoint(ep))
	default:
		return nil, domain.ValidationError("unsupported backend kind %q", ep.BackendKind)
	}
}
