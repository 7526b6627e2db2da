package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/pixelforge/pixelforge/internal/ledger"
)

// Backend produces an image for an accepted generation request. A Backend is
// stateless: it returns a hosted image URL on success or an error on failure
// and never touches the ledger.
type Backend interface {
	Generate(ctx context.Context, req ledger.Request) (imageURL string, err error)
}

// Registry maps model names to their generation backends.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register binds a model name to a backend. Re-registering a model replaces
// the previous binding.
func (r *Registry) Register(model string, backend Backend) {
	r.backends[model] = backend
}

// Backend resolves the backend for a model.
func (r *Registry) Backend(model string) (Backend, error) {
	b, ok := r.backends[model]
	if !ok {
		return nil, fmt.Errorf("no generation backend registered for model %q", model)
	}
	return b, nil
}

// Models lists registered model names.
func (r *Registry) Models() []string {
	models := make([]string, 0, len(r.backends))
	for m := range r.backends {
		models = append(models, m)
	}
	return models
}

// Generate resolves the request's model and delegates to its backend.
func (r *Registry) Generate(ctx context.Context, req ledger.Request) (string, error) {
	b, err := r.Backend(req.Model)
	if err != nil {
		return "", err
	}
	return b.Generate(ctx, req)
}

var _ Backend = (*Registry)(nil)

func placeholderURL(baseURL, requestID string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%d.jpg", baseURL, requestID, now.UnixMilli())
}
