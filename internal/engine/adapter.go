package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/dharsanguruparan/Integrator/internal/artifact"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
)

// Adapter drives one remote portal. Every adapter can log in; the optional
// interfaces below cover the rest of the capability set.
type Adapter interface {
	Login(ctx context.Context, rc *RunContext) error
}

// Downloader is implemented by vendor adapters. yield must be called once per
// downloaded document, in download order; a non-nil return stops discovery.
type Downloader interface {
	DiscoverAndDownload(ctx context.Context, rc *RunContext, yield func(artifact.Artifact) error) error
}

// PaymentExporter is implemented by accounting adapters. It exports the
// payments grouped under one external check run.
type PaymentExporter interface {
	ExportPayment(ctx context.Context, rc *RunContext, checkRunID string, entry map[string]any) error
}

// EntitySnapshot is one kind of accounting entity as read from the remote
// system.
type EntitySnapshot struct {
	Kind  model.EntityType `json:"kind"`
	Items []map[string]any `json:"items"`
}

// EntityImporter is implemented by accounting adapters that can list vendors,
// GL accounts, bank accounts or payments.
type EntityImporter interface {
	ImportEntities(ctx context.Context, rc *RunContext, kinds []model.EntityType) ([]EntitySnapshot, error)
}

// Runner covers actions with no core-side pipeline, such as payment.pay and
// invoice.export.
type Runner interface {
	Run(ctx context.Context, rc *RunContext) error
}

// Factory builds a fresh adapter for one run. Adapters may hold session state
// and are never shared between runs.
type Factory func() Adapter

var (
	// ErrUnknownAdapter is returned for an adapter code nobody registered.
	ErrUnknownAdapter = errors.New("unknown adapter code")
	// ErrDuplicateAdapter is returned when a code is registered twice.
	ErrDuplicateAdapter = errors.New("adapter code already registered")
)

// Registry maps adapter codes to factories. It is filled at process init and
// only read afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds f under code.
func (r *Registry) Register(code string, f Factory) error {
	if code == "" || f == nil {
		return errors.New("adapter code and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[code]; ok {
		return errors.Wrapf(ErrDuplicateAdapter, "%s", code)
	}
	r.factories[code] = f
	return nil
}

// MustRegister is Register for init-time wiring.
func (r *Registry) MustRegister(code string, f Factory) {
	if err := r.Register(code, f); err != nil {
		panic(err)
	}
}

// New builds the adapter registered under code.
func (r *Registry) New(code string) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[code]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAdapter, "%s", code)
	}
	return f(), nil
}

// Codes lists the registered adapter codes in order.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for code := range r.factories {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Validate warns about enabled connectors whose adapter code has no adapter
// and returns their ids.
func (r *Registry) Validate(ctx context.Context, connectors []*model.Connector, logger *slog.Logger) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, c := range connectors {
		if !c.Enabled {
			continue
		}
		if _, ok := r.factories[c.AdapterCode]; !ok {
			missing = append(missing, c.ID)
			logger.WarnContext(ctx, "enabled connector has no adapter", "connector_id", c.ID, "adapter_code", c.AdapterCode)
		}
	}
	return missing
}

func unsupported(action model.Action, code string) error {
	return errors.WithDetailf(errors.NewCoded(errors.CommonUnsupportedOperation, nil),
		"adapter %s cannot run %s", code, action)
}
