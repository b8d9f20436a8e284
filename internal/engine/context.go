package engine

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dharsanguruparan/Integrator/internal/alert"
	"github.com/dharsanguruparan/Integrator/internal/clock"
	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
)

// CoreServices is the process-wide bundle adapters may use. It is built once
// at startup and handed to every run.
type CoreServices struct {
	Clock      clock.TimeProvider
	HTTPClient *http.Client
	Alerts     alert.Sink
	Logger     *slog.Logger
}

type servicesKey struct{}

// WithServices attaches s to ctx.
func WithServices(ctx context.Context, s *CoreServices) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom returns the bundle attached by WithServices, or nil.
func ServicesFrom(ctx context.Context) *CoreServices {
	s, _ := ctx.Value(servicesKey{}).(*CoreServices)
	return s
}

// RunContext is what an adapter sees of the run it executes. Adapters must not
// keep it after they return.
type RunContext struct {
	Run      *model.Run
	Job      *model.Job
	Params   model.Params
	WorkDir  string
	Logger   *slog.Logger
	Services *CoreServices
}

// Credentials returns the job login.
func (rc *RunContext) Credentials() (username, password string) {
	return rc.Job.Username, rc.Job.Password
}

// Path joins name onto the run working directory.
func (rc *RunContext) Path(name string) string {
	return filepath.Join(rc.WorkDir, filepath.Base(name))
}

// WorkDir returns the run-scoped directory under root.
func WorkDir(root, runID string) string {
	return filepath.Join(root, "runs", runID)
}

// acquireWorkDir creates a fresh working directory for runID. The returned
// release removes it.
func acquireWorkDir(root, runID string) (string, func(), error) {
	dir := WorkDir(root, runID)
	if err := os.RemoveAll(dir); err != nil {
		return "", nil, errors.Wrapf(err, "clear working directory %s", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, errors.Wrapf(err, "create working directory %s", dir)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}
