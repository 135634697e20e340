package loader

import (
	"context"
	"time"

	"github.com/berthstack/berth/pkg/build"
)

// Resources resolves the resource requests a tenant declares in its
// manifest. Implemented by the deployment factory; created fresh for
// each load and discarded once the tenant reports ready.
type Resources interface {
	// DatabaseURI provisions (or re-reads) the tenant's database of
	// the given engine and returns the private connection string.
	DatabaseURI(ctx context.Context, engine string) (string, error)

	// Secrets reads the named secrets from the tenant's database.
	Secrets(ctx context.Context, keys []string) (map[string]string, error)
}

// LogSink receives a tenant's runtime output line by line.
type LogSink func(ts time.Time, line string)

// Handle is a loaded, running tenant and the resources it holds. The
// deployment record owns the handle exclusively while the deployment
// is loading or deployed; dropping the handle stops the tenant and
// releases its listener.
type Handle interface {
	// Stop terminates the tenant, gracefully first. Idempotent.
	Stop(ctx context.Context) error

	// Done is closed when the tenant terminates for any reason.
	Done() <-chan struct{}

	// Err reports why the tenant terminated; nil for a clean stop.
	// Valid only after Done is closed.
	Err() error
}

// Loader loads a built artifact as a running tenant bound to a port.
// Implementations vary in isolation; the process-per-tenant loader is
// the default.
type Loader interface {
	Load(ctx context.Context, artifact *build.Artifact, port int, res Resources, logs LogSink) (Handle, error)
}
