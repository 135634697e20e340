package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/berthstack/berth/pkg/log"
	"github.com/berthstack/berth/pkg/storage"
	"github.com/berthstack/berth/pkg/types"
)

// Provisioner is the slice of the provisioner client the factory needs.
type Provisioner interface {
	Provision(ctx context.Context, project types.ProjectName, engine string) (*types.DatabaseInfo, error)
}

// Factory resolves the resource requests of one tenant load: databases
// through the provisioner and secrets from the tenant's own database.
// Single-use: created fresh for each loading transition and discarded
// once the tenant reports ready.
type Factory struct {
	project types.ProjectName
	prov    Provisioner
	store   storage.Store
	// record is called with the database info so the deployment
	// record carries it in its meta.
	record func(*types.DatabaseInfo)

	mu   sync.Mutex
	info *types.DatabaseInfo

	// openSecrets is swapped out by tests.
	openSecrets func(ctx context.Context, connStr string) (*SecretStore, error)
}

// New creates a factory for one load of the given project. record may
// be nil.
func New(project types.ProjectName, prov Provisioner, store storage.Store, record func(*types.DatabaseInfo)) *Factory {
	if record == nil {
		record = func(*types.DatabaseInfo) {}
	}
	return &Factory{
		project:     project,
		prov:        prov,
		store:       store,
		record:      record,
		openSecrets: OpenSecretStore,
	}
}

// DatabaseURI returns the private connection string for the project's
// database of the given engine, provisioning it on first use. The
// stored record is consulted first so a control-plane restart does not
// re-provision.
func (f *Factory) DatabaseURI(ctx context.Context, engine string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.info != nil {
		return f.info.ConnectionStringPrivate(), nil
	}

	info, err := f.store.GetDatabase(f.project)
	switch {
	case err == nil && info.Engine == engine:
		logger := log.WithProject(f.project.String())
		logger.Debug().Msg("reusing stored database record")
	case err == nil || errors.Is(err, storage.ErrNotFound):
		info, err = f.prov.Provision(ctx, f.project, engine)
		if err != nil {
			return "", err
		}
		if err := f.store.SaveDatabase(f.project, info); err != nil {
			return "", fmt.Errorf("failed to persist database record: %w", err)
		}
	default:
		return "", fmt.Errorf("failed to read database record: %w", err)
	}

	f.info = info
	f.record(info)
	return info.ConnectionStringPrivate(), nil
}

// Secrets reads the named secrets from the project's database. The
// database must have been resolved first (the loader resolves the
// manifest's database before its secrets); a tenant declaring secrets
// without a database gets an empty map.
func (f *Factory) Secrets(ctx context.Context, keys []string) (map[string]string, error) {
	f.mu.Lock()
	info := f.info
	f.mu.Unlock()

	out := make(map[string]string, len(keys))
	if info == nil || info.Engine != "postgres" {
		return out, nil
	}

	store, err := f.openSecrets(ctx, info.ConnectionStringPrivate())
	if err != nil {
		return nil, err
	}
	defer store.Close()

	for _, key := range keys {
		value, ok, err := store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = value
		}
	}
	return out, nil
}

// DatabaseInfo returns the resolved database info, if any.
func (f *Factory) DatabaseInfo() *types.DatabaseInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}
