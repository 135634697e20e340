package deployer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/berthstack/berth/pkg/build"
	"github.com/berthstack/berth/pkg/events"
	"github.com/berthstack/berth/pkg/loader"
	"github.com/berthstack/berth/pkg/log"
	"github.com/berthstack/berth/pkg/metrics"
	"github.com/berthstack/berth/pkg/ports"
	"github.com/berthstack/berth/pkg/router"
	"github.com/berthstack/berth/pkg/storage"
	"github.com/berthstack/berth/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNotFound is returned for unknown projects or deployment ids.
	ErrNotFound = errors.New("deployment not found")

	// ErrBusy is returned when no deploy slot frees up within the
	// wait budget.
	ErrBusy = errors.New("no deploy slots available")
)

// DefaultMaxDeploys caps how many deployments may build or load
// concurrently.
const DefaultMaxDeploys = 4

// DefaultSlotWait bounds how long a queued deployment waits for a slot
// before erroring out.
const DefaultSlotWait = 10 * time.Minute

// Provisioner is the slice of the provisioner client the deployer
// needs.
type Provisioner interface {
	Provision(ctx context.Context, project types.ProjectName, engine string) (*types.DatabaseInfo, error)
	Delete(ctx context.Context, project types.ProjectName) error
}

// Config holds deployer configuration.
type Config struct {
	// ProxyFQDN is the domain projects are served under; the router
	// key for a project is "{project}.{ProxyFQDN}".
	ProxyFQDN string

	// MaxDeploys caps concurrent builds/loads; DefaultMaxDeploys when
	// zero.
	MaxDeploys int64

	// SlotWait bounds the wait for a deploy slot; DefaultSlotWait
	// when zero.
	SlotWait time.Duration
}

// System owns the authoritative project -> deployment record map and
// drives every deployment through its state machine.
type System struct {
	mu sync.Mutex
	// projects holds the newest record per project: the one
	// GetByProject reports.
	projects map[types.ProjectName]*record
	// live holds the record currently serving traffic per project:
	// the one owning the router entry and port.
	live map[types.ProjectName]*record
	byID map[types.DeploymentID]*record

	builds  build.System
	loader  loader.Loader
	ports   *ports.Allocator
	router  *router.Router
	prov    Provisioner
	store   storage.Store
	broker  *events.Broker
	factory func(rec *record) loader.Resources

	slots    *semaphore.Weighted
	slotWait time.Duration
	fqdn     string
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// Deps bundles the collaborators a System needs.
type Deps struct {
	Builds      build.System
	Loader      loader.Loader
	Ports       *ports.Allocator
	Router      *router.Router
	Provisioner Provisioner
	Store       storage.Store
	Broker      *events.Broker
}

// NewSystem creates a deployment system.
func NewSystem(cfg Config, deps Deps) *System {
	if cfg.MaxDeploys <= 0 {
		cfg.MaxDeploys = DefaultMaxDeploys
	}
	if cfg.SlotWait <= 0 {
		cfg.SlotWait = DefaultSlotWait
	}

	s := &System{
		projects: make(map[types.ProjectName]*record),
		live:     make(map[types.ProjectName]*record),
		byID:     make(map[types.DeploymentID]*record),
		builds:   deps.Builds,
		loader:   deps.Loader,
		ports:    deps.Ports,
		router:   deps.Router,
		prov:     deps.Provisioner,
		store:    deps.Store,
		broker:   deps.Broker,
		slots:    semaphore.NewWeighted(cfg.MaxDeploys),
		slotWait: cfg.SlotWait,
		fqdn:     cfg.ProxyFQDN,
		logger:   log.WithComponent("deployer"),
	}
	return s
}

// Deploy begins (or replaces) a deployment for the project. The record
// is returned in QUEUED immediately; the pipeline runs in a worker and
// failures are recorded on the record, not propagated.
func (s *System) Deploy(project types.ProjectName, archive []byte) (types.DeploymentMeta, error) {
	s.mu.Lock()

	// A worker already driving this project is marked for
	// cancellation; the new worker starts only after it unwinds.
	var waitFor <-chan struct{}
	if prev := s.projects[project]; prev != nil && prev.state.Active() {
		prev.cancel()
		waitFor = prev.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	rec := &record{
		id:        uuid.New(),
		project:   project,
		state:     types.StateQueued,
		createdAt: now,
		updatedAt: now,
		archive:   archive,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.projects[project] = rec
	s.byID[rec.id] = rec
	meta := rec.meta(s.fqdn)
	s.mu.Unlock()

	s.publish(events.EventDeploymentQueued, rec, "")
	s.logger.Info().Str("project", project.String()).Str("deployment_id", rec.id.String()).Msg("deployment queued")

	s.wg.Add(1)
	go s.work(rec, waitFor)

	return meta, nil
}

// GetByProject returns the newest deployment meta for a project.
func (s *System) GetByProject(project types.ProjectName) (types.DeploymentMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.projects[project]
	if rec == nil {
		return types.DeploymentMeta{}, ErrNotFound
	}
	return rec.meta(s.fqdn), nil
}

// GetByID returns the meta of one deployment attempt.
func (s *System) GetByID(id types.DeploymentID) (types.DeploymentMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.byID[id]
	if rec == nil {
		return types.DeploymentMeta{}, ErrNotFound
	}
	return rec.meta(s.fqdn), nil
}

// KillByProject deletes the project's deployment, stops its tenant,
// and schedules its database for teardown.
func (s *System) KillByProject(project types.ProjectName) (types.DeploymentMeta, error) {
	s.mu.Lock()
	rec := s.projects[project]
	liveRec := s.live[project]
	s.mu.Unlock()
	if rec == nil {
		return types.DeploymentMeta{}, ErrNotFound
	}

	meta := s.killRecord(rec)
	if liveRec != nil && liveRec != rec {
		// A replacement was in flight; the previous deployment was
		// still serving and goes down with the project.
		s.killRecord(liveRec)
	}

	go s.teardownDatabase(project)
	return meta, nil
}

// KillByID deletes one deployment attempt. The project's database is
// left alone.
func (s *System) KillByID(id types.DeploymentID) (types.DeploymentMeta, error) {
	s.mu.Lock()
	rec := s.byID[id]
	s.mu.Unlock()
	if rec == nil {
		return types.DeploymentMeta{}, ErrNotFound
	}
	return s.killRecord(rec), nil
}

// PortForHost resolves a public hostname to the port of the tenant
// serving it.
func (s *System) PortForHost(host string) (int, error) {
	port, ok := s.router.Lookup(host)
	if !ok {
		return 0, ErrNotFound
	}
	return port, nil
}

// Shutdown cancels every worker and stops every running tenant.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	recs := make([]*record, 0, len(s.projects))
	for _, rec := range s.projects {
		recs = append(recs, rec)
	}
	for _, rec := range s.live {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	for _, rec := range recs {
		s.killRecord(rec)
	}
	s.wg.Wait()
	return nil
}

// killRecord drives one record to DELETED: cancels its worker if one
// is active, then tears down whatever the record still holds. The
// router entry goes first so no new connections land on a stopping
// tenant.
func (s *System) killRecord(rec *record) types.DeploymentMeta {
	s.mu.Lock()
	if rec.state.Active() {
		cancel := rec.cancel
		done := rec.done
		s.mu.Unlock()
		cancel()
		<-done
		s.mu.Lock()
	}

	switch rec.state {
	case types.StateDeployed:
		handle := rec.handle
		port := rec.port
		host := rec.project.Hostname(s.fqdn)
		rec.state = types.StateDeleted
		rec.stateError = ""
		rec.handle = nil
		rec.updatedAt = time.Now()
		if s.live[rec.project] == rec {
			delete(s.live, rec.project)
		}
		meta := rec.meta(s.fqdn)
		s.mu.Unlock()

		s.router.RemoveIf(host, port)
		if handle != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			handle.Stop(stopCtx)
			cancel()
		}
		s.ports.Release(port)
		metrics.ActiveDeployments.Dec()
		metrics.PortsInUse.Set(float64(s.ports.InUse()))
		metrics.DeploymentsTotal.WithLabelValues(string(types.StateDeleted)).Inc()
		s.publish(events.EventDeploymentDeleted, rec, "")
		s.logger.Info().Str("project", rec.project.String()).Str("deployment_id", rec.id.String()).Msg("deployment deleted")
		return meta

	case types.StateError:
		// Kill on an errored record settles it as deleted; there is
		// nothing to release.
		rec.state = types.StateDeleted
		rec.updatedAt = time.Now()
		meta := rec.meta(s.fqdn)
		s.mu.Unlock()
		s.publish(events.EventDeploymentDeleted, rec, "")
		return meta

	default:
		// Already DELETED (possibly by the worker's cancel unwind).
		meta := rec.meta(s.fqdn)
		s.mu.Unlock()
		return meta
	}
}

func (s *System) teardownDatabase(project types.ProjectName) {
	if _, err := s.store.GetDatabase(project); errors.Is(err, storage.ErrNotFound) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := s.prov.Delete(ctx, project); err != nil {
		metrics.ProvisionsTotal.WithLabelValues("delete_error").Inc()
		s.logger.Error().Err(err).Str("project", project.String()).Msg("database teardown failed")
		return
	}
	if err := s.store.DeleteDatabase(project); err != nil {
		s.logger.Error().Err(err).Str("project", project.String()).Msg("failed to drop database record")
	}
	metrics.ProvisionsTotal.WithLabelValues("deleted").Inc()
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			ID:      uuid.NewString(),
			Type:    events.EventDatabaseDeleted,
			Project: project.String(),
			Message: fmt.Sprintf("database for %s scheduled for teardown", project),
		})
	}
}

func (s *System) publish(eventType events.EventType, rec *record, msg string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Project: rec.project.String(),
		Message: msg,
		Metadata: map[string]string{
			"deployment_id": rec.id.String(),
		},
	})
}
