package deployer

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/berthstack/berth/pkg/build"
	"github.com/berthstack/berth/pkg/events"
	"github.com/berthstack/berth/pkg/factory"
	"github.com/berthstack/berth/pkg/loader"
	"github.com/berthstack/berth/pkg/metrics"
	"github.com/berthstack/berth/pkg/types"
	"github.com/google/uuid"
)

// work drives one deployment record through its lifecycle. It runs as
// a goroutine per deployment; failures land on the record as ERROR and
// are never propagated to the caller of Deploy.
func (s *System) work(rec *record, waitFor <-chan struct{}) {
	defer s.wg.Done()
	defer close(rec.done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("project", rec.project.String()).Interface("panic", r).Msg("deployment worker panicked")
			s.settleError(rec, fmt.Sprintf("internal error: %v", r))
		}
	}()

	// A replaced predecessor unwinds before this deployment touches
	// any shared resource.
	if waitFor != nil {
		<-waitFor
	}
	if rec.ctx.Err() != nil {
		s.settleDeleted(rec)
		return
	}

	slotCtx, cancel := context.WithTimeout(rec.ctx, s.slotWait)
	err := s.slots.Acquire(slotCtx, 1)
	cancel()
	if err != nil {
		if rec.ctx.Err() != nil {
			s.settleDeleted(rec)
			return
		}
		s.settleError(rec, ErrBusy.Error())
		return
	}
	defer s.slots.Release(1)

	metrics.BuildsInFlight.Inc()
	defer metrics.BuildsInFlight.Dec()

	artifact, err := s.runBuild(rec)
	if err != nil {
		if rec.ctx.Err() != nil {
			s.settleDeleted(rec)
			return
		}
		s.settleError(rec, err.Error())
		return
	}

	s.setState(rec, types.StateBuilt, events.EventDeploymentBuilt)
	if rec.ctx.Err() != nil {
		s.settleDeleted(rec)
		return
	}

	s.runLoad(rec, artifact)
}

// runBuild transitions the record to BUILDING and compiles its archive,
// streaming build output onto the record.
func (s *System) runBuild(rec *record) (*build.Artifact, error) {
	s.setState(rec, types.StateBuilding, events.EventDeploymentBuilding)

	s.mu.Lock()
	archive := rec.archive
	rec.archive = nil
	s.mu.Unlock()

	sink := func(line string) {
		s.mu.Lock()
		rec.buildLogs.WriteString(line)
		rec.buildLogs.WriteByte('\n')
		s.mu.Unlock()
	}

	started := time.Now()
	artifact, err := s.builds.Build(rec.ctx, rec.project, bytes.NewReader(archive), sink)
	if err != nil {
		return nil, err
	}
	metrics.BuildDuration.Observe(time.Since(started).Seconds())
	return artifact, nil
}

// runLoad transitions the record through LOADING to DEPLOYED: allocates
// a port, starts the tenant with its resources resolved, and swaps the
// route over to it before the predecessor is retired.
func (s *System) runLoad(rec *record, artifact *build.Artifact) {
	s.setState(rec, types.StateLoading, events.EventDeploymentLoading)

	port, err := s.ports.Allocate()
	if err != nil {
		s.settleError(rec, err.Error())
		return
	}
	metrics.PortsInUse.Set(float64(s.ports.InUse()))

	logs := func(ts time.Time, line string) {
		s.mu.Lock()
		rec.appendRuntimeLog(ts, line)
		s.mu.Unlock()
	}

	handle, err := s.loader.Load(rec.ctx, artifact, port, s.newResources(rec), logs)
	if err != nil {
		s.ports.Release(port)
		metrics.PortsInUse.Set(float64(s.ports.InUse()))
		if rec.ctx.Err() != nil {
			s.settleDeleted(rec)
			return
		}
		s.settleError(rec, err.Error())
		return
	}

	if rec.ctx.Err() != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		handle.Stop(stopCtx)
		cancel()
		s.ports.Release(port)
		metrics.PortsInUse.Set(float64(s.ports.InUse()))
		s.settleDeleted(rec)
		return
	}

	host := rec.project.Hostname(s.fqdn)

	// The route flips to the new tenant before the old one stops, so a
	// replacement never leaves the hostname dark.
	s.router.Set(host, port)

	s.mu.Lock()
	rec.state = types.StateDeployed
	rec.stateError = ""
	rec.port = port
	rec.handle = handle
	rec.updatedAt = time.Now()
	prev := s.live[rec.project]
	s.live[rec.project] = rec
	s.mu.Unlock()

	metrics.ActiveDeployments.Inc()
	metrics.DeploymentsTotal.WithLabelValues(string(types.StateDeployed)).Inc()
	s.publish(events.EventDeploymentDeployed, rec, "")
	s.logger.Info().
		Str("project", rec.project.String()).
		Str("deployment_id", rec.id.String()).
		Int("port", port).
		Msg("deployment serving")

	if prev != nil && prev != rec {
		s.retire(prev)
	}

	go s.watch(rec, handle, host, port)
}

// retire stops a replaced predecessor that was still serving. Its
// route is already overwritten; only the process and port remain.
func (s *System) retire(prev *record) {
	s.mu.Lock()
	if prev.state != types.StateDeployed {
		s.mu.Unlock()
		return
	}
	handle := prev.handle
	port := prev.port
	prev.state = types.StateDeleted
	prev.handle = nil
	prev.updatedAt = time.Now()
	s.mu.Unlock()

	if handle != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		handle.Stop(stopCtx)
		cancel()
	}
	s.ports.Release(port)
	metrics.ActiveDeployments.Dec()
	metrics.PortsInUse.Set(float64(s.ports.InUse()))
	s.publish(events.EventDeploymentDeleted, prev, "replaced by a newer deployment")
	s.logger.Info().
		Str("project", prev.project.String()).
		Str("deployment_id", prev.id.String()).
		Msg("replaced deployment retired")
}

// watch observes a running tenant and marks the deployment ERROR if
// the process exits on its own. A deliberate stop has already moved
// the record out of DEPLOYED, so the exit is ignored.
func (s *System) watch(rec *record, handle handleRef, host string, port int) {
	<-handle.Done()

	s.mu.Lock()
	if rec.state != types.StateDeployed || rec.handle != handle {
		s.mu.Unlock()
		return
	}
	rec.state = types.StateError
	rec.handle = nil
	if err := handle.Err(); err != nil {
		rec.stateError = fmt.Sprintf("tenant exited: %v", err)
	} else {
		rec.stateError = "tenant exited unexpectedly"
	}
	rec.updatedAt = time.Now()
	if s.live[rec.project] == rec {
		delete(s.live, rec.project)
	}
	msg := rec.stateError
	s.mu.Unlock()

	// Guarded removal: a replacement may already own the hostname.
	s.router.RemoveIf(host, port)
	s.ports.Release(port)
	metrics.ActiveDeployments.Dec()
	metrics.PortsInUse.Set(float64(s.ports.InUse()))
	metrics.DeploymentsTotal.WithLabelValues(string(types.StateError)).Inc()
	s.publish(events.EventTenantCrashed, rec, msg)
	s.logger.Error().
		Str("project", rec.project.String()).
		Str("deployment_id", rec.id.String()).
		Str("error", msg).
		Msg("tenant crashed")
}

// newResources builds the per-load resource resolver. Tests swap in a
// fake through the factory field.
func (s *System) newResources(rec *record) loader.Resources {
	if s.factory != nil {
		return s.factory(rec)
	}
	return factory.New(rec.project, s.prov, s.store, func(info *types.DatabaseInfo) {
		s.mu.Lock()
		rec.database = info
		rec.updatedAt = time.Now()
		s.mu.Unlock()
		metrics.ProvisionsTotal.WithLabelValues("provisioned").Inc()
		if s.broker != nil {
			s.broker.Publish(&events.Event{
				ID:      uuid.NewString(),
				Type:    events.EventDatabaseProvisioned,
				Project: rec.project.String(),
				Message: fmt.Sprintf("%s database ready", info.Engine),
			})
		}
	})
}

func (s *System) setState(rec *record, state types.DeploymentState, eventType events.EventType) {
	s.mu.Lock()
	rec.state = state
	rec.updatedAt = time.Now()
	s.mu.Unlock()
	s.publish(eventType, rec, "")
	s.logger.Debug().
		Str("project", rec.project.String()).
		Str("deployment_id", rec.id.String()).
		Str("state", string(state)).
		Msg("deployment state changed")
}

// settleError parks the record in ERROR.
func (s *System) settleError(rec *record, msg string) {
	s.mu.Lock()
	rec.state = types.StateError
	rec.stateError = msg
	rec.updatedAt = time.Now()
	s.mu.Unlock()
	metrics.DeploymentsTotal.WithLabelValues(string(types.StateError)).Inc()
	s.publish(events.EventDeploymentErrored, rec, msg)
	s.logger.Error().
		Str("project", rec.project.String()).
		Str("deployment_id", rec.id.String()).
		Str("error", msg).
		Msg("deployment failed")
}

// settleDeleted parks a cancelled record in DELETED before it ever
// served traffic.
func (s *System) settleDeleted(rec *record) {
	s.mu.Lock()
	rec.state = types.StateDeleted
	rec.stateError = ""
	rec.updatedAt = time.Now()
	s.mu.Unlock()
	metrics.DeploymentsTotal.WithLabelValues(string(types.StateDeleted)).Inc()
	s.publish(events.EventDeploymentDeleted, rec, "")
}
