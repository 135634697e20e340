package deployer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/berthstack/berth/pkg/build"
	"github.com/berthstack/berth/pkg/loader"
	"github.com/berthstack/berth/pkg/log"
	"github.com/berthstack/berth/pkg/ports"
	"github.com/berthstack/berth/pkg/router"
	"github.com/berthstack/berth/pkg/storage"
	"github.com/berthstack/berth/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	m.Run()
}

// fakeBuilds is a controllable stand-in for the build system. Builds
// for projects with a block channel wait until it closes (or the
// worker cancels).
type fakeBuilds struct {
	mu      sync.Mutex
	blocks  map[string]chan struct{}
	errs    map[string]error
	started chan string
}

func newFakeBuilds() *fakeBuilds {
	return &fakeBuilds{
		blocks:  make(map[string]chan struct{}),
		errs:    make(map[string]error),
		started: make(chan string, 16),
	}
}

func (f *fakeBuilds) blockProject(project string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.blocks[project] = ch
	return ch
}

func (f *fakeBuilds) failProject(project string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[project] = err
}

func (f *fakeBuilds) Build(ctx context.Context, project types.ProjectName, archive io.Reader, sink build.LogSink) (*build.Artifact, error) {
	f.started <- project.String()

	f.mu.Lock()
	block := f.blocks[project.String()]
	err := f.errs[project.String()]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if sink != nil {
		sink("compiled " + project.String())
	}
	return &build.Artifact{
		Project:  project,
		Path:     "/tmp/artifacts/" + project.String(),
		Manifest: &build.Manifest{Main: "."},
	}, nil
}

// fakeHandle is a controllable running tenant.
type fakeHandle struct {
	port   int
	done   chan struct{}
	once   sync.Once
	onStop func(h *fakeHandle)

	mu      sync.Mutex
	stopped bool
	exitErr error
}

func (h *fakeHandle) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	if h.onStop != nil {
		h.onStop(h)
	}
	h.once.Do(func() { close(h.done) })
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *fakeHandle) wasStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// crash simulates the tenant process exiting on its own.
func (h *fakeHandle) crash(err error) {
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
}

type fakeLoader struct {
	mu      sync.Mutex
	err     error
	handles map[string][]*fakeHandle
	onStop  func(h *fakeHandle)
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{handles: make(map[string][]*fakeHandle)}
}

func (l *fakeLoader) Load(ctx context.Context, artifact *build.Artifact, port int, res loader.Resources, logs loader.LogSink) (loader.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	h := &fakeHandle{port: port, done: make(chan struct{}), onStop: l.onStop}
	l.handles[artifact.Project.String()] = append(l.handles[artifact.Project.String()], h)
	return h, nil
}

func (l *fakeLoader) handle(project string, i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[project][i]
}

type fakeProv struct {
	mu      sync.Mutex
	deleted []string
}

func (p *fakeProv) Provision(ctx context.Context, project types.ProjectName, engine string) (*types.DatabaseInfo, error) {
	return &types.DatabaseInfo{Engine: engine, AddressPrivate: "10.0.0.5", Port: "5432"}, nil
}

func (p *fakeProv) Delete(ctx context.Context, project types.ProjectName) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, project.String())
	return nil
}

func (p *fakeProv) deletedProjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deleted...)
}

type nopResources struct{}

func (nopResources) DatabaseURI(context.Context, string) (string, error) { return "", nil }
func (nopResources) Secrets(context.Context, []string) (map[string]string, error) {
	return map[string]string{}, nil
}

type testEnv struct {
	system *System
	builds *fakeBuilds
	loader *fakeLoader
	ports  *ports.Allocator
	routes *router.Router
	prov   *fakeProv
	store  storage.Store
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	alloc, err := ports.NewAllocator(17500, 17549)
	require.NoError(t, err)

	if cfg.ProxyFQDN == "" {
		cfg.ProxyFQDN = "berth.local"
	}
	if cfg.SlotWait == 0 {
		cfg.SlotWait = 5 * time.Second
	}

	env := &testEnv{
		builds: newFakeBuilds(),
		loader: newFakeLoader(),
		ports:  alloc,
		routes: router.New(),
		prov:   &fakeProv{},
		store:  store,
	}
	env.system = NewSystem(cfg, Deps{
		Builds:      env.builds,
		Loader:      env.loader,
		Ports:       alloc,
		Router:      env.routes,
		Provisioner: env.prov,
		Store:       store,
	})
	env.system.factory = func(*record) loader.Resources { return nopResources{} }

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.system.Shutdown(ctx)
	})
	return env
}

func waitForState(t *testing.T, s *System, project types.ProjectName, want types.DeploymentState) types.DeploymentMeta {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		meta, err := s.GetByProject(project)
		if err == nil && meta.State == want {
			return meta
		}
		if time.Now().After(deadline) {
			t.Fatalf("project %s never reached %s (last state %s, err %v)", project, want, meta.State, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeployHappyPath(t *testing.T) {
	env := newTestEnv(t, Config{})

	meta, err := env.system.Deploy("hello", []byte("archive"))
	require.NoError(t, err)
	assert.Equal(t, types.StateQueued, meta.State)
	assert.Equal(t, "hello.berth.local", meta.Host)

	deployed := waitForState(t, env.system, "hello", types.StateDeployed)
	assert.Equal(t, meta.ID, deployed.ID)
	assert.Contains(t, deployed.BuildLogs, "compiled hello")
	assert.NotZero(t, deployed.Port)

	port, ok := env.routes.Lookup("hello.berth.local")
	assert.True(t, ok)
	assert.Equal(t, deployed.Port, port)
	assert.Equal(t, 1, env.ports.InUse())

	byID, err := env.system.GetByID(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateDeployed, byID.State)
}

func TestDeployBuildFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.builds.failProject("broken", &build.Error{Message: "main.go:3: undefined: frob"})

	_, err := env.system.Deploy("broken", []byte("archive"))
	require.NoError(t, err, "pipeline failures must not propagate to the uploader")

	meta := waitForState(t, env.system, "broken", types.StateError)
	assert.Contains(t, meta.StateError, "undefined: frob")
	assert.Equal(t, 0, env.ports.InUse())
	_, ok := env.routes.Lookup("broken.berth.local")
	assert.False(t, ok)
}

func TestDeployLoadFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.loader.err = errors.New("tenant did not open its port")

	_, err := env.system.Deploy("hello", []byte("archive"))
	require.NoError(t, err)

	meta := waitForState(t, env.system, "hello", types.StateError)
	assert.Contains(t, meta.StateError, "did not open")
	assert.Equal(t, 0, env.ports.InUse(), "port must be reclaimed on load failure")
}

func TestReplacementKeepsTrafficFlowing(t *testing.T) {
	env := newTestEnv(t, Config{})

	// Every stop records where the hostname pointed at that instant.
	var stopMu sync.Mutex
	routeAtStop := make(map[*fakeHandle]int)
	env.loader.onStop = func(h *fakeHandle) {
		port, _ := env.routes.Lookup("svc.berth.local")
		stopMu.Lock()
		routeAtStop[h] = port
		stopMu.Unlock()
	}

	v1Meta, err := env.system.Deploy("svc", []byte("v1"))
	require.NoError(t, err)
	v1 := waitForState(t, env.system, "svc", types.StateDeployed)

	v2Meta, err := env.system.Deploy("svc", []byte("v2"))
	require.NoError(t, err)
	v2 := waitForState(t, env.system, "svc", types.StateDeployed)
	require.NotEqual(t, v1Meta.ID, v2Meta.ID)

	// The hostname points at the new tenant and the old one is gone.
	port, ok := env.routes.Lookup("svc.berth.local")
	require.True(t, ok)
	assert.Equal(t, v2.Port, port)
	assert.NotEqual(t, v1.Port, v2.Port)

	oldHandle := env.loader.handle("svc", 0)
	waitFor(t, "old tenant stop", oldHandle.wasStopped)

	// The route already pointed at v2 when v1 was told to stop: no gap.
	stopMu.Lock()
	assert.Equal(t, v2.Port, routeAtStop[oldHandle])
	stopMu.Unlock()

	// The old record is terminal and its port is back in the pool.
	old, err := env.system.GetByID(v1Meta.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateDeleted, old.State)
	waitFor(t, "old port release", func() bool { return env.ports.InUse() == 1 })
}

func TestKillDuringBuild(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.builds.blockProject("slow")

	_, err := env.system.Deploy("slow", []byte("archive"))
	require.NoError(t, err)
	<-env.builds.started

	meta, err := env.system.KillByProject("slow")
	require.NoError(t, err)
	assert.Equal(t, types.StateDeleted, meta.State)
	assert.Equal(t, 0, env.ports.InUse())
}

func TestDoubleKill(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.system.Deploy("hello", []byte("archive"))
	require.NoError(t, err)
	waitForState(t, env.system, "hello", types.StateDeployed)

	first, err := env.system.KillByProject("hello")
	require.NoError(t, err)
	assert.Equal(t, types.StateDeleted, first.State)

	second, err := env.system.KillByProject("hello")
	require.NoError(t, err)
	assert.Equal(t, types.StateDeleted, second.State)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 0, env.ports.InUse())
}

func TestKillUnknown(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.system.KillByProject("ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.system.KillByID(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.system.GetByProject("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKillByProjectTearsDownDatabase(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.NoError(t, env.store.SaveDatabase("hello", &types.DatabaseInfo{
		Engine: "postgres", AddressPrivate: "10.0.0.5", Port: "5432",
	}))

	_, err := env.system.Deploy("hello", []byte("archive"))
	require.NoError(t, err)
	waitForState(t, env.system, "hello", types.StateDeployed)

	_, err = env.system.KillByProject("hello")
	require.NoError(t, err)

	waitFor(t, "database teardown", func() bool {
		return len(env.prov.deletedProjects()) == 1
	})
	_, err = env.store.GetDatabase("hello")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKillByIDLeavesDatabaseAlone(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.NoError(t, env.store.SaveDatabase("hello", &types.DatabaseInfo{
		Engine: "postgres", AddressPrivate: "10.0.0.5", Port: "5432",
	}))

	meta, err := env.system.Deploy("hello", []byte("archive"))
	require.NoError(t, err)
	waitForState(t, env.system, "hello", types.StateDeployed)

	_, err = env.system.KillByID(meta.ID)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, env.prov.deletedProjects())
	_, err = env.store.GetDatabase("hello")
	assert.NoError(t, err)
}

func TestConcurrencyCap(t *testing.T) {
	env := newTestEnv(t, Config{MaxDeploys: 2})

	blockA := env.builds.blockProject("cap-a")
	env.builds.blockProject("cap-b")

	for _, project := range []types.ProjectName{"cap-a", "cap-b", "cap-c"} {
		_, err := env.system.Deploy(project, []byte("archive"))
		require.NoError(t, err)
	}

	// Only two builds may start while both slots are held.
	first := []string{<-env.builds.started, <-env.builds.started}
	assert.ElementsMatch(t, []string{"cap-a", "cap-b"}, first)

	select {
	case p := <-env.builds.started:
		t.Fatalf("third build %q started above the cap", p)
	case <-time.After(200 * time.Millisecond):
	}
	meta, err := env.system.GetByProject("cap-c")
	require.NoError(t, err)
	assert.Equal(t, types.StateQueued, meta.State)

	// Freeing one slot lets the third in.
	close(blockA)
	assert.Equal(t, "cap-c", <-env.builds.started)
	waitForState(t, env.system, "cap-c", types.StateDeployed)
}

func TestTenantCrashMarksError(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.system.Deploy("hello", []byte("archive"))
	require.NoError(t, err)
	deployed := waitForState(t, env.system, "hello", types.StateDeployed)

	env.loader.handle("hello", 0).crash(errors.New("exit status 2"))

	meta := waitForState(t, env.system, "hello", types.StateError)
	assert.Contains(t, meta.StateError, "exit status 2")

	_, ok := env.routes.Lookup("hello.berth.local")
	assert.False(t, ok, "crashed tenant must be un-published")
	waitFor(t, "port release", func() bool { return env.ports.InUse() == 0 })
	assert.NotZero(t, deployed.Port)
}

func TestRedeployAfterKillMatchesFreshDeploy(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.system.Deploy("hello", []byte("archive"))
	require.NoError(t, err)
	waitForState(t, env.system, "hello", types.StateDeployed)

	_, err = env.system.KillByProject("hello")
	require.NoError(t, err)

	_, err = env.system.Deploy("hello", []byte("archive"))
	require.NoError(t, err)
	meta := waitForState(t, env.system, "hello", types.StateDeployed)

	port, ok := env.routes.Lookup("hello.berth.local")
	assert.True(t, ok)
	assert.Equal(t, meta.Port, port)
	assert.Equal(t, 1, env.ports.InUse())
}

func TestPortForHost(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.system.PortForHost("hello.berth.local")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.system.Deploy("hello", []byte("archive"))
	require.NoError(t, err)
	meta := waitForState(t, env.system, "hello", types.StateDeployed)

	port, err := env.system.PortForHost("hello.berth.local")
	require.NoError(t, err)
	assert.Equal(t, meta.Port, port)
}
