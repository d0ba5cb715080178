package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/kubeploy/internal/build"
	"github.com/splax/kubeploy/internal/domain"
	"github.com/splax/kubeploy/internal/git"
	"github.com/splax/kubeploy/internal/lock"
	"github.com/splax/kubeploy/internal/logstream"
	"github.com/splax/kubeploy/internal/repository"
	"github.com/splax/kubeploy/internal/repository/memory"
	"github.com/splax/kubeploy/internal/service/access"
	"github.com/splax/kubeploy/internal/service/deploy"
	"github.com/splax/kubeploy/internal/worker"
	"github.com/splax/kubeploy/pkg/crypto"
)

type inlinePool struct{}

func (inlinePool) Submit(_ string, task worker.Task) error {
	task(context.Background())
	return nil
}

// heldPool keeps tasks until run is called.
type heldPool struct {
	mu    sync.Mutex
	tasks []worker.Task
}

func (p *heldPool) Submit(_ string, task worker.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *heldPool) run() {
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.mu.Unlock()
	for _, task := range tasks {
		task(context.Background())
	}
}

type recordingSessions struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSessions) NewSession() string { return "session-1" }

func (r *recordingSessions) Send(_ string, kind logstream.Kind, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, string(kind)+"|"+line)
}

func (r *recordingSessions) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type fakeSources struct {
	err   error
	panic bool
	got   git.Source
}

func (f *fakeSources) Clone(_ context.Context, _ string, src git.Source) (string, error) {
	if f.panic {
		panic("clone exploded")
	}
	f.got = src
	return "/work/session-1", f.err
}

type fakeBuilder struct {
	result build.Result
}

func (f *fakeBuilder) Build(context.Context, string, string, string, time.Duration) build.Result {
	return f.result
}

type fakeDeployer struct {
	requests []deploy.Request
	err      error
	onResult func(string, string, error)
	outcome  error
	// held keeps outcomes instead of reporting them.
	held     bool
	pending  []func()
}

func (f *fakeDeployer) Deploy(_ context.Context, sessionID string, req deploy.Request) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.requests = append(f.requests, req)
	if f.onResult != nil {
		appID, tag, outcome := req.Application.ID, req.ImageTag, f.outcome
		report := func() { f.onResult(appID, tag, outcome) }
		if f.held {
			f.pending = append(f.pending, report)
		} else {
			report()
		}
	}
	return sessionID, nil
}

func (f *fakeDeployer) flush() {
	pending := f.pending
	f.pending = nil
	for _, report := range pending {
		report()
	}
}

type fakeImages struct {
	imported []string
	err      error
}

func (f *fakeImages) ImportImage(_ context.Context, clusterName, image string) error {
	f.imported = append(f.imported, clusterName+"/"+image)
	return f.err
}

type fakeVerifier struct{ err error }

func (f fakeVerifier) ImageID(context.Context, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "sha256:abc", nil
}

type fakeWorkspaces struct{ cleaned []string }

func (f *fakeWorkspaces) Cleanup(path string) error {
	f.cleaned = append(f.cleaned, path)
	return nil
}

type fixture struct {
	coord      *Coordinator
	store      *memory.Store
	sessions   *recordingSessions
	sources    *fakeSources
	builder    *fakeBuilder
	deployer   *fakeDeployer
	images     *fakeImages
	workspaces *fakeWorkspaces
	sealer     crypto.Sealer
}

func newFixture(t *testing.T, pool Pool, opts ...func(*Deps, *Config)) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateEnvironment(ctx, &domain.Environment{ID: "env-1", Name: "env1", Managed: true, Status: domain.EnvironmentReady}))
	require.NoError(t, store.CreateTeam(ctx, &domain.Team{ID: "team-1", EnvironmentID: "env-1", Name: "Web Team", Namespace: "web-team"}))
	require.NoError(t, store.UpsertBinding(ctx, &domain.UserRoleBinding{TeamID: "team-1", UserID: "dev", Role: domain.RoleDeveloper}))
	require.NoError(t, store.UpsertBinding(ctx, &domain.UserRoleBinding{TeamID: "team-1", UserID: "viewer", Role: domain.RoleViewer}))
	require.NoError(t, store.CreateProject(ctx, &domain.Project{ID: "proj-1", EnvironmentID: "env-1", TeamID: "team-1", Name: "shop"}))

	sealer, err := crypto.NewSealer("pipeline-test")
	require.NoError(t, err)
	token, err := sealer.SealString("s3cret")
	require.NoError(t, err)
	require.NoError(t, store.CreateApplication(ctx, &domain.Application{
		ID: "app-1", ProjectID: "proj-1", Name: "web",
		GitRepository: "https://example.com/web.git", GitUsername: "bot", GitToken: token,
	}))
	require.NoError(t, store.CreateDomain(ctx, &domain.Domain{ID: "dom-1", ApplicationID: "app-1", Host: "web.example.com", Port: 8080}))

	f := &fixture{
		store:      store,
		sessions:   &recordingSessions{},
		sources:    &fakeSources{},
		builder:    &fakeBuilder{result: build.Result{Status: domain.BuildSuccess, Logs: "built ok", ImageTag: "web:abc12345"}},
		deployer:   &fakeDeployer{},
		images:     &fakeImages{},
		workspaces: &fakeWorkspaces{},
		sealer:     sealer,
	}
	deps := Deps{
		Applications: store,
		Projects:     store,
		Environments: store,
		Teams:        store,
		Guard:        access.New(store),
		Locks:        lock.NewLocal(),
		Sessions:     f.sessions,
		Pool:         pool,
		Sources:      f.sources,
		Builder:      f.builder,
		Deployer:     f.deployer,
		Images:       f.images,
		Workspaces:   f.workspaces,
		Secrets:      sealer,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	cfg := Config{}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	f.coord = New(deps, cfg)
	f.deployer.onResult = f.coord.DeploymentFinished
	return f
}

func (f *fixture) app(t *testing.T) *domain.Application {
	t.Helper()
	app, err := f.store.GetApplicationByID(context.Background(), "app-1")
	require.NoError(t, err)
	return app
}

func TestTriggerRunsFullPipeline(t *testing.T) {
	f := newFixture(t, inlinePool{})

	ack, err := f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)
	assert.Equal(t, Ack{SessionID: "session-1", ApplicationID: "app-1"}, ack)

	assert.Equal(t, []string{
		"DEPLOY|Starting Git clone...",
		"DEPLOY|Git clone completed.",
		"DEPLOY|Starting build...",
		"DEPLOY|Build successful. Deploying application...",
	}, f.sessions.snapshot())

	assert.Equal(t, "s3cret", f.sources.got.Token, "git token is unsealed before cloning")
	assert.Equal(t, "main", f.sources.got.Branch)
	assert.Equal(t, []string{"env1/web:abc12345"}, f.images.imported)
	assert.Equal(t, []string{"/work/session-1"}, f.workspaces.cleaned)

	require.Len(t, f.deployer.requests, 1)
	req := f.deployer.requests[0]
	assert.Equal(t, "web-team", req.Namespace)
	assert.Equal(t, "web:abc12345", req.ImageTag)
	require.Len(t, req.Domains, 1)
	assert.Equal(t, "web.example.com", req.Domains[0].Host)

	app := f.app(t)
	assert.Equal(t, domain.BuildSuccess, app.BuildStatus)
	assert.Equal(t, domain.AppRunning, app.Status)
	assert.Equal(t, "built ok", app.BuildLogs)
	assert.Equal(t, "web:abc12345", app.ImageRef)
}

func TestBuildFailureSkipsDeployment(t *testing.T) {
	f := newFixture(t, inlinePool{})
	f.builder.result = build.Result{Status: domain.BuildFailed, Logs: "npm ERR!", Err: &build.BuildFailureError{ExitCode: 1}}

	_, err := f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)

	lines := f.sessions.snapshot()
	assert.Equal(t, "DEPLOY|Build failed. Deployment skipped.", lines[len(lines)-1])
	assert.Empty(t, f.deployer.requests)
	assert.Empty(t, f.images.imported)

	app := f.app(t)
	assert.Equal(t, domain.BuildFailed, app.BuildStatus)
	assert.Equal(t, domain.AppFailed, app.Status)
	assert.Equal(t, "npm ERR!", app.BuildLogs)
}

func TestCloneFailureIsReported(t *testing.T) {
	f := newFixture(t, inlinePool{})
	f.sources.err = &git.SourceRetrievalError{URL: "https://example.com/web.git", Err: errors.New("repository not found")}

	_, err := f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)

	lines := f.sessions.snapshot()
	assert.Equal(t, "DEPLOY|Error during deployment process: failed to clone repository https://example.com/web.git: repository not found", lines[len(lines)-1])
	app := f.app(t)
	assert.Equal(t, domain.BuildFailed, app.BuildStatus)
	assert.Equal(t, domain.AppFailed, app.Status)
	assert.Contains(t, app.BuildLogs, "repository not found")
	assert.Equal(t, []string{"/work/session-1"}, f.workspaces.cleaned, "workspace is removed on failure too")
}

func TestPanicMarksApplicationFailed(t *testing.T) {
	f := newFixture(t, inlinePool{})
	f.sources.panic = true

	_, err := f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)

	app := f.app(t)
	assert.Equal(t, domain.AppFailed, app.Status)
	assert.Equal(t, domain.BuildFailed, app.BuildStatus)
	lines := f.sessions.snapshot()
	assert.Contains(t, lines[len(lines)-1], "Error during deployment process: internal error: clone exploded")

	_, err = f.coord.Trigger(context.Background(), "dev", "app-1")
	assert.NoError(t, err, "lock is released after a panic")
}

func TestImportFailureKeepsSuccessfulBuild(t *testing.T) {
	f := newFixture(t, inlinePool{})
	f.images.err = errors.New("k3d: cluster env1 not running")

	_, err := f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)

	app := f.app(t)
	assert.Equal(t, domain.BuildSuccess, app.BuildStatus)
	assert.Equal(t, domain.AppFailed, app.Status)
	assert.Empty(t, f.deployer.requests)
}

func TestRolloutFailureMarksApplicationFailed(t *testing.T) {
	f := newFixture(t, inlinePool{})
	f.deployer.outcome = &deploy.PodNotReadyError{Application: "web", Attempts: 3}

	_, err := f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AppFailed, f.app(t).Status)
}

func TestSecondTriggerWhileRunning(t *testing.T) {
	pool := &heldPool{}
	f := newFixture(t, pool)

	_, err := f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)
	_, err = f.coord.Trigger(context.Background(), "dev", "app-1")
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.ErrorIs(t, err, repository.ErrConflict)

	pool.run()
	_, err = f.coord.Trigger(context.Background(), "dev", "app-1")
	assert.NoError(t, err)
}

func TestTriggerAuthorization(t *testing.T) {
	f := newFixture(t, inlinePool{})

	_, err := f.coord.Trigger(context.Background(), "viewer", "app-1")
	assert.ErrorIs(t, err, access.ErrAccessDenied)
	_, err = f.coord.Trigger(context.Background(), "stranger", "app-1")
	assert.ErrorIs(t, err, access.ErrAccessDenied)
	_, err = f.coord.Trigger(context.Background(), "dev", "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, f.sessions.snapshot())
}

func TestUnmanagedEnvironmentSkipsImport(t *testing.T) {
	f := newFixture(t, inlinePool{})
	env, err := f.store.GetEnvironmentByID(context.Background(), "env-1")
	require.NoError(t, err)
	env.Managed = false
	require.NoError(t, f.store.UpdateEnvironment(context.Background(), env))

	_, err = f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)
	assert.Empty(t, f.images.imported)
	assert.Len(t, f.deployer.requests, 1)
}

func TestWorkspaceKeep(t *testing.T) {
	f := newFixture(t, inlinePool{}, func(_ *Deps, cfg *Config) { cfg.WorkspaceKeep = true })
	_, err := f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)
	assert.Empty(t, f.workspaces.cleaned)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, inlinePool{})
	_, err := f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)

	status, err := f.coord.Status(context.Background(), "viewer", "app-1")
	require.NoError(t, err)
	assert.Equal(t, Status{
		BuildStatus:       domain.BuildSuccess,
		ApplicationStatus: domain.AppRunning,
		Logs:              "built ok",
		ImageRef:          "web:abc12345",
	}, status)

	_, err = f.coord.Status(context.Background(), "stranger", "app-1")
	assert.ErrorIs(t, err, access.ErrAccessDenied)
}

func TestFailedRerunAfterSuccessMarksBuildFailed(t *testing.T) {
	f := newFixture(t, inlinePool{})
	_, err := f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)
	require.Equal(t, domain.BuildSuccess, f.app(t).BuildStatus)

	f.sources.err = errors.New("network down")
	_, err = f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)

	app := f.app(t)
	assert.Equal(t, domain.BuildFailed, app.BuildStatus, "clone failure must not keep the previous build result")
	assert.Equal(t, domain.AppFailed, app.Status)
	assert.Equal(t, "network down", app.BuildLogs, "logs start fresh for each run")
	assert.Equal(t, "web:abc12345", app.ImageRef, "last deployed image is kept")
}

func TestRerunAfterSuccessIsTerminalAgain(t *testing.T) {
	f := newFixture(t, inlinePool{})
	for i := 0; i < 2; i++ {
		_, err := f.coord.Trigger(context.Background(), "dev", "app-1")
		require.NoError(t, err)
		app := f.app(t)
		assert.Equal(t, domain.BuildSuccess, app.BuildStatus)
		assert.Equal(t, domain.AppRunning, app.Status)
		assert.Equal(t, "built ok", app.BuildLogs)
	}
}

func TestSealedSourceFailureAfterSuccessMarksBuildFailed(t *testing.T) {
	f := newFixture(t, inlinePool{})
	_, err := f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)

	_, err = f.store.UpdateApplication(context.Background(), "app-1", func(a *domain.Application) error {
		a.GitToken = []byte("not sealed")
		return nil
	})
	require.NoError(t, err)
	_, err = f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)

	app := f.app(t)
	assert.Equal(t, domain.BuildFailed, app.BuildStatus)
	assert.Equal(t, domain.AppFailed, app.Status)
}

func TestStaleRolloutOutcomeIsIgnored(t *testing.T) {
	f := newFixture(t, inlinePool{})
	f.deployer.held = true

	_, err := f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)
	require.Equal(t, domain.AppDeploying, f.app(t).Status)

	// A second run fails its build while the first rollout is still out.
	f.builder.result = build.Result{Status: domain.BuildFailed, Logs: "npm ERR!"}
	_, err = f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)
	require.Equal(t, domain.AppFailed, f.app(t).Status)

	f.deployer.flush()
	app := f.app(t)
	assert.Equal(t, domain.AppFailed, app.Status, "late outcome must not overwrite the newer run")
	assert.Equal(t, domain.BuildFailed, app.BuildStatus)
}

func TestRolloutOutcomeForOtherImageIsIgnored(t *testing.T) {
	f := newFixture(t, inlinePool{})
	f.deployer.held = true
	_, err := f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)

	f.coord.DeploymentFinished("app-1", "web:old", nil)
	assert.Equal(t, domain.AppDeploying, f.app(t).Status)

	f.deployer.flush()
	assert.Equal(t, domain.AppRunning, f.app(t).Status)
}

func TestImageVerificationFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, inlinePool{}, func(deps *Deps, _ *Config) {
		deps.Verifier = fakeVerifier{err: errors.New("no such image")}
	})

	_, err := f.coord.Trigger(context.Background(), "dev", "app-1")
	require.NoError(t, err)

	assert.Len(t, f.deployer.requests, 1)
	assert.Equal(t, []string{"env1/web:abc12345"}, f.images.imported)
	app := f.app(t)
	assert.Equal(t, domain.BuildSuccess, app.BuildStatus)
	assert.Equal(t, domain.AppRunning, app.Status)
}
