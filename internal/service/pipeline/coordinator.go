// Package pipeline drives an application from source to a running workload:
// clone, build, image hand-off and rollout, reporting every step to the
// session's log stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/kubeploy/internal/build"
	"github.com/splax/kubeploy/internal/domain"
	"github.com/splax/kubeploy/internal/git"
	"github.com/splax/kubeploy/internal/lock"
	"github.com/splax/kubeploy/internal/logstream"
	"github.com/splax/kubeploy/internal/metrics"
	"github.com/splax/kubeploy/internal/repository"
	"github.com/splax/kubeploy/internal/service/deploy"
	"github.com/splax/kubeploy/internal/service/rbac"
	"github.com/splax/kubeploy/internal/worker"
)

const defaultBuildTimeout = 5 * time.Minute

// ErrRunInProgress is returned when the application already has a run in flight.
var ErrRunInProgress = fmt.Errorf("%w: a deployment is already running for this application", repository.ErrConflict)

// Ack acknowledges an accepted trigger.
type Ack struct {
	SessionID     string `json:"session_id"`
	ApplicationID string `json:"application_id"`
}

// Status is the externally visible pipeline state of an application.
type Status struct {
	BuildStatus       domain.BuildStatus       `json:"build_status"`
	ApplicationStatus domain.ApplicationStatus `json:"status"`
	Logs              string                   `json:"logs"`
	ImageRef          string                   `json:"image_ref"`
}

// Sessions allocates log sessions and receives their lines.
type Sessions interface {
	logstream.Sender
	NewSession() string
}

// Pool runs detached work.
type Pool interface {
	Submit(name string, task worker.Task) error
}

// Guard authorizes users against a project's team or environment.
type Guard interface {
	Require(ctx context.Context, userID, envID, teamID string, perm domain.Permission) error
}

// Sources clones application repositories into workspaces.
type Sources interface {
	Clone(ctx context.Context, sessionID string, src git.Source) (string, error)
}

// Builder turns a workspace into an image.
type Builder interface {
	Build(ctx context.Context, sessionID, workspace, imageName string, timeout time.Duration) build.Result
}

// Deployer schedules rollouts.
type Deployer interface {
	Deploy(ctx context.Context, sessionID string, req deploy.Request) (string, error)
}

// Images loads built images into managed clusters.
type Images interface {
	ImportImage(ctx context.Context, clusterName, image string) error
}

// ImageVerifier confirms a built image exists locally.
type ImageVerifier interface {
	ImageID(ctx context.Context, ref string) (string, error)
}

// Workspaces removes finished clone directories.
type Workspaces interface {
	Cleanup(path string) error
}

// Opener decrypts sealed git credentials.
type Opener interface {
	Open(payload []byte) ([]byte, error)
}

// Config tunes a Coordinator.
type Config struct {
	BuildTimeout  time.Duration
	WorkspaceKeep bool
}

// Deps bundles collaborators for New. Images and Verifier are optional.
type Deps struct {
	Applications repository.ApplicationRepository
	Projects     repository.ProjectRepository
	Environments repository.EnvironmentRepository
	Teams        repository.TeamRepository
	Guard        Guard
	Locks        lock.Locker
	Sessions     Sessions
	Pool         Pool
	Sources      Sources
	Builder      Builder
	Deployer     Deployer
	Images       Images
	Verifier     ImageVerifier
	Workspaces   Workspaces
	Secrets      Opener
	Logger       *slog.Logger
}

// Coordinator runs deployment pipelines.
type Coordinator struct {
	apps       repository.ApplicationRepository
	projects   repository.ProjectRepository
	envs       repository.EnvironmentRepository
	teams      repository.TeamRepository
	guard      Guard
	locks      lock.Locker
	sessions   Sessions
	pool       Pool
	sources    Sources
	builder    Builder
	deployer   Deployer
	images     Images
	verifier   ImageVerifier
	workspaces Workspaces
	secrets    Opener
	cfg        Config
	logger     *slog.Logger

	runs     *prometheus.CounterVec
	inFlight prometheus.Gauge
}

// New constructs a Coordinator.
func New(deps Deps, cfg Config) *Coordinator {
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = defaultBuildTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		apps:       deps.Applications,
		projects:   deps.Projects,
		envs:       deps.Environments,
		teams:      deps.Teams,
		guard:      deps.Guard,
		locks:      deps.Locks,
		sessions:   deps.Sessions,
		pool:       deps.Pool,
		sources:    deps.Sources,
		builder:    deps.Builder,
		deployer:   deps.Deployer,
		images:     deps.Images,
		verifier:   deps.Verifier,
		workspaces: deps.Workspaces,
		secrets:    deps.Secrets,
		cfg:        cfg,
		logger:     logger,
		runs:       metrics.NewCounterVec("pipeline", "runs_total", "Pipeline runs by outcome", "outcome"),
		inFlight:   metrics.NewGauge("pipeline", "in_flight", "Pipeline runs currently executing"),
	}
}

// Trigger starts a run for the application and returns the session the
// client should attach to.
func (c *Coordinator) Trigger(ctx context.Context, userID, applicationID string) (Ack, error) {
	app, err := c.apps.GetApplicationByID(ctx, applicationID)
	if err != nil {
		return Ack{}, err
	}
	project, err := c.projects.GetProjectByID(ctx, app.ProjectID)
	if err != nil {
		return Ack{}, err
	}
	if err := c.guard.Require(ctx, userID, project.EnvironmentID, project.TeamID, domain.PermissionDeploy); err != nil {
		return Ack{}, err
	}

	release, ok, err := c.locks.TryLock(ctx, app.ID)
	if err != nil {
		return Ack{}, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return Ack{}, ErrRunInProgress
	}

	sessionID := c.sessions.NewSession()
	err = c.pool.Submit("pipeline_run", func(ctx context.Context) {
		defer release()
		c.run(ctx, sessionID, app.ID, *project)
	})
	if err != nil {
		release()
		return Ack{}, fmt.Errorf("schedule run: %w", err)
	}
	c.logger.Info("pipeline triggered", "application_id", app.ID, "session_id", sessionID, "user_id", userID)
	return Ack{SessionID: sessionID, ApplicationID: app.ID}, nil
}

// Status reports the application's build and lifecycle state.
func (c *Coordinator) Status(ctx context.Context, userID, applicationID string) (Status, error) {
	app, err := c.apps.GetApplicationByID(ctx, applicationID)
	if err != nil {
		return Status{}, err
	}
	project, err := c.projects.GetProjectByID(ctx, app.ProjectID)
	if err != nil {
		return Status{}, err
	}
	if err := c.guard.Require(ctx, userID, project.EnvironmentID, project.TeamID, domain.PermissionView); err != nil {
		return Status{}, err
	}
	return Status{
		BuildStatus:       app.BuildStatus,
		ApplicationStatus: app.Status,
		Logs:              app.BuildLogs,
		ImageRef:          app.ImageRef,
	}, nil
}

// errStaleOutcome aborts a rollout outcome write once a newer run owns the application.
var errStaleOutcome = errors.New("pipeline: stale rollout outcome")

// DeploymentFinished records the outcome of rolling out imageTag. Outcomes
// for an image the application no longer points at, or that arrive after a
// newer run left DEPLOYING, are dropped.
func (c *Coordinator) DeploymentFinished(applicationID, imageTag string, err error) {
	status := domain.AppRunning
	if err != nil {
		status = domain.AppFailed
	}
	_, uerr := c.apps.UpdateApplication(context.Background(), applicationID, func(app *domain.Application) error {
		if app.ImageRef != imageTag || app.Status != domain.AppDeploying {
			return errStaleOutcome
		}
		app.Status = status
		app.UpdatedAt = time.Now().UTC()
		return nil
	})
	if errors.Is(uerr, errStaleOutcome) {
		c.logger.Info("stale rollout outcome ignored", "application_id", applicationID, "image", imageTag, "status", status)
		return
	}
	if uerr != nil {
		c.logger.Error("record rollout outcome failed", "application_id", applicationID, "error", uerr)
		return
	}
	c.logger.Info("rollout finished", "application_id", applicationID, "status", status)
}

func (c *Coordinator) run(ctx context.Context, sessionID, appID string, project domain.Project) {
	c.inFlight.Inc()
	defer c.inFlight.Dec()
	start := time.Now()
	outcome := "failed"
	st := &runState{}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("pipeline panic", "application_id", appID, "session_id", sessionID, "panic", r)
			c.fail(ctx, sessionID, appID, st.built, fmt.Errorf("internal error: %v", r))
			outcome = "panic"
		}
		c.runs.WithLabelValues(outcome).Inc()
		c.logger.Info("pipeline run finished", "application_id", appID, "session_id", sessionID, "outcome", outcome, "duration_ms", time.Since(start).Milliseconds())
	}()

	var err error
	outcome, err = c.execute(ctx, sessionID, appID, project, st)
	if err != nil {
		c.fail(ctx, sessionID, appID, st.built, err)
	}
}

// runState tracks what a run has persisted so far.
type runState struct {
	// built is set once this run recorded its build result.
	built bool
}

// execute is the linear body of a run. It returns the outcome label.
func (c *Coordinator) execute(ctx context.Context, sessionID, appID string, project domain.Project, st *runState) (string, error) {
	app, err := c.apps.UpdateApplication(ctx, appID, func(a *domain.Application) error {
		a.BuildStatus = domain.BuildPending
		a.BuildLogs = ""
		a.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return "failed", err
	}
	env, err := c.envs.GetEnvironmentByID(ctx, project.EnvironmentID)
	if err != nil {
		return "failed", err
	}
	src, err := c.source(*app)
	if err != nil {
		return "failed", err
	}

	c.sessions.Send(sessionID, logstream.KindDeploy, "Starting Git clone...")
	dir, err := c.sources.Clone(ctx, sessionID, src)
	if dir != "" && !c.cfg.WorkspaceKeep {
		defer func() {
			if cerr := c.workspaces.Cleanup(dir); cerr != nil {
				c.logger.Warn("workspace cleanup failed", "application_id", appID, "path", dir, "error", cerr)
			}
		}()
	}
	if err != nil {
		return "failed", err
	}
	c.sessions.Send(sessionID, logstream.KindDeploy, "Git clone completed.")

	if _, err := c.apps.UpdateApplication(ctx, appID, func(a *domain.Application) error {
		a.BuildStatus = domain.BuildBuilding
		a.Status = domain.AppBuilding
		a.UpdatedAt = time.Now().UTC()
		return nil
	}); err != nil {
		return "failed", err
	}

	c.sessions.Send(sessionID, logstream.KindDeploy, "Starting build...")
	res := c.builder.Build(ctx, sessionID, dir, app.Name, c.cfg.BuildTimeout)
	succeeded := res.Status == domain.BuildSuccess
	if _, err := c.apps.UpdateApplication(ctx, appID, func(a *domain.Application) error {
		a.BuildStatus = res.Status
		a.BuildLogs = res.Logs
		if succeeded {
			a.ImageRef = res.ImageTag
		} else {
			a.Status = domain.AppFailed
		}
		a.UpdatedAt = time.Now().UTC()
		return nil
	}); err != nil {
		return "failed", err
	}
	st.built = true
	if !succeeded {
		c.sessions.Send(sessionID, logstream.KindDeploy, "Build failed. Deployment skipped.")
		if res.Err != nil {
			c.logger.Warn("build failed", "application_id", appID, "session_id", sessionID, "error", res.Err)
		}
		return "build_failed", nil
	}

	c.sessions.Send(sessionID, logstream.KindDeploy, "Build successful. Deploying application...")
	if err := c.handOff(ctx, *env, res.ImageTag); err != nil {
		return "failed", err
	}
	if _, err := c.apps.UpdateApplication(ctx, appID, func(a *domain.Application) error {
		a.Status = domain.AppDeploying
		a.UpdatedAt = time.Now().UTC()
		return nil
	}); err != nil {
		return "failed", err
	}

	domains, err := c.apps.ListDomains(ctx, appID)
	if err != nil {
		return "failed", err
	}
	namespace, err := c.namespace(ctx, project, *env)
	if err != nil {
		return "failed", err
	}
	if _, err := c.deployer.Deploy(ctx, sessionID, deploy.Request{
		Application: *app,
		Domains:     domains,
		Environment: *env,
		Namespace:   namespace,
		ImageTag:    res.ImageTag,
	}); err != nil {
		return "failed", err
	}
	return "deployed", nil
}

// handOff makes the built image reachable from the environment's cluster.
// Verification only warns.
func (c *Coordinator) handOff(ctx context.Context, env domain.Environment, image string) error {
	if c.verifier != nil {
		if id, err := c.verifier.ImageID(ctx, image); err != nil {
			c.logger.Warn("image verification failed", "image", image, "error", err)
		} else {
			c.logger.Debug("image verified", "image", image, "image_id", id)
		}
	}
	if env.Managed && c.images != nil {
		if err := c.images.ImportImage(ctx, env.Name, image); err != nil {
			return err
		}
	}
	return nil
}

// namespace picks the project team's namespace, falling back to one derived
// from the environment name.
func (c *Coordinator) namespace(ctx context.Context, project domain.Project, env domain.Environment) (string, error) {
	if project.TeamID != "" {
		team, err := c.teams.GetTeamByID(ctx, project.TeamID)
		switch {
		case err == nil && team.Namespace != "":
			return team.Namespace, nil
		case err == nil:
			return rbac.Namespace(team.Name), nil
		case !errors.Is(err, repository.ErrNotFound):
			return "", err
		}
	}
	return rbac.Namespace(env.Name), nil
}

func (c *Coordinator) source(app domain.Application) (git.Source, error) {
	src := git.Source{URL: app.GitRepository, Branch: app.Branch(), Username: app.GitUsername}
	token, err := c.open(app.GitToken)
	if err != nil {
		return src, fmt.Errorf("open git token: %w", err)
	}
	key, err := c.open(app.GitPrivateKey)
	if err != nil {
		return src, fmt.Errorf("open git key: %w", err)
	}
	passphrase, err := c.open(app.GitPassphrase)
	if err != nil {
		return src, fmt.Errorf("open git passphrase: %w", err)
	}
	src.Token = string(token)
	src.PrivateKey = key
	src.Passphrase = string(passphrase)
	return src, nil
}

func (c *Coordinator) open(sealed []byte) ([]byte, error) {
	if len(sealed) == 0 || c.secrets == nil {
		return sealed, nil
	}
	return c.secrets.Open(sealed)
}

// fail records a failed run and tells the client. A build result recorded by
// this run is kept; anything else becomes FAILED.
func (c *Coordinator) fail(ctx context.Context, sessionID, appID string, built bool, cause error) {
	msg := cause.Error()
	c.logger.Error("pipeline run failed", "application_id", appID, "session_id", sessionID, "error", cause)
	_, err := c.apps.UpdateApplication(context.WithoutCancel(ctx), appID, func(a *domain.Application) error {
		if !built {
			a.BuildStatus = domain.BuildFailed
		}
		a.Status = domain.AppFailed
		if a.BuildLogs == "" {
			a.BuildLogs = msg
		} else {
			a.BuildLogs += "\n" + msg
		}
		a.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		c.logger.Error("record pipeline failure", "application_id", appID, "error", err)
	}
	c.sessions.Send(sessionID, logstream.KindDeploy, "Error during deployment process: "+msg)
}
