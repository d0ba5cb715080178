// Package environment provisions, tracks and tears down the clusters behind
// environments.
package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/splax/kubeploy/internal/cluster"
	"github.com/splax/kubeploy/internal/domain"
	"github.com/splax/kubeploy/internal/kube"
	"github.com/splax/kubeploy/internal/kubeconfig"
	"github.com/splax/kubeploy/internal/metrics"
	"github.com/splax/kubeploy/internal/repository"
	"github.com/splax/kubeploy/internal/service/access"
	"github.com/splax/kubeploy/internal/worker"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = time.Second
	defaultRetryCap      = 10 * time.Second
	nodeProbeLimit       = 5
)

var nameExpr = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,30}[a-z0-9])?$`)

var (
	ErrInvalidName       = fmt.Errorf("%w: environment name must be 1-32 lowercase letters, digits or dashes", repository.ErrInvalidArgument)
	ErrEnvironmentExists = fmt.Errorf("%w: environment already exists", repository.ErrConflict)
	ErrNoNodes           = errors.New("environment: cluster reports no nodes")
)

// ProvisioningError reports a cluster that could not be brought up.
type ProvisioningError struct {
	Environment string
	Err         error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision environment %s: %v", e.Environment, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Pool runs detached work.
type Pool interface {
	Submit(name string, task worker.Task) error
}

// Guard checks environment permissions.
type Guard interface {
	RequireEnvironment(ctx context.Context, userID, envID string, perm domain.Permission) error
}

// Sealer encrypts access configuration at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

// Config controls where bootstrap files go and how creation is retried.
type Config struct {
	KubeconfigDir string
	RetryAttempts uint64
	RetryBase     time.Duration
	RetryCap      time.Duration
}

// CreateInput captures a new environment. A non-empty Kubeconfig attaches an
// existing cluster instead of provisioning one.
type CreateInput struct {
	Name       string
	Kubeconfig string
}

// Service coordinates environment lifecycle operations.
type Service struct {
	envs    repository.EnvironmentRepository
	teams   repository.TeamRepository
	tool    cluster.Tool
	clients kube.Factory
	sealer  Sealer
	pool    Pool
	guard   Guard
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	provisions *prometheus.CounterVec
}

// Deps bundles collaborators for New.
type Deps struct {
	Environments repository.EnvironmentRepository
	Teams        repository.TeamRepository
	Tool         cluster.Tool
	Clients      kube.Factory
	Sealer       Sealer
	Pool         Pool
	Guard        Guard
	Logger       *slog.Logger
}

// New constructs an environment service.
func New(deps Deps, cfg Config) *Service {
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = defaultRetryCap
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		envs:       deps.Environments,
		teams:      deps.Teams,
		tool:       deps.Tool,
		clients:    deps.Clients,
		sealer:     deps.Sealer,
		pool:       deps.Pool,
		guard:      deps.Guard,
		cfg:        cfg,
		logger:     logger,
		inflight:   make(map[string]context.CancelFunc),
		provisions: metrics.NewCounterVec("environment", "provisions_total", "Cluster provisioning attempts by outcome", "outcome"),
	}
}

// Create registers an environment. Supplied access configuration makes it
// READY at once; otherwise a managed cluster is provisioned in the background.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*domain.Environment, error) {
	name := strings.TrimSpace(in.Name)
	if !nameExpr.MatchString(name) {
		return nil, ErrInvalidName
	}
	if _, err := s.envs.GetEnvironmentByName(ctx, name); err == nil {
		return nil, ErrEnvironmentExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	env := &domain.Environment{ID: uuid.NewString(), Name: name, CreatedBy: userID, CreatedAt: now, UpdatedAt: now}
	if strings.TrimSpace(in.Kubeconfig) != "" {
		content := []byte(in.Kubeconfig)
		if err := kubeconfig.Validate(content); err != nil {
			return nil, fmt.Errorf("%w: %v", repository.ErrInvalidArgument, err)
		}
		sealed, err := s.sealer.Seal(content)
		if err != nil {
			return nil, fmt.Errorf("seal kubeconfig: %w", err)
		}
		env.Kubeconfig = sealed
		env.Status = domain.EnvironmentReady
	} else {
		env.Managed = true
		env.Status = domain.EnvironmentCreating
	}

	if err := s.envs.CreateEnvironment(ctx, env); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrEnvironmentExists
		}
		return nil, err
	}
	s.logger.Info("environment created", "environment_id", env.ID, "name", env.Name, "managed", env.Managed, "user_id", userID)

	if env.Managed {
		id := env.ID
		err := s.pool.Submit("provision_environment", func(ctx context.Context) {
			if err := s.Provision(ctx, id); err != nil {
				s.logger.Error("environment provisioning failed", "environment_id", id, "error", err)
			}
		})
		if err != nil {
			s.markFailed(context.WithoutCancel(ctx), env, err)
			return nil, fmt.Errorf("schedule provisioning: %w", err)
		}
	}
	return env, nil
}

// Provision brings up the managed cluster for an environment and records the
// outcome as READY or FAILED.
func (s *Service) Provision(ctx context.Context, id string) error {
	env, err := s.envs.GetEnvironmentByID(ctx, id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	s.track(id, cancel)
	defer s.untrack(id)
	defer cancel()

	env.Status = domain.EnvironmentCreating
	env.StatusMessage = ""
	env.UpdatedAt = time.Now().UTC()
	if err := s.envs.UpdateEnvironment(ctx, env); err != nil {
		return err
	}

	if err := s.provision(ctx, env); err != nil {
		s.provisions.WithLabelValues("failed").Inc()
		s.markFailed(context.WithoutCancel(ctx), env, err)
		return &ProvisioningError{Environment: env.Name, Err: err}
	}

	env.Status = domain.EnvironmentReady
	env.StatusMessage = ""
	env.UpdatedAt = time.Now().UTC()
	if err := s.envs.UpdateEnvironment(context.WithoutCancel(ctx), env); err != nil {
		return err
	}
	s.provisions.WithLabelValues("ready").Inc()
	s.logger.Info("environment ready", "environment_id", env.ID, "name", env.Name)
	return nil
}

func (s *Service) provision(ctx context.Context, env *domain.Environment) error {
	gen, err := kubeconfig.Generate(s.cfg.KubeconfigDir, env.Name)
	if err != nil {
		return err
	}
	env.KubeconfigPath = gen.Path
	env.Kubeconfig = nil
	if err := s.envs.UpdateEnvironment(ctx, env); err != nil {
		return err
	}

	backoff := retry.NewExponential(s.cfg.RetryBase)
	backoff = retry.WithCappedDuration(s.cfg.RetryCap, backoff)
	backoff = retry.WithJitterPercent(10, backoff)
	backoff = retry.WithMaxRetries(s.cfg.RetryAttempts-1, backoff)

	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := s.tool.Create(ctx, env.Name, cluster.CreateOptions{APIPort: gen.Port})
		if err == nil {
			return nil
		}
		s.logger.Warn("cluster create failed", "environment_id", env.ID, "attempt", attempt, "error", err)
		if delErr := s.tool.Delete(ctx, env.Name); delErr != nil {
			s.logger.Debug("partial cluster cleanup failed", "environment_id", env.ID, "error", delErr)
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return err
	}
	return s.verify(ctx, env)
}

// verify checks the new cluster answers with at least one node.
func (s *Service) verify(ctx context.Context, env *domain.Environment) error {
	client, err := s.clients.Connect(ctx, env)
	if err != nil {
		return err
	}
	defer client.Close()
	nodes, err := client.Typed.CoreV1().Nodes().List(ctx, metav1.ListOptions{Limit: nodeProbeLimit})
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	if len(nodes.Items) == 0 {
		return ErrNoNodes
	}
	return nil
}

func (s *Service) markFailed(ctx context.Context, env *domain.Environment, cause error) {
	env.Status = domain.EnvironmentFailed
	env.StatusMessage = cause.Error()
	env.UpdatedAt = time.Now().UTC()
	if err := s.envs.UpdateEnvironment(ctx, env); err != nil {
		s.logger.Error("record environment failure", "environment_id", env.ID, "error", err)
	}
}

// Cancel aborts an in-flight provisioning run. It reports whether one was running.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Service) track(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.inflight[id] = cancel
	s.mu.Unlock()
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// Delete tears down a managed cluster and removes the environment with
// everything it owns. The record stays when the cluster tool fails.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	env, err := s.envs.GetEnvironmentByID(ctx, id)
	if err != nil {
		return err
	}
	teams, err := s.teams.ListTeamsByEnvironment(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authorizeDelete(ctx, userID, env, len(teams) > 0); err != nil {
		return err
	}
	s.Cancel(id)

	if env.Managed {
		if err := s.tool.Delete(ctx, env.Name); err != nil {
			return fmt.Errorf("delete cluster for %s: %w", env.Name, err)
		}
	}
	if s.ownsFile(env.KubeconfigPath) {
		if err := os.Remove(env.KubeconfigPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("remove kubeconfig file failed", "environment_id", id, "error", err)
		}
	}
	if err := s.envs.DeleteEnvironment(ctx, id); err != nil {
		return err
	}
	s.logger.Info("environment deleted", "environment_id", id, "name", env.Name, "user_id", userID)
	return nil
}

// authorizeDelete requires MANAGE through a team once the environment has
// teams; before that only its creator may delete it.
func (s *Service) authorizeDelete(ctx context.Context, userID string, env *domain.Environment, hasTeams bool) error {
	if hasTeams {
		return s.guard.RequireEnvironment(ctx, userID, env.ID, domain.PermissionManage)
	}
	if env.CreatedBy == "" || env.CreatedBy != userID {
		return &access.AccessDeniedError{UserID: userID, Resource: "environment " + env.ID, Permission: domain.PermissionManage}
	}
	return nil
}

func (s *Service) ownsFile(path string) bool {
	if path == "" || s.cfg.KubeconfigDir == "" {
		return false
	}
	rel, err := filepath.Rel(s.cfg.KubeconfigDir, path)
	return err == nil && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// ListForUser returns every environment the user created or reaches through
// a team.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]domain.Environment, error) {
	return s.envs.ListEnvironmentsByUser(ctx, userID)
}
