// Package rbac keeps team namespaces and per-user role bindings in step with
// team membership.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/splax/kubeploy/internal/domain"
	"github.com/splax/kubeploy/internal/kube"
	"github.com/splax/kubeploy/internal/metrics"
	"github.com/splax/kubeploy/internal/repository"
	"github.com/splax/kubeploy/internal/worker"
)

// Pool runs detached work.
type Pool interface {
	Submit(name string, task worker.Task) error
}

// Service applies namespace and binding changes to an environment's cluster.
type Service struct {
	envs     repository.EnvironmentRepository
	teams    repository.TeamRepository
	clients  kube.Factory
	pool     Pool
	logger   *slog.Logger
	failures *prometheus.CounterVec
	// members serializes binding reconciles per team member.
	members *sync.Map
}

// New returns an RBAC synchronizer.
func New(envs repository.EnvironmentRepository, teams repository.TeamRepository, clients kube.Factory, pool Pool, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		envs:     envs,
		teams:    teams,
		clients:  clients,
		pool:     pool,
		logger:   logger,
		failures: metrics.NewCounterVec("rbac", "sync_failures_total", "Failed background RBAC operations", "operation"),
		members:  &sync.Map{},
	}
}

func namespaceOf(team domain.Team) string {
	if team.Namespace != "" {
		return team.Namespace
	}
	return Namespace(team.Name)
}

func (s Service) connect(ctx context.Context, team domain.Team) (*kube.Client, error) {
	env, err := s.envs.GetEnvironmentByID(ctx, team.EnvironmentID)
	if err != nil {
		return nil, fmt.Errorf("load environment %s: %w", team.EnvironmentID, err)
	}
	return s.clients.Connect(ctx, env)
}

// EnsureNamespace creates the team namespace and binds every current member.
func (s Service) EnsureNamespace(ctx context.Context, team domain.Team) error {
	client, err := s.connect(ctx, team)
	if err != nil {
		return err
	}
	defer client.Close()

	ns := namespaceOf(team)
	if err := kube.EnsureNamespace(ctx, client.Typed, ns); err != nil {
		return err
	}
	bindings, err := s.teams.ListBindings(ctx, team.ID)
	if err != nil {
		return fmt.Errorf("list bindings: %w", err)
	}
	for _, b := range bindings {
		if err := kube.ApplyRoleBinding(ctx, client.Typed, roleBinding(ns, b.UserID, b.Role)); err != nil {
			return err
		}
	}
	s.logger.Info("team namespace ensured", "team_id", team.ID, "namespace", ns, "bindings", len(bindings))
	return nil
}

// SyncBinding writes the user's binding for role, or deletes it when role is nil.
func (s Service) SyncBinding(ctx context.Context, team domain.Team, userID string, role *domain.Role) error {
	client, err := s.connect(ctx, team)
	if err != nil {
		return err
	}
	defer client.Close()

	ns := namespaceOf(team)
	if role == nil {
		if err := kube.DeleteRoleBinding(ctx, client.Typed, ns, BindingName(userID)); err != nil {
			return err
		}
		s.logger.Info("role binding removed", "team_id", team.ID, "user_id", userID, "namespace", ns)
		return nil
	}
	if err := kube.ApplyRoleBinding(ctx, client.Typed, roleBinding(ns, userID, *role)); err != nil {
		return err
	}
	s.logger.Info("role binding synced", "team_id", team.ID, "user_id", userID, "namespace", ns, "cluster_role", role.ClusterRole())
	return nil
}

// DeleteNamespace removes the team namespace and everything in it.
func (s Service) DeleteNamespace(ctx context.Context, team domain.Team) error {
	client, err := s.connect(ctx, team)
	if err != nil {
		return err
	}
	defer client.Close()
	return kube.DeleteNamespace(ctx, client.Typed, namespaceOf(team))
}

// SubmitEnsureNamespace runs EnsureNamespace in the background.
func (s Service) SubmitEnsureNamespace(team domain.Team) {
	s.submit("ensure_namespace", team, func(ctx context.Context) error {
		return s.EnsureNamespace(ctx, team)
	})
}

// ReconcileBinding makes the user's cluster binding match the stored
// membership at the time it runs: the stored role is applied, a missing
// membership deletes the binding.
func (s Service) ReconcileBinding(ctx context.Context, team domain.Team, userID string) error {
	mu := s.memberLock(team.ID, userID)
	mu.Lock()
	defer mu.Unlock()

	var role *domain.Role
	binding, err := s.teams.GetBinding(ctx, team.ID, userID)
	switch {
	case err == nil:
		role = &binding.Role
	case !errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("load binding: %w", err)
	}
	return s.SyncBinding(ctx, team, userID, role)
}

// SubmitSyncBinding runs ReconcileBinding in the background.
func (s Service) SubmitSyncBinding(team domain.Team, userID string) {
	s.submit("sync_binding", team, func(ctx context.Context) error {
		return s.ReconcileBinding(ctx, team, userID)
	})
}

func (s Service) memberLock(teamID, userID string) *sync.Mutex {
	mu, _ := s.members.LoadOrStore(teamID+"/"+userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// SubmitDeleteNamespace runs DeleteNamespace in the background.
func (s Service) SubmitDeleteNamespace(team domain.Team) {
	s.submit("delete_namespace", team, func(ctx context.Context) error {
		return s.DeleteNamespace(ctx, team)
	})
}

func (s Service) submit(op string, team domain.Team, fn func(context.Context) error) {
	err := s.pool.Submit("rbac_"+op, func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			s.failures.WithLabelValues(op).Inc()
			s.logger.Error("rbac operation failed", "operation", op, "team_id", team.ID, "error", err)
		}
	})
	if err != nil {
		s.failures.WithLabelValues(op).Inc()
		s.logger.Error("rbac operation not scheduled", "operation", op, "team_id", team.ID, "error", err)
	}
}

func roleBinding(namespace, userID string, role domain.Role) *rbacv1.RoleBinding {
	return &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{
			Name:      BindingName(userID),
			Namespace: namespace,
			Labels:    map[string]string{kube.ManagedByLabel: kube.ManagedBy},
		},
		Subjects: []rbacv1.Subject{{
			Kind:     rbacv1.UserKind,
			APIGroup: rbacv1.GroupName,
			Name:     userID,
		}},
		RoleRef: rbacv1.RoleRef{
			APIGroup: rbacv1.GroupName,
			Kind:     "ClusterRole",
			Name:     role.ClusterRole(),
		},
	}
}
